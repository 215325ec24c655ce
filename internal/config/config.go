package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultConfigPath = "~/.config/tetra3d/config.json"
	defaultWorkers    = 10
)

// EnvConfigPath names the environment variable that overrides the config
// file location.
const EnvConfigPath = "TETRA3D_CONFIG"

// Config holds the service settings.
type Config struct {
	Server  Server  `json:"server"`
	Engine  Engine  `json:"engine"`
	Solver  Solver  `json:"solver"`
	Logging Logging `json:"logging"`
	Paths   Paths   `json:"paths"`
}

// Server configures the listeners and the worker pool.
type Server struct {
	ListenAddress string `json:"listen_address"` // host:port or unix:///path
	HTTPAddress   string `json:"http_address"`   // ops server; empty disables
	Workers       int    `json:"workers"`
	MaxMessageMB  int    `json:"max_message_mb"`
}

// Engine configures the solver worker process.
type Engine struct {
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	DatabasePath   string   `json:"database_path"`
	StartupTimeout Duration `json:"startup_timeout"`
	CancelGrace    Duration `json:"cancel_grace"`
}

// Solver holds request defaults and the fallback solve budget.
type Solver struct {
	FallbackTimeout      Duration `json:"fallback_timeout"`
	MatchRadius          float64  `json:"match_radius"`
	MatchThreshold       float64  `json:"match_threshold"`
	PatternCheckingStars int      `json:"pattern_checking_stars"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures on-disk locations owned by the service.
type Paths struct {
	JournalPath      string   `json:"journal_path"`      // empty disables the call journal
	JournalRetention Duration `json:"journal_retention"` // zero keeps every call
}

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Path returns the config file location, honoring TETRA3D_CONFIG.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := ExpandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	cfg.Engine.DatabasePath, err = ExpandUser(cfg.Engine.DatabasePath)
	if err != nil {
		return nil, err
	}
	cfg.Paths.JournalPath, err = ExpandUser(cfg.Paths.JournalPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			ListenAddress: "[::]:50051",
			HTTPAddress:   ":8081",
			Workers:       defaultWorkers,
			MaxMessageMB:  16,
		},
		Engine: Engine{
			Command:        "tetra3-worker",
			StartupTimeout: Duration(60 * time.Second),
			CancelGrace:    Duration(2 * time.Second),
		},
		Solver: Solver{
			FallbackTimeout:      Duration(time.Second),
			MatchRadius:          0.01,
			MatchThreshold:       1e-3,
			PatternCheckingStars: 8,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			JournalPath:      filepath.Join(os.TempDir(), "tetra3d-journal.db"),
			JournalRetention: Duration(7 * 24 * time.Hour),
		},
	}
}

// Validate reports every setting that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddress == "" {
		errs = append(errs, errors.New("server.listen_address is required"))
	}
	if c.Server.Workers < 1 {
		errs = append(errs, fmt.Errorf("server.workers must be at least 1, got %d", c.Server.Workers))
	}
	if c.Server.MaxMessageMB < 1 {
		errs = append(errs, fmt.Errorf("server.max_message_mb must be at least 1, got %d", c.Server.MaxMessageMB))
	}
	if c.Engine.Command == "" {
		errs = append(errs, errors.New("engine.command is required"))
	}
	if c.Engine.DatabasePath == "" {
		errs = append(errs, errors.New("engine.database_path is required"))
	}
	if c.Engine.StartupTimeout <= 0 {
		errs = append(errs, errors.New("engine.startup_timeout must be positive"))
	}
	if c.Engine.CancelGrace <= 0 {
		errs = append(errs, errors.New("engine.cancel_grace must be positive"))
	}
	if c.Solver.FallbackTimeout <= 0 {
		errs = append(errs, errors.New("solver.fallback_timeout must be positive"))
	}
	if c.Solver.MatchRadius <= 0 {
		errs = append(errs, fmt.Errorf("solver.match_radius must be positive, got %v", c.Solver.MatchRadius))
	}
	if c.Solver.MatchThreshold <= 0 {
		errs = append(errs, fmt.Errorf("solver.match_threshold must be positive, got %v", c.Solver.MatchThreshold))
	}
	if c.Solver.PatternCheckingStars < 1 {
		errs = append(errs, fmt.Errorf("solver.pattern_checking_stars must be at least 1, got %d", c.Solver.PatternCheckingStars))
	}
	if c.Paths.JournalRetention < 0 {
		errs = append(errs, errors.New("paths.journal_retention must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// ExpandUser replaces a leading ~ with the user's home directory.
func ExpandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
