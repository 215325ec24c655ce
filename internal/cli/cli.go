package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tetra3d/internal/client"
	"tetra3d/internal/config"
	"tetra3d/internal/logging"
)

// Version is stamped at build time with -ldflags "-X tetra3d/internal/cli.Version=...".
var Version = "0.1.0-dev"

type dialFunc func(ctx context.Context, addr string, opts ...client.Option) (*client.Client, error)

// Root carries state shared by every subcommand.
type Root struct {
	cfg *config.Config
	log *slog.Logger

	configPath     string
	address        string
	connectTimeout time.Duration

	dial        dialFunc
	startEngine engineFactory
}

// NewRootCmd creates the root Cobra command.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&Root{dial: client.Dial})
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tetra3d",
		Short: "tetra3d serves star-pattern plate solving over gRPC",
		Long: `tetra3d runs a long-lived tetra3 solver behind the tetra3_server.Tetra3 gRPC
service, and doubles as a command line client for it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.loadConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&root.configPath, "config", "c", "", "configuration file (default $"+config.EnvConfigPath+" or ~/.config/tetra3d/config.json)")
	flags.StringVarP(&root.address, "address", "a", "", "server address, host:port or unix:///path (default server.listen_address)")
	flags.DurationVar(&root.connectTimeout, "connect-timeout", 30*time.Second, "how long clients wait for the server to come up")

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newTransformCmd(root))
	rootCmd.AddCommand(newCancelCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func (r *Root) loadConfig() error {
	var (
		cfg *config.Config
		err error
	)
	if r.configPath != "" {
		cfg, err = config.LoadFile(r.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	r.cfg = cfg
	r.log = logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	return nil
}

// connect dials the configured server and waits until it is serving.
func (r *Root) connect(ctx context.Context) (*client.Client, error) {
	addr := r.address
	if addr == "" {
		addr = dialAddress(r.cfg.Server.ListenAddress)
	}
	ctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()
	return r.dial(ctx, addr)
}

// dialAddress turns a listen address into one a client can reach: wildcard
// hosts become localhost.
func dialAddress(listen string) string {
	if strings.HasPrefix(listen, "unix://") {
		return listen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "::", "0.0.0.0":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

// parsePair reads "a,b" into two floats.
func parsePair(s string) (float64, float64, error) {
	a, b, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("want \"a,b\", got %q", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return x, y, nil
}
