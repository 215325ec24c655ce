package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tetra3d/internal/config"
	"tetra3d/internal/engine"
	"tetra3d/internal/fsutil"
	"tetra3d/internal/grpcserver"
	"tetra3d/internal/logging"
	"tetra3d/internal/pipeline"
	"tetra3d/internal/server"
	"tetra3d/internal/solver"
	"tetra3d/internal/storage"
	"tetra3d/internal/watcher"
)

// runningEngine is an engine the serve command owns and shuts down.
type runningEngine interface {
	engine.Engine
	io.Closer
}

type engineFactory func(ctx context.Context, cfg config.Engine, log *slog.Logger) (runningEngine, error)

func startProcess(ctx context.Context, cfg config.Engine, log *slog.Logger) (runningEngine, error) {
	return engine.NewProcess(ctx, engine.ProcessConfig{
		Command:        cfg.Command,
		Args:           cfg.Args,
		DatabasePath:   cfg.DatabasePath,
		StartupTimeout: cfg.StartupTimeout.Std(),
		CancelGrace:    cfg.CancelGrace.Std(),
	}, log)
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		listen   string
		httpAddr string
		database string
		workers  int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Tetra3 gRPC service",
		Long: `Start the solver worker, load the reference database and serve the
tetra3_server.Tetra3 service. An ops HTTP server exposes /healthz, /calls,
/stats, /stream, /ws and /metrics unless server.http_address is empty.

Send SIGUSR1 to cancel the solve in flight.

Examples:
  tetra3d serve --database ~/tetra3/default_database.npz
  tetra3d serve --listen unix:///tmp/tetra3.sock --http ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("listen") {
				root.cfg.Server.ListenAddress = listen
			}
			if flags.Changed("http") {
				root.cfg.Server.HTTPAddress = httpAddr
			}
			if flags.Changed("database") {
				root.cfg.Engine.DatabasePath = database
			}
			if flags.Changed("workers") {
				root.cfg.Server.Workers = workers
			}
			start := root.startEngine
			if start == nil {
				start = startProcess
			}
			return root.serve(cmd.Context(), start)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address, host:port or unix:///path")
	cmd.Flags().StringVar(&httpAddr, "http", "", "ops HTTP address; empty disables")
	cmd.Flags().StringVar(&database, "database", "", "tetra3 reference database")
	cmd.Flags().IntVar(&workers, "workers", 0, "calls handled concurrently")

	return cmd
}

// defaultDatabases lists where a database is looked for when none is configured.
func defaultDatabases() []string {
	candidates := []string{"default_database.npz"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".local", "share", "tetra3d", "default_database.npz"))
	}
	return candidates
}

func (r *Root) serve(ctx context.Context, start engineFactory) error {
	cfg := r.cfg
	if cfg.Engine.DatabasePath == "" {
		cfg.Engine.DatabasePath = fsutil.FirstExisting(defaultDatabases()...)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	log, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	r.log = log

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := start(ctx, cfg.Engine, log)
	if err != nil {
		return fmt.Errorf("failed to start solver: %w", err)
	}
	defer eng.Close()

	gov := solver.NewGovernor(eng, cfg.Solver.FallbackTimeout.Std())

	var store *storage.Store
	if cfg.Paths.JournalPath != "" {
		store, err = storage.New(cfg.Paths.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open call journal: %w", err)
		}
		defer store.Close()
	}

	pipe := pipeline.New(cfg.Server.Workers, pipeline.NewRouter(log, gov), log, store)
	defer pipe.Stop()

	rpc := grpcserver.New(grpcserver.Config{
		MaxMessageBytes: cfg.Server.MaxMessageMB * 1024 * 1024,
		Defaults: solver.Defaults{
			MatchRadius:          cfg.Solver.MatchRadius,
			MatchThreshold:       cfg.Solver.MatchThreshold,
			PatternCheckingStars: cfg.Solver.PatternCheckingStars,
		},
	}, gov, pipe, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rpc.Start(gctx, cfg.Server.ListenAddress)
	})
	if cfg.Server.HTTPAddress != "" {
		ops := server.NewServer(cfg.Server.HTTPAddress, store, pipe, gov, log)
		g.Go(func() error {
			return ops.Start(gctx)
		})
	}
	if dw, err := watcher.NewDatabaseWatcher(cfg.Engine.DatabasePath, log); err != nil {
		log.Warn("database watcher disabled", "error", err)
	} else {
		g.Go(func() error {
			return dw.Run(gctx)
		})
	}
	if store != nil && cfg.Paths.JournalRetention > 0 {
		g.Go(func() error {
			return pruneJournal(gctx, store, cfg.Paths.JournalRetention.Std(), time.Hour, log)
		})
	}
	g.Go(func() error {
		return cancelOnSignal(gctx, gov, log)
	})

	log.Info("tetra3d serving",
		"listen", cfg.Server.ListenAddress,
		"http", cfg.Server.HTTPAddress,
		"workers", cfg.Server.Workers,
		"journal", cfg.Paths.JournalPath,
	)
	err = g.Wait()
	log.Info("tetra3d stopped")
	return err
}

// cancelOnSignal cancels the solve in flight whenever a cancel signal
// arrives. It returns when ctx is done.
func cancelOnSignal(ctx context.Context, gov *solver.Governor, log *slog.Logger) error {
	sigs := cancelSignals()
	if len(sigs) == 0 {
		<-ctx.Done()
		return nil
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			log.Info("cancel signal received", "signal", sig.String(), "cancelled", gov.Cancel())
		}
	}
}

// pruneJournal drops calls older than retention right away and then on
// every tick until ctx is done.
func pruneJournal(ctx context.Context, store *storage.Store, retention, every time.Duration, log *slog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		n, err := store.Prune(time.Now().Add(-retention))
		if err != nil {
			log.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			log.Info("journal pruned", "removed", n, "retention", retention)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
