package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"tetra3d/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate tetra3d configuration",
	}

	// config show subcommand
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.configPath
			if path == "" {
				path = config.Path()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n\n", path)
			return printJSON(out, root.cfg)
		},
	}

	// config validate subcommand
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("configuration is invalid:\n%w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✅ Configuration is valid")
			checkEngine(root.cfg.Engine).print(out)
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

// engineStatus reports whether the solver worker can start on this host.
// Problems are printed as warnings, not returned.
type engineStatus struct {
	Path        string
	CommandErr  error
	DatabaseErr error
}

func checkEngine(cfg config.Engine) engineStatus {
	var st engineStatus
	st.Path, st.CommandErr = exec.LookPath(cfg.Command)
	if info, err := os.Stat(cfg.DatabasePath); err != nil {
		st.DatabaseErr = err
	} else if info.IsDir() {
		st.DatabaseErr = errors.New("is a directory")
	}
	return st
}

func (st engineStatus) print(w io.Writer) {
	if st.CommandErr != nil {
		fmt.Fprintf(w, "⚠️  Solver command unavailable: %v\n", st.CommandErr)
	} else {
		fmt.Fprintf(w, "✅ Solver command: %s\n", st.Path)
	}
	if st.DatabaseErr != nil {
		fmt.Fprintf(w, "⚠️  Reference database unavailable: %v\n", st.DatabaseErr)
	} else {
		fmt.Fprintln(w, "✅ Reference database present")
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("tetra3d %s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}
