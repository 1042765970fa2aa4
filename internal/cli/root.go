// Package cli implements the feedbacksync command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yaroing/feedback-platform/internal/config"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/remote"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	// NewClient overrides the HTTP collaborator (for testing).
	NewClient func(cfg *config.Config) (remote.Client, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedbacksync",
		Short: "Offline queue and sync agent for the feedback platform",
		Long: `feedbacksync keeps feedback records, edits and attachments in a local
SQLite queue while the server is unreachable and replays them when
connectivity returns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig reads the config and initializes the global logger.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	var out io.Writer = cmd.ErrOrStderr()
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open log file", err)
		}
		out = f
	}
	level := cfg.Level()
	if o.Verbose {
		level = logging.LevelDebug
	}
	logging.Init(out, level)
	return cfg, nil
}

// openApp loads the config and wires the components. A nil online uses the
// configured start state.
func (o *RootOptions) openApp(cmd *cobra.Command, online *bool) (*App, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	start := cfg.StartOnline
	if online != nil {
		start = *online
	}

	var app *App
	if o.NewClient != nil {
		client, cerr := o.NewClient(cfg)
		if cerr != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create client", cerr)
		}
		app, err = newApp(cfg, client, start)
	} else {
		app, err = NewApp(cfg, start)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return app, nil
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
