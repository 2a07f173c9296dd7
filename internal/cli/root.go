package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/mutq/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string // overrides store.driver/path with a SQLite file
	Redis      string // overrides store.driver/redis.addr

	// Config and Logger are resolved before any subcommand runs.
	Config config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the mutq CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "mutq",
		Short: "mutq - durable write-mutation queue",
		Long: `Operate a durable write-mutation queue.

Requests are kept in two store keys: the FIFO queue and the ongoing slot
holding the request currently being sent. Opening the queue recovers a
request left in the ongoing slot by a crash.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.resolve(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a CUE or JSON config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.PersistentFlags().StringVar(&opts.Redis, "redis", "", "Redis address (host:port)")
	cmd.MarkFlagsMutuallyExclusive("db", "redis")

	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// resolve loads the config file, applies flag overrides and builds the logger.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}

	if o.Database != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = o.Database
	}
	if o.Redis != "" {
		cfg.Store.Driver = "redis"
		cfg.Store.Redis.Addr = o.Redis
	}

	level := cfg.Log.SlogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	o.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	o.Config = cfg
	return nil
}
