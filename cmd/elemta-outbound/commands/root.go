package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-outbound/internal/config"
	"github.com/busybox42/elemta-outbound/internal/logging"
)

// Build information, set with -ldflags
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// rootOptions is the state shared by every subcommand
type rootOptions struct {
	configPath string
	cfg        *config.Config
	logCloser  io.Closer
}

// skipsConfig lists commands that run without a loaded configuration
var skipsConfig = map[string]bool{
	"help":       true,
	"version":    true,
	"completion": true,
	"init":       true,
	"validate":   true,
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "elemta-outbound",
		Short: "Elemta outbound delivery queue",
		Long: `Outbound delivery queue for the Elemta Mail Transfer Agent. Accepted
messages are stored once per recipient and delivered by any number of queue
workers, in one process or many, sharing the same stores.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipsConfig[cmd.Name()] {
				return nil
			}
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			opts.cfg = cfg

			closer, err := logging.InitializeLogging(cfg.Logging)
			if err != nil {
				return fmt.Errorf("error initializing logging: %w", err)
			}
			opts.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newEnqueueCmd(opts),
		newQueueCmd(opts),
		newPurgeCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "elemta-outbound %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}
