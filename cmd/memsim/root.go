package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/config"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
)

var (
	// Global flags
	configPath string
	logLevel   string
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memsim",
		Short: "Run the kernel memory manager on simulated physical memory",
		Long: `memsim boots the frame allocator, the slab caches, the kernel heap and
the virtual memory manager on an arena of simulated physical memory described
by a YAML configuration file.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			kfmt.SetOutputSink(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Memory configuration file (defaults to a 64Mi arena)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(newBootCmd(), newStressCmd(), newServeCmd(), newConfigCmd())
	return cmd
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig returns the configuration selected by the global flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, errors.Wrap(err, "invalid --log-level")
		}
	}

	return cfg, nil
}
