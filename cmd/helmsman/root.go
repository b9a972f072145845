package main

import (
	"github.com/spf13/cobra"

	"helmsman/internal/config"
	"helmsman/internal/logging"
)

var version = "dev"

type rootFlags struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "helmsman",
		Short:         "Mission orchestration engine",
		Long:          "helmsman plans, dispatches, and supervises dependency-ordered work items\nagainst an execution backend, with budgets and human approval gates.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a helmsman.yaml config file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCommand(flags))
	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newValidateCommand())
	return root
}

// loadConfig resolves the runtime configuration and applies the logging
// setup before any component logger is created.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if f.verbose {
		level = "debug"
	}
	logging.Configure(logging.Config{Level: level, Format: cfg.Logging.Format})
	return cfg, nil
}
