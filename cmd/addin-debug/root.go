package main

import (
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ctagard/addin-debug/internal/config"
	"github.com/ctagard/addin-debug/internal/logging"
	"github.com/ctagard/addin-debug/internal/version"
)

// app carries what the root command prepares for its subcommands.
type app struct {
	configFile string
	cfg        *config.Config
	log        logr.Logger
	flush      func()
}

func newRootCmd() *cobra.Command {
	a := &app{flush: func() {}}

	rootCmd := &cobra.Command{
		Use:   version.ProjectName,
		Short: "Debug session launcher for Office add-ins",
		Long: `addin-debug negotiates a browser debugging session for an Office add-in:
it checks host prerequisites, reuses or spawns the Edge diagnostics adapter,
waits for its DevTools endpoint, resolves source-map path overrides and hands
the session to a script debugger.

Run "addin-debug serve" to expose the session tools to an MCP client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.flush()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file (default is "+config.Dir()+"/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, error or a verbosity number")

	rootCmd.AddCommand(
		newServeCmd(a),
		newProbeCmd(a),
		newCheckCmd(a),
		newResolveOverridesCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// init loads configuration and builds the logger. Logs always go to stderr.
func (a *app) init(cmd *cobra.Command) error {
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return err
	}
	// Only a flag given on the command line overrides the file and environment.
	if err := v.BindPFlag("log.level", cmd.Root().PersistentFlags().Lookup("log-level")); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	log, flush, err := logging.New(version.ProjectName, logging.Options{
		Level:   cfg.Log.Level,
		Console: cmd.ErrOrStderr(),
		File:    cfg.Log.File,
	})
	if err != nil {
		return err
	}

	a.cfg, a.log, a.flush = cfg, log, flush
	return nil
}
