package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ctagard/addin-debug/internal/platform"
	"github.com/ctagard/addin-debug/internal/probe"
	"github.com/ctagard/addin-debug/internal/sourcemap"
	"github.com/ctagard/addin-debug/internal/telemetry"
	"github.com/ctagard/addin-debug/internal/version"
	"github.com/ctagard/addin-debug/pkg/types"
)

func newProbeCmd(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report what is listening on a DevTools port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := probe.New(probe.Options{Timeout: a.cfg.Probe.Timeout, Engine: a.cfg.Probe.Engine}, a.log)
			target, err := p.Probe(cmd.Context(), port)
			if err != nil {
				return err
			}
			targets, err := p.Targets(cmd.Context(), port)
			if err != nil {
				a.log.V(1).Info("Listing targets failed", "port", port, "error", err.Error())
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"port":    port,
				"target":  target,
				"targets": targets,
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", types.DefaultPort, "DevTools port to probe")
	return cmd
}

func newCheckCmd(a *app) *cobra.Command {
	var executable string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that this host can run the Edge diagnostics adapter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if executable == "" {
				executable = a.cfg.Adapter.Path
			}
			if executable == "" {
				executable = platform.DefaultAdapterPath()
			}
			gate := platform.NewGate(
				platform.DefaultHostInfo(a.cfg.Runtime.NodePath),
				platform.GateOptions{Platform: a.cfg.Gate.Platform, MinRuntimeMajor: a.cfg.Gate.MinRuntimeMajor},
				telemetry.Nop{}, a.log,
			)
			if err := gate.CheckPrerequisites(cmd.Context(), executable); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", executable)
			return nil
		},
	}
	cmd.Flags().StringVarP(&executable, "executable", "e", "", "adapter executable to check (default: adapter.path)")
	return cmd
}

func newResolveOverridesCmd(a *app) *cobra.Command {
	var webRoot, file string
	cmd := &cobra.Command{
		Use:   "resolve-overrides",
		Short: "Resolve sourceMapPathOverrides against a webRoot",
		Long: `Resolve sourceMapPathOverrides against a webRoot and print the result.

Without --file the built-in webpack and meteor overrides are resolved. Entries
that cannot be resolved are printed unchanged and reported on stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var overrides *types.SourceMapOverrides
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read overrides: %w", err)
				}
				overrides = types.NewSourceMapOverrides()
				if err := json.Unmarshal(data, overrides); err != nil {
					return fmt.Errorf("failed to parse overrides: %w", err)
				}
			}

			resolved, warnings := sourcemap.NewResolver(a.log).Resolve(webRoot, overrides)
			for _, w := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", w.Pattern, w)
			}
			return printJSON(cmd.OutOrStdout(), resolved)
		},
	}
	cmd.Flags().StringVarP(&webRoot, "web-root", "w", "", "root of the add-in source files")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file holding a sourceMapPathOverrides object")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Needs neither configuration nor logging.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", version.ProjectName, version.Version)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
