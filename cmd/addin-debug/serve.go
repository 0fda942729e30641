package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ctagard/addin-debug/internal/adapter"
	"github.com/ctagard/addin-debug/internal/config"
	"github.com/ctagard/addin-debug/internal/jsdebug"
	"github.com/ctagard/addin-debug/internal/mcp"
	"github.com/ctagard/addin-debug/internal/platform"
	"github.com/ctagard/addin-debug/internal/probe"
	"github.com/ctagard/addin-debug/internal/session"
	"github.com/ctagard/addin-debug/internal/sourcemap"
	"github.com/ctagard/addin-debug/internal/telemetry"
	"github.com/ctagard/addin-debug/internal/version"
	"github.com/ctagard/addin-debug/pkg/types"
)

const telemetryFlushTimeout = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the debug session tools over MCP stdio",
		Long: `Serve the debug session tools to an MCP client over stdin/stdout.

Add to your MCP client configuration:

    {
        "mcpServers": {
            "addin-debug": {
                "command": "addin-debug",
                "args": ["serve"]
            }
        }
    }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve()
		},
	}
}

func (a *app) serve() error {
	sys, closeOutput, err := newTelemetry(a.cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := sys.Shutdown(ctx); err != nil {
			a.log.Error(err, "Flushing telemetry failed")
		}
		closeOutput()
	}()
	reporter := sys.Reporter(a.log, version.ProjectName)

	svc := newServices(a.cfg, reporter, a.log)
	server := mcp.NewServer(mcp.Deps{
		Sessions:    session.NewManager(a.cfg.MaxSessions, svc.newSession, a.log),
		Prober:      svc.prober,
		Gate:        svc.gate,
		Resolver:    svc.resolver,
		AdapterPath: svc.adapterPath,
	}, a.log)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ServeStdio()
	}()

	a.log.Info("addin-debug server starting", "version", version.Version, "adapter", svc.adapterPath)
	select {
	case sig := <-sigCh:
		a.log.Info("Shutting down", "signal", sig.String())
		err = nil
	case err = <-errCh:
	}
	server.Close()
	return err
}

// services are shared by every session; each session gets its own process
// manager and attacher.
type services struct {
	cfg         *config.Config
	log         logr.Logger
	reporter    telemetry.Reporter
	adapterPath string
	gate        *platform.Gate
	prober      *probe.Prober
	resolver    *sourcemap.Resolver
}

func newServices(cfg *config.Config, reporter telemetry.Reporter, log logr.Logger) *services {
	adapterPath := cfg.Adapter.Path
	if adapterPath == "" {
		adapterPath = platform.DefaultAdapterPath()
	}
	return &services{
		cfg:         cfg,
		log:         log,
		reporter:    reporter,
		adapterPath: adapterPath,
		gate: platform.NewGate(
			platform.DefaultHostInfo(cfg.Runtime.NodePath),
			platform.GateOptions{Platform: cfg.Gate.Platform, MinRuntimeMajor: cfg.Gate.MinRuntimeMajor},
			reporter, log,
		),
		prober:   probe.New(probe.Options{Timeout: cfg.Probe.Timeout, Engine: cfg.Probe.Engine}, log),
		resolver: sourcemap.NewResolver(log),
	}
}

func (s *services) newSession(id string) (*session.Orchestrator, error) {
	log := s.log.WithValues("session", id)
	return session.NewOrchestrator(id, session.Deps{
		Gate:     s.gate,
		Prober:   s.prober,
		Procs:    adapter.NewManager(adapter.Options{KillTimeout: s.cfg.Adapter.KillTimeout}, log),
		Resolver: s.resolver,
		Attacher: s.newAttacher(log),
		Reporter: s.reporter,
	}, session.Options{
		AdapterPath:  s.adapterPath,
		ExtraArgs:    s.cfg.Adapter.ExtraArgs,
		ReadyTimeout: s.cfg.Adapter.ReadyTimeout,
		OnTerminated: func(cause error) {
			log.Error(cause, "Session ended by the adapter")
		},
	}, log), nil
}

// newAttacher uses vscode-js-debug when it is configured. Otherwise the
// session stops at the DevTools port and the client attaches its own debugger.
func (s *services) newAttacher(log logr.Logger) session.Attacher {
	if s.cfg.JSDebug.Path == "" {
		return session.AttacherFunc(func(_ context.Context, cfg types.LaunchConfiguration) error {
			log.Info("No js_debug.path configured; attach a debugger to the DevTools port", "port", cfg.Port)
			return nil
		})
	}
	return jsdebug.New(jsdebug.Options{
		NodePath:    s.cfg.JSDebug.NodePath,
		ServerPath:  s.cfg.JSDebug.Path,
		KillTimeout: s.cfg.Adapter.KillTimeout,
	}, log)
}

// newTelemetry writes spans to the configured file, or stderr.
func newTelemetry(cfg config.TelemetryConfig) (*telemetry.System, func(), error) {
	var (
		w         io.Writer = os.Stderr
		closeFile           = func() {}
	)
	if cfg.Enabled && cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open telemetry output: %w", err)
		}
		w = f
		closeFile = func() { _ = f.Close() }
	}

	sys, err := telemetry.NewSystem(cfg.Enabled, w)
	if err != nil {
		closeFile()
		return nil, nil, err
	}
	return sys, closeFile, nil
}
