// Package jsdebug attaches vscode-js-debug to the Edge WebView behind an
// Office add-in. It runs js-debug's standalone DAP server and issues a
// pwa-msedge attach against the adapter's DevTools port.
package jsdebug

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	godap "github.com/google/go-dap"

	"github.com/ctagard/addin-debug/internal/adapter"
	"github.com/ctagard/addin-debug/internal/dap"
	"github.com/ctagard/addin-debug/internal/errors"
	"github.com/ctagard/addin-debug/pkg/types"
)

const (
	// DefaultConnectTimeout bounds how long to wait for the DAP server to accept connections.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultAttachTimeout bounds the attach handshake.
	DefaultAttachTimeout = 30 * time.Second

	debugType  = "pwa-msedge"
	clientName = "addin-debug"
)

// Options configures an Attacher.
type Options struct {
	// NodePath runs ServerPath; defaults to "node".
	NodePath string
	// ServerPath is vscode-js-debug's dapDebugServer.js.
	ServerPath     string
	ConnectTimeout time.Duration
	AttachTimeout  time.Duration
	KillTimeout    time.Duration
}

// AttachArgs are the pwa-msedge attach arguments. Field order is the wire order.
type AttachArgs struct {
	Type                      string                    `json:"type"`
	Request                   string                    `json:"request"`
	Name                      string                    `json:"name,omitempty"`
	Address                   string                    `json:"address"`
	Port                      int                       `json:"port"`
	URL                       string                    `json:"url,omitempty"`
	WebRoot                   string                    `json:"webRoot,omitempty"`
	SourceMaps                bool                      `json:"sourceMaps"`
	SourceMapPathOverrides    *types.SourceMapOverrides `json:"sourceMapPathOverrides,omitempty"`
	ResolveSourceMapLocations []string                  `json:"resolveSourceMapLocations,omitempty"`
	Trace                     bool                      `json:"trace,omitempty"`
}

// BuildAttachArgs maps a resolved launch configuration to attach arguments.
func BuildAttachArgs(cfg types.LaunchConfiguration) AttachArgs {
	cfg = cfg.WithDefaults()
	args := AttachArgs{
		Type:                   debugType,
		Request:                "attach",
		Name:                   cfg.Name,
		Address:                "127.0.0.1",
		Port:                   cfg.Port,
		URL:                    cfg.URL,
		WebRoot:                cfg.WebRoot,
		SourceMaps:             true,
		SourceMapPathOverrides: cfg.SourceMapPathOverrides,
	}
	if cfg.WebRoot != "" {
		// where js-debug may look for source maps
		args.ResolveSourceMapLocations = []string{
			strings.TrimRight(cfg.WebRoot, `/\`) + "/**",
			"!**/node_modules/**",
		}
	}
	switch strings.ToLower(cfg.Trace) {
	case "", "false", "off":
	default:
		args.Trace = true
	}
	return args
}

// Attacher owns one js-debug DAP server and the client connected to it.
type Attacher struct {
	opts  Options
	log   logr.Logger
	procs *adapter.Manager

	mu     sync.Mutex
	client *dap.Client
}

// New creates an attacher. Call Close to stop the DAP server for good.
func New(opts Options, log logr.Logger) *Attacher {
	if opts.NodePath == "" {
		opts.NodePath = "node"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = DefaultAttachTimeout
	}
	log = log.WithName("jsdebug")
	a := &Attacher{
		opts:  opts,
		log:   log,
		procs: adapter.NewManager(adapter.Options{KillTimeout: opts.KillTimeout}, log),
	}
	go a.drainEvents()
	return a
}

func (a *Attacher) drainEvents() {
	for ev := range a.procs.Events() {
		switch ev.Kind {
		case adapter.EventError:
			a.log.Error(ev.Err, "js-debug output stream failed", "stream", ev.Stream)
		case adapter.EventExited:
			a.log.V(1).Info("js-debug exited", "exitCode", ev.ExitCode)
		}
	}
}

// Attach starts a DAP server, connects, and attaches to the target on cfg.Port.
func (a *Attacher) Attach(ctx context.Context, cfg types.LaunchConfiguration) error {
	if a.opts.ServerPath == "" {
		return errors.AttachFailed(fmt.Errorf("js_debug.path is not configured: vscode-js-debug's dapDebugServer.js is required"))
	}

	// A previous attach that was never disconnected is discarded.
	if err := a.Disconnect(ctx); err != nil {
		a.log.V(1).Info("Discarding previous js-debug session failed", "error", err.Error())
	}

	client, err := a.start(ctx)
	if err != nil {
		_ = a.procs.Terminate()
		return errors.AttachFailed(err)
	}

	if err := a.handshake(ctx, client, BuildAttachArgs(cfg)); err != nil {
		_ = client.Close()
		_ = a.procs.Terminate()
		return errors.AttachFailed(err)
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	a.log.Info("Attached js-debug", "port", cfg.Port, "url", cfg.URL)
	return nil
}

func (a *Attacher) start(ctx context.Context) (*dap.Client, error) {
	port, err := findAvailablePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	// Usage: node dapDebugServer.js <port> [host]
	if _, err := a.procs.Spawn(a.opts.NodePath, []string{a.opts.ServerPath, strconv.Itoa(port), "127.0.0.1"}, port); err != nil {
		return nil, fmt.Errorf("failed to start vscode-js-debug: %w", err)
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(a.opts.ConnectTimeout),
	)
	transport, err := backoff.RetryNotifyWithData(
		func() (*dap.Transport, error) { return dap.DialTCP(ctx, address) },
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			a.log.V(1).Info("js-debug not accepting connections yet", "address", address, "retryIn", next)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to vscode-js-debug at %s: %w", address, err)
	}

	client := dap.NewClient(transport, a.log)
	client.SetEventHandler(a.onEvent)
	return client, nil
}

// handshake runs initialize, attach and configurationDone. The attach
// response may only arrive after configurationDone.
func (a *Attacher) handshake(ctx context.Context, client *dap.Client, args AttachArgs) error {
	if _, err := client.Initialize(ctx, clientName, clientName); err != nil {
		return err
	}

	result, err := client.AttachAsync(ctx, args, a.opts.AttachTimeout)
	if err != nil {
		return err
	}

	if err := client.WaitInitialized(ctx, a.opts.AttachTimeout); err != nil {
		return err
	}
	if err := client.ConfigurationDone(ctx); err != nil {
		return err
	}
	return <-result
}

func (a *Attacher) onEvent(msg godap.Message) {
	switch e := msg.(type) {
	case *godap.OutputEvent:
		a.log.V(1).Info(strings.TrimRight(e.Body.Output, "\r\n"), "category", e.Body.Category)
	case *godap.TerminatedEvent:
		a.log.Info("js-debug session terminated")
	}
}

// Disconnect detaches from the target and stops the DAP server. Without an
// attached session it does nothing.
func (a *Attacher) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()

	if client == nil {
		return nil
	}

	var err error
	select {
	case <-client.Done():
	default:
		err = client.Disconnect(ctx, false)
	}
	if cerr := client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if terr := a.procs.Terminate(); terr != nil && err == nil {
		err = terr
	}
	return err
}

// Close disconnects and releases the process manager.
func (a *Attacher) Close() error {
	err := a.Disconnect(context.Background())
	if cerr := a.procs.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}
