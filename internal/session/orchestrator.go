// Package session drives one debugging session from prerequisite checks to
// teardown, and keeps a registry of concurrent sessions.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/ctagard/addin-debug/internal/adapter"
	"github.com/ctagard/addin-debug/internal/errors"
	"github.com/ctagard/addin-debug/internal/probe"
	"github.com/ctagard/addin-debug/internal/sourcemap"
	"github.com/ctagard/addin-debug/internal/telemetry"
	"github.com/ctagard/addin-debug/pkg/types"
)

// DefaultReadyTimeout bounds the wait for a spawned adapter to answer probes.
const DefaultReadyTimeout = 10 * time.Second

// Gate checks host prerequisites.
type Gate interface {
	CheckPrerequisites(ctx context.Context, executablePath string) error
}

// Prober queries the DevTools endpoint of an adapter.
type Prober interface {
	Probe(ctx context.Context, port int) (*types.TargetDescriptor, error)
	WaitReady(ctx context.Context, port int, timeout time.Duration) (*types.TargetDescriptor, error)
	Targets(ctx context.Context, port int) ([]types.TargetDescriptor, error)
	Close(ctx context.Context, port int, targetID string) error
}

// ProcessManager owns the adapter child process.
type ProcessManager interface {
	Spawn(executable string, args []string, port int) (*adapter.Handle, error)
	Terminate() error
	Current(serial uint64) bool
	Events() <-chan adapter.Event
	Close() error
}

// OverrideResolver resolves sourceMapPathOverrides against a webRoot.
type OverrideResolver interface {
	Resolve(webRoot string, overrides *types.SourceMapOverrides) (*types.SourceMapOverrides, []sourcemap.Warning)
}

// Attacher performs the protocol-level attach to a running adapter.
// Its errors are returned to the caller unchanged.
type Attacher interface {
	Attach(ctx context.Context, cfg types.LaunchConfiguration) error
	Disconnect(ctx context.Context) error
}

// AttacherFunc adapts a function to Attacher. Disconnect does nothing.
type AttacherFunc func(ctx context.Context, cfg types.LaunchConfiguration) error

func (f AttacherFunc) Attach(ctx context.Context, cfg types.LaunchConfiguration) error {
	return f(ctx, cfg)
}

func (f AttacherFunc) Disconnect(context.Context) error {
	return nil
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Gate     Gate
	Prober   Prober
	Procs    ProcessManager
	Resolver OverrideResolver
	Attacher Attacher
	Reporter telemetry.Reporter
}

// Options configures an Orchestrator.
type Options struct {
	// AdapterPath is used when a configuration has no runtimeExecutable.
	AdapterPath string
	ExtraArgs   []string
	// ReadyTimeout bounds the readiness wait after spawning; zero skips it.
	ReadyTimeout time.Duration
	// OnTerminated is called after the adapter ended an attached session.
	OnTerminated func(cause error)
}

// Orchestrator runs the launch state machine for one session:
//
//	Idle → Gating → Probing → {AlreadyRunning | Spawning} → Attached → Disconnecting → Terminated
//
// with Failed reachable from Gating, Probing and Spawning.
type Orchestrator struct {
	id   string
	log  logr.Logger
	deps Deps
	opts Options

	mu          sync.Mutex
	state       types.SessionState
	history     []types.SessionState
	port        int
	handle      *adapter.Handle
	spawned     bool
	target      *types.TargetDescriptor
	failReason  string
	cause       error
	spawnCause  error
	readyCancel context.CancelCauseFunc
	createdAt   time.Time

	pumpDone chan struct{}
}

// NewOrchestrator creates an idle orchestrator and starts consuming process events.
func NewOrchestrator(id string, deps Deps, opts Options, log logr.Logger) *Orchestrator {
	if deps.Reporter == nil {
		deps.Reporter = telemetry.Nop{}
	}
	o := &Orchestrator{
		id:        id,
		log:       log.WithName("session").WithValues("session", id),
		deps:      deps,
		opts:      opts,
		state:     types.StateIdle,
		history:   []types.SessionState{types.StateIdle},
		createdAt: time.Now(),
		pumpDone:  make(chan struct{}),
	}
	go o.pump()
	return o
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.id }

// Launch starts or reuses an adapter for cfg and attaches to it.
func (o *Orchestrator) Launch(ctx context.Context, cfg types.LaunchConfiguration) error {
	cfg.Request = "launch"
	return o.run(ctx, "launch", cfg)
}

// Attach is Launch under a different operation name.
func (o *Orchestrator) Attach(ctx context.Context, cfg types.LaunchConfiguration) error {
	cfg.Request = "attach"
	return o.run(ctx, "attach", cfg)
}

func (o *Orchestrator) run(ctx context.Context, op string, cfg types.LaunchConfiguration) error {
	if err := o.begin(); err != nil {
		return err
	}

	o.log.Info("Starting "+op, "port", cfg.Port, "url", cfg.URL)
	err := o.launch(ctx, cfg)
	if err != nil {
		o.report(ctx, op, err)
		return err
	}
	o.report(ctx, op, nil)
	return nil
}

// begin accepts a new attempt from Idle, Terminated or Failed.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case types.StateIdle, types.StateTerminated, types.StateFailed:
	default:
		return errors.SessionBusy(string(o.state))
	}

	o.history = []types.SessionState{types.StateIdle}
	o.state = types.StateIdle
	o.handle = nil
	o.spawned = false
	o.target = nil
	o.failReason = ""
	o.cause = nil
	o.spawnCause = nil
	return nil
}

func (o *Orchestrator) launch(ctx context.Context, cfg types.LaunchConfiguration) error {
	cfg = cfg.WithDefaults()

	o.enter(types.StateGating)
	if err := cfg.Validate(); err != nil {
		return o.fail(errors.Wrap(errors.CodeInvalidParameter, err.Error(), "Fix the launch configuration and try again.", err))
	}
	o.mu.Lock()
	o.port = cfg.Port
	o.mu.Unlock()

	executable := cfg.RuntimeExecutable
	if executable == "" {
		executable = o.opts.AdapterPath
	}
	if err := o.deps.Gate.CheckPrerequisites(ctx, executable); err != nil {
		return o.fail(err)
	}

	o.enter(types.StateProbing)
	target, err := o.deps.Prober.Probe(ctx, cfg.Port)
	switch {
	case err == nil:
		o.log.Info("Adapter already running", "port", cfg.Port, "browser", target.Browser)
		o.enter(types.StateAlreadyRunning)
	case errors.CodeOf(err) == errors.CodeNoTargetListening:
		target, err = o.spawn(ctx, executable, cfg)
		if err != nil {
			return err
		}
	default:
		return o.fail(err)
	}

	resolved, _ := o.deps.Resolver.Resolve(cfg.WebRoot, cfg.SourceMapPathOverrides)
	cfg.SourceMapPathOverrides = resolved

	if err := o.deps.Attacher.Attach(ctx, cfg); err != nil {
		o.stopSpawned()
		return o.fail(err)
	}

	o.selectTarget(ctx, cfg, target)

	o.mu.Lock()
	if o.spawnCause != nil {
		cause := o.spawnCause
		o.mu.Unlock()
		o.stopSpawned()
		return o.fail(errors.SessionTerminatedByAdapterError(cause.Error(), cause))
	}
	o.target = target
	o.enterLocked(types.StateAttached)
	o.mu.Unlock()

	o.log.Info("Attached", "port", cfg.Port, "target", target.ID, "spawned", o.Spawned())
	return nil
}

// spawn starts the adapter and waits until it answers on its port. The wait
// ends early if the adapter reports a stream error or exits.
func (o *Orchestrator) spawn(ctx context.Context, executable string, cfg types.LaunchConfiguration) (*types.TargetDescriptor, error) {
	o.enter(types.StateSpawning)

	args := adapter.BuildArgs(cfg.Port, cfg.URL, o.opts.ExtraArgs)
	h, err := o.deps.Procs.Spawn(executable, args, cfg.Port)
	if err != nil {
		return nil, o.fail(err)
	}

	readyCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	o.mu.Lock()
	o.handle = h
	o.spawned = true
	o.readyCancel = cancel
	if o.spawnCause != nil {
		cancel(o.spawnCause)
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.readyCancel = nil
		o.mu.Unlock()
	}()

	go func() {
		select {
		case <-h.Done():
			cancel(fmt.Errorf("adapter exited before it was ready"))
		case <-readyCtx.Done():
		}
	}()

	if o.opts.ReadyTimeout <= 0 {
		return &types.TargetDescriptor{}, nil
	}

	target, err := o.deps.Prober.WaitReady(readyCtx, cfg.Port, o.opts.ReadyTimeout)
	if err != nil {
		if cause := context.Cause(readyCtx); cause != nil && !stderrors.Is(cause, context.Canceled) && ctx.Err() == nil {
			err = cause
		}
		o.stopSpawned()
		return nil, o.fail(errors.SpawnFailure(executable, err))
	}
	return target, nil
}

// selectTarget fills in the page target id used by Disconnect. Failures
// leave the version-level descriptor as is.
func (o *Orchestrator) selectTarget(ctx context.Context, cfg types.LaunchConfiguration, target *types.TargetDescriptor) {
	targets, err := o.deps.Prober.Targets(ctx, cfg.Port)
	if err != nil {
		o.log.V(1).Info("Could not list targets", "port", cfg.Port, "reason", err.Error())
		return
	}
	if page := probe.SelectTarget(targets, cfg.URL); page != nil {
		target.ID = page.ID
		target.Title = page.Title
		target.URL = page.URL
		target.Type = page.Type
	}
}

// Disconnect tears down an attached session. It does nothing unless the
// session is attached. The attacher's teardown error is returned after the
// session has reached Terminated.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	port, target, ok := o.claimTeardown()
	if !ok {
		return nil
	}
	err := o.teardown(ctx, port, target, nil)
	o.report(ctx, "disconnect", err)
	return err
}

// claimTeardown moves Attached to Disconnecting. Only one caller wins.
func (o *Orchestrator) claimTeardown() (int, *types.TargetDescriptor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != types.StateAttached || o.target == nil {
		return 0, nil, false
	}
	o.enterLocked(types.StateDisconnecting)
	return o.port, o.target, true
}

func (o *Orchestrator) teardown(ctx context.Context, port int, target *types.TargetDescriptor, cause error) error {
	if target.ID != "" {
		if err := o.deps.Prober.Close(ctx, port, target.ID); err != nil {
			o.log.Info("Could not close debug target", "target", target.ID, "reason", err.Error())
		}
	}
	if err := o.deps.Procs.Terminate(); err != nil {
		o.log.Error(err, "failed to stop adapter")
	}
	err := o.deps.Attacher.Disconnect(ctx)
	if err != nil {
		o.log.Error(err, "attacher teardown failed")
	}

	o.mu.Lock()
	o.handle = nil
	o.cause = cause
	o.enterLocked(types.StateTerminated)
	o.mu.Unlock()

	if cause != nil && o.opts.OnTerminated != nil {
		o.opts.OnTerminated(cause)
	}
	o.log.Info("Session terminated")
	return err
}

// pump consumes process events until the manager closes its channel.
func (o *Orchestrator) pump() {
	defer close(o.pumpDone)
	for ev := range o.deps.Procs.Events() {
		switch ev.Kind {
		case adapter.EventError:
			o.onAdapterError(ev)
		case adapter.EventExited:
			o.onAdapterExited(ev)
		}
	}
}

func (o *Orchestrator) onAdapterError(ev adapter.Event) {
	o.mu.Lock()
	if !o.ownsLocked(ev.Serial) {
		o.mu.Unlock()
		return
	}
	o.log.Error(ev.Err, "adapter stream failed", "stream", ev.Stream, "serial", ev.Serial)

	switch o.state {
	case types.StateSpawning:
		o.spawnCause = ev.Err
		if o.readyCancel != nil {
			o.readyCancel(ev.Err)
		}
		o.mu.Unlock()
		return
	case types.StateAttached:
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		return
	}

	port, target, ok := o.claimTeardown()
	if !ok {
		return
	}
	cause := errors.SessionTerminatedByAdapterError(ev.Err.Error(), ev.Err)
	ctx := context.Background()
	o.report(ctx, "adapterError", cause)
	_ = o.teardown(ctx, port, target, cause)
}

// ownsLocked reports whether serial is this session's adapter. The manager
// forgets a handle as soon as its process exits, so once recorded the session's
// own handle decides. Before then only the in-flight spawn can match.
func (o *Orchestrator) ownsLocked(serial uint64) bool {
	if o.handle != nil {
		return o.handle.Serial == serial
	}
	return o.state == types.StateSpawning && o.deps.Procs.Current(serial)
}

func (o *Orchestrator) onAdapterExited(ev adapter.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle == nil || o.handle.Serial != ev.Serial {
		return
	}
	o.log.Info("Adapter exited", "pid", o.handle.PID, "exitCode", ev.ExitCode)
	o.handle = nil
}

// stopSpawned terminates a process started by the current attempt.
func (o *Orchestrator) stopSpawned() {
	o.mu.Lock()
	spawned := o.spawned
	o.handle = nil
	o.mu.Unlock()
	if !spawned {
		return
	}
	if err := o.deps.Procs.Terminate(); err != nil {
		o.log.Error(err, "failed to stop adapter")
	}
}

func (o *Orchestrator) enter(s types.SessionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enterLocked(s)
}

func (o *Orchestrator) enterLocked(s types.SessionState) {
	o.log.V(1).Info("State change", "from", o.state, "to", s)
	o.state = s
	o.history = append(o.history, s)
}

func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	o.failReason = err.Error()
	o.enterLocked(types.StateFailed)
	o.mu.Unlock()
	o.log.Info("Launch failed", "reason", err.Error(), "code", errors.CodeOf(err))
	return err
}

// report forwards to the reporter; a misbehaving reporter never affects the session.
func (o *Orchestrator) report(ctx context.Context, op string, err error) {
	defer func() {
		if p := recover(); p != nil {
			o.log.V(1).Info("telemetry reporting failed", "operation", op, "panic", p)
		}
	}()
	if err != nil {
		o.deps.Reporter.ReportException(ctx, op, err)
		return
	}
	o.deps.Reporter.ReportSuccess(ctx, op)
}

// State returns the current state.
func (o *Orchestrator) State() types.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History returns the states entered by the latest attempt, starting with Idle.
func (o *Orchestrator) History() []types.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.SessionState(nil), o.history...)
}

// Target returns a copy of the attached target, or nil.
func (o *Orchestrator) Target() *types.TargetDescriptor {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.target == nil {
		return nil
	}
	t := *o.target
	return &t
}

// Handle returns the adapter process started by this session, or nil.
func (o *Orchestrator) Handle() *adapter.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle
}

// Spawned reports whether the latest attempt started its own adapter.
func (o *Orchestrator) Spawned() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.spawned
}

// Port returns the port of the latest attempt.
func (o *Orchestrator) Port() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.port
}

// TerminationCause is the adapter error that ended the session, if any.
func (o *Orchestrator) TerminationCause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cause
}

// Info returns a status snapshot.
func (o *Orchestrator) Info() types.SessionInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	info := types.SessionInfo{
		SessionID:  o.id,
		State:      o.state,
		History:    append([]types.SessionState(nil), o.history...),
		Port:       o.port,
		Spawned:    o.spawned,
		FailReason: o.failReason,
		CreatedAt:  o.createdAt,
	}
	if o.handle != nil {
		info.AdapterPID = o.handle.PID
	}
	if o.target != nil {
		t := *o.target
		info.Target = &t
	}
	if o.cause != nil {
		info.TerminatedBy = o.cause.Error()
	}
	return info
}

// Close disconnects, stops the process manager and waits for the event pump.
// An Attacher that is also an io.Closer is closed too.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.Disconnect(ctx)
	if cerr := o.deps.Procs.Close(); cerr != nil && err == nil {
		err = cerr
	}
	<-o.pumpDone
	if c, ok := o.deps.Attacher.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
