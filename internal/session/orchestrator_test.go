package session_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/addin-debug/internal/adapter"
	"github.com/ctagard/addin-debug/internal/errors"
	"github.com/ctagard/addin-debug/internal/session"
	"github.com/ctagard/addin-debug/internal/sourcemap"
	"github.com/ctagard/addin-debug/pkg/types"
)

type fakeGate struct {
	err   error
	calls int
}

func (g *fakeGate) CheckPrerequisites(context.Context, string) error {
	g.calls++
	return g.err
}

type fakeProber struct {
	mu        sync.Mutex
	probe     *types.TargetDescriptor
	probeErr  error
	readyErr  error
	blockWait bool
	targets   []types.TargetDescriptor
	closeErr  error
	probes    int
	waits     int
	closed    []string
}

func (p *fakeProber) Probe(context.Context, int) (*types.TargetDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.probeErr != nil {
		return nil, p.probeErr
	}
	t := *p.probe
	return &t, nil
}

func (p *fakeProber) WaitReady(ctx context.Context, _ int, _ time.Duration) (*types.TargetDescriptor, error) {
	p.mu.Lock()
	p.waits++
	block, err := p.blockWait, p.readyErr
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &types.TargetDescriptor{Browser: "Edg/120"}, nil
}

func (p *fakeProber) Targets(context.Context, int) ([]types.TargetDescriptor, error) {
	return p.targets, nil
}

func (p *fakeProber) Close(_ context.Context, _ int, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, id)
	return p.closeErr
}

type fakeProcs struct {
	mu         sync.Mutex
	events     chan adapter.Event
	closeOnce  sync.Once
	spawnErr   error
	onSpawn    func(h *adapter.Handle)
	spawns     int
	terminates int
	current    uint64
	lastArgs   []string
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{events: make(chan adapter.Event, 64)}
}

func (f *fakeProcs) Spawn(executable string, args []string, port int) (*adapter.Handle, error) {
	f.mu.Lock()
	if f.spawnErr != nil {
		f.mu.Unlock()
		return nil, f.spawnErr
	}
	f.spawns++
	h := &adapter.Handle{Serial: uint64(f.spawns), PID: 4000 + f.spawns, Executable: executable, Args: args, Port: port}
	f.current = h.Serial
	f.lastArgs = args
	onSpawn := f.onSpawn
	f.mu.Unlock()

	if onSpawn != nil {
		onSpawn(h)
	}
	return h, nil
}

func (f *fakeProcs) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != 0 {
		f.terminates++
	}
	f.current = 0
	return nil
}

func (f *fakeProcs) Current(serial uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current != 0 && f.current == serial
}

func (f *fakeProcs) Events() <-chan adapter.Event { return f.events }

func (f *fakeProcs) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeProcs) counts() (spawns, terminates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns, f.terminates
}

type fakeAttacher struct {
	mu           sync.Mutex
	err          error
	disconnectEr error
	attached     []types.LaunchConfiguration
	disconnects  int
}

func (a *fakeAttacher) Attach(_ context.Context, cfg types.LaunchConfiguration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attached = append(a.attached, cfg)
	return a.err
}

func (a *fakeAttacher) Disconnect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects++
	return a.disconnectEr
}

type recordingReporter struct {
	mu         sync.Mutex
	successes  []string
	exceptions []string
	panics     bool
}

func (r *recordingReporter) ReportSuccess(_ context.Context, op string) {
	r.mu.Lock()
	r.successes = append(r.successes, op)
	r.mu.Unlock()
	if r.panics {
		panic("reporter broke")
	}
}

func (r *recordingReporter) ReportException(_ context.Context, op string, _ error) {
	r.mu.Lock()
	r.exceptions = append(r.exceptions, op)
	r.mu.Unlock()
	if r.panics {
		panic("reporter broke")
	}
}

type harness struct {
	gate     *fakeGate
	prober   *fakeProber
	procs    *fakeProcs
	attacher *fakeAttacher
	reporter *recordingReporter
	opts     session.Options
}

func newHarness() *harness {
	return &harness{
		gate: &fakeGate{},
		prober: &fakeProber{
			probeErr: errors.NoTargetListening(types.DefaultPort, fmt.Errorf("connection refused")),
			targets: []types.TargetDescriptor{
				{ID: "devtools", Type: "page", URL: "devtools://devtools/inspector.html"},
				{ID: "taskpane", Type: "page", URL: "https://localhost:3000/taskpane.html?_host_Info=Excel"},
			},
		},
		procs:    newFakeProcs(),
		attacher: &fakeAttacher{},
		reporter: &recordingReporter{},
		opts: session.Options{
			AdapterPath:  `C:\adapter\Networkproxy.exe`,
			ReadyTimeout: time.Second,
		},
	}
}

func (h *harness) build(t *testing.T) *session.Orchestrator {
	t.Helper()
	o := session.NewOrchestrator("test", session.Deps{
		Gate:     h.gate,
		Prober:   h.prober,
		Procs:    h.procs,
		Resolver: sourcemap.NewResolver(testr.New(t)),
		Attacher: h.attacher,
		Reporter: h.reporter,
	}, h.opts, testr.New(t))
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o
}

var taskpane = types.LaunchConfiguration{URL: "https://localhost:3000/taskpane.html"}

func TestLaunch_SpawnsWhenNothingListening(t *testing.T) {
	h := newHarness()
	o := h.build(t)

	require.NoError(t, o.Launch(context.Background(), taskpane))

	assert.Equal(t, []types.SessionState{
		types.StateIdle, types.StateGating, types.StateProbing, types.StateSpawning, types.StateAttached,
	}, o.History())
	spawns, _ := h.procs.counts()
	assert.Equal(t, 1, spawns)
	require.NotNil(t, o.Handle())
	assert.True(t, o.Spawned())
	assert.Equal(t, []string{"--port=9222", "--launch=https://localhost:3000/taskpane.html"}, h.procs.lastArgs)

	target := o.Target()
	require.NotNil(t, target)
	assert.Equal(t, "taskpane", target.ID)
	assert.Equal(t, []string{"launch"}, h.reporter.successes)
}

func TestLaunch_ReusesRunningAdapter(t *testing.T) {
	h := newHarness()
	h.prober.probeErr = nil
	h.prober.probe = &types.TargetDescriptor{Browser: "Edg/120.0.2210.91"}
	o := h.build(t)

	require.NoError(t, o.Attach(context.Background(), taskpane))

	assert.Equal(t, []types.SessionState{
		types.StateIdle, types.StateGating, types.StateProbing, types.StateAlreadyRunning, types.StateAttached,
	}, o.History())
	spawns, _ := h.procs.counts()
	assert.Zero(t, spawns)
	assert.Nil(t, o.Handle())
	assert.Equal(t, "Edg/120.0.2210.91", o.Target().Browser)
	assert.Equal(t, []string{"attach"}, h.reporter.successes)
	require.Len(t, h.attacher.attached, 1)
	assert.Equal(t, "attach", h.attacher.attached[0].Request)
}

func TestLaunch_ForeignBrowserIsRejected(t *testing.T) {
	h := newHarness()
	h.prober.probeErr = errors.PortOwnedByOther("chrome/120.0.6099.71", 9222)
	o := h.build(t)

	err := o.Launch(context.Background(), taskpane)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrPortOwnedByOther))
	assert.Contains(t, err.Error(), "chrome/120.0.6099.71")
	assert.Contains(t, err.Error(), "9222")

	spawns, _ := h.procs.counts()
	assert.Zero(t, spawns)
	assert.Empty(t, h.attacher.attached)
	assert.Equal(t, types.StateFailed, o.State())
	assert.Equal(t, []string{"launch"}, h.reporter.exceptions)
}

func TestLaunch_MalformedProbeFails(t *testing.T) {
	h := newHarness()
	h.prober.probeErr = errors.MalformedProbeResponse(9222, "body is not a JSON object", nil)
	o := h.build(t)

	err := o.Launch(context.Background(), taskpane)
	assert.Equal(t, errors.CodeMalformedProbeResponse, errors.CodeOf(err))
	assert.Equal(t, types.StateFailed, o.State())
	spawns, _ := h.procs.counts()
	assert.Zero(t, spawns)
}

func TestLaunch_CallerCancellationDoesNotSpawn(t *testing.T) {
	h := newHarness()
	h.prober.probeErr = fmt.Errorf("gave up on port 9222: %w", context.Canceled)
	o := h.build(t)

	err := o.Launch(context.Background(), taskpane)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.StateFailed, o.State())
	spawns, _ := h.procs.counts()
	assert.Zero(t, spawns)
}

func TestLaunch_GateFailureStopsBeforeProbing(t *testing.T) {
	h := newHarness()
	h.gate.err = errors.UnsupportedPlatform("linux", "windows")
	o := h.build(t)

	err := o.Launch(context.Background(), taskpane)
	assert.True(t, stderrors.Is(err, errors.ErrUnsupportedPlatform))
	assert.Equal(t, []types.SessionState{types.StateIdle, types.StateGating, types.StateFailed}, o.History())
	assert.Zero(t, h.prober.probes)
}

func TestLaunch_InvalidPortFailsAtGating(t *testing.T) {
	h := newHarness()
	o := h.build(t)

	err := o.Launch(context.Background(), types.LaunchConfiguration{Port: 70000})
	assert.Equal(t, errors.CodeInvalidParameter, errors.CodeOf(err))
	assert.Zero(t, h.gate.calls)
	assert.Equal(t, types.StateFailed, o.State())
}

func TestLaunch_SpawnFailure(t *testing.T) {
	h := newHarness()
	h.procs.spawnErr = errors.SpawnFailure("adapter.exe", fmt.Errorf("file not found"))
	o := h.build(t)

	err := o.Launch(context.Background(), taskpane)
	assert.True(t, stderrors.Is(err, errors.ErrSpawnFailure))
	assert.Equal(t, []types.SessionState{
		types.StateIdle, types.StateGating, types.StateProbing, types.StateSpawning, types.StateFailed,
	}, o.History())
}

func TestLaunch_ReadinessFailureTerminatesAdapter(t *testing.T) {
	h := newHarness()
	h.prober.readyErr = fmt.Errorf("not ready")
	o := h.build(t)

	err := o.Launch(context.Background(), taskpane)
	assert.True(t, stderrors.Is(err, errors.ErrSpawnFailure))
	spawns, terminates := h.procs.counts()
	assert.Equal(t, 1, spawns)
	assert.Equal(t, 1, terminates)
	assert.Nil(t, o.Handle())
}

func TestLaunch_AdapterErrorCancelsReadiness(t *testing.T) {
	h := newHarness()
	h.prober.blockWait = true
	h.opts.ReadyTimeout = time.Minute
	h.procs.onSpawn = func(handle *adapter.Handle) {
		go func() {
			h.procs.events <- adapter.Event{Serial: handle.Serial, Kind: adapter.EventError, Err: fmt.Errorf("EPIPE")}
		}()
	}
	o := h.build(t)

	done := make(chan error, 1)
	go func() { done <- o.Launch(context.Background(), taskpane) }()

	select {
	case err := <-done:
		assert.True(t, stderrors.Is(err, errors.ErrSpawnFailure))
		assert.Contains(t, err.Error(), "EPIPE")
	case <-time.After(10 * time.Second):
		t.Fatal("readiness wait was not cancelled")
	}
}

func TestLaunch_AttacherErrorPropagatesUnchanged(t *testing.T) {
	h := newHarness()
	attachErr := fmt.Errorf("js-debug refused the attach")
	h.attacher.err = attachErr
	o := h.build(t)

	err := o.Launch(context.Background(), taskpane)
	assert.Same(t, attachErr, err)
	assert.Equal(t, types.StateFailed, o.State())
	_, terminates := h.procs.counts()
	assert.Equal(t, 1, terminates)
}

func TestLaunch_ResolvedOverridesReachAttacher(t *testing.T) {
	h := newHarness()
	o := h.build(t)
	webRoot := t.TempDir()

	cfg := taskpane
	cfg.WebRoot = webRoot
	cfg.SourceMapPathOverrides = types.NewSourceMapOverrides(
		"webpack:///./src/*", sourcemap.Placeholder+"/src/*",
		"webpack:///lib/*", "/abs/lib/*",
	)
	require.NoError(t, o.Launch(context.Background(), cfg))

	require.Len(t, h.attacher.attached, 1)
	got := h.attacher.attached[0].SourceMapPathOverrides
	require.NotNil(t, got)
	first := got.Oldest()
	assert.Equal(t, "webpack:///./src/*", first.Key)
	assert.NotContains(t, first.Value, sourcemap.Placeholder)
	assert.Equal(t, "/abs/lib/*", first.Next().Value)

	v, _ := cfg.SourceMapPathOverrides.Get("webpack:///./src/*")
	assert.Equal(t, sourcemap.Placeholder+"/src/*", v, "caller's table must not change")
}

func TestLaunch_DefaultOverridesWhenNoneGiven(t *testing.T) {
	h := newHarness()
	o := h.build(t)

	require.NoError(t, o.Launch(context.Background(), taskpane))
	require.Len(t, h.attacher.attached, 1)
	assert.Equal(t, 5, h.attacher.attached[0].SourceMapPathOverrides.Len())
}

func TestLaunch_BusyWhileAttached(t *testing.T) {
	h := newHarness()
	o := h.build(t)
	require.NoError(t, o.Launch(context.Background(), taskpane))

	err := o.Launch(context.Background(), taskpane)
	assert.True(t, stderrors.Is(err, errors.ErrSessionBusy))
	spawns, _ := h.procs.counts()
	assert.Equal(t, 1, spawns)
}

func TestDisconnect_WithoutTargetIsNoop(t *testing.T) {
	h := newHarness()
	o := h.build(t)

	require.NoError(t, o.Disconnect(context.Background()))
	assert.Equal(t, types.StateIdle, o.State())

	h.gate.err = errors.ExecutableMissing("")
	_ = o.Launch(context.Background(), taskpane)
	require.NoError(t, o.Disconnect(context.Background()))
	assert.Equal(t, types.StateFailed, o.State())
	assert.Zero(t, h.attacher.disconnects)
	assert.Empty(t, h.prober.closed)
}

func TestDisconnect_TearsDownInOrder(t *testing.T) {
	h := newHarness()
	o := h.build(t)
	require.NoError(t, o.Launch(context.Background(), taskpane))

	require.NoError(t, o.Disconnect(context.Background()))

	assert.Equal(t, []string{"taskpane"}, h.prober.closed)
	_, terminates := h.procs.counts()
	assert.Equal(t, 1, terminates)
	assert.Equal(t, 1, h.attacher.disconnects)
	history := o.History()
	assert.Equal(t, []types.SessionState{types.StateDisconnecting, types.StateTerminated}, history[len(history)-2:])
	assert.Nil(t, o.TerminationCause())

	require.NoError(t, o.Disconnect(context.Background()))
	assert.Equal(t, 1, h.attacher.disconnects)
}

func TestDisconnect_CloseFailureDoesNotBlockTeardown(t *testing.T) {
	h := newHarness()
	h.prober.closeErr = fmt.Errorf("connection reset")
	h.attacher.disconnectEr = fmt.Errorf("adapter went away")
	o := h.build(t)
	require.NoError(t, o.Launch(context.Background(), taskpane))

	err := o.Disconnect(context.Background())
	assert.EqualError(t, err, "adapter went away")
	assert.Equal(t, types.StateTerminated, o.State())
	_, terminates := h.procs.counts()
	assert.Equal(t, 1, terminates)
}

func TestRelaunchAfterTerminate(t *testing.T) {
	h := newHarness()
	o := h.build(t)
	require.NoError(t, o.Launch(context.Background(), taskpane))
	require.NoError(t, o.Disconnect(context.Background()))

	require.NoError(t, o.Launch(context.Background(), taskpane))
	assert.Equal(t, types.StateIdle, o.History()[0])
	assert.NotContains(t, o.History(), types.StateTerminated)
	spawns, _ := h.procs.counts()
	assert.Equal(t, 2, spawns)
}

func TestAdapterErrorWhileAttachedTerminatesSession(t *testing.T) {
	h := newHarness()
	terminated := make(chan error, 1)
	h.opts.OnTerminated = func(cause error) { terminated <- cause }
	o := h.build(t)
	require.NoError(t, o.Launch(context.Background(), taskpane))
	serial := o.Handle().Serial

	// a stale serial is ignored
	h.procs.events <- adapter.Event{Serial: serial + 100, Kind: adapter.EventError, Err: fmt.Errorf("old")}
	h.procs.events <- adapter.Event{Serial: serial, Kind: adapter.EventOutput, Line: "listening"}
	h.procs.events <- adapter.Event{Serial: serial, Kind: adapter.EventError, Err: fmt.Errorf("read |0: broken pipe")}

	select {
	case cause := <-terminated:
		assert.True(t, stderrors.Is(cause, errors.ErrSessionTerminated))
		assert.Contains(t, cause.Error(), "broken pipe")
	case <-time.After(10 * time.Second):
		t.Fatal("session was not terminated")
	}

	assert.Equal(t, types.StateTerminated, o.State())
	assert.Equal(t, errors.CodeSessionTerminatedByAdapterError, errors.CodeOf(o.TerminationCause()))
	assert.Equal(t, 1, h.attacher.disconnects)
	assert.Contains(t, h.reporter.exceptions, "adapterError")

	// late error after termination is a no-op
	h.procs.events <- adapter.Event{Serial: serial, Kind: adapter.EventError, Err: fmt.Errorf("late")}
	require.NoError(t, o.Disconnect(context.Background()))
	assert.Equal(t, 1, h.attacher.disconnects)
}

func TestAdapterErrorAfterManagerForgotHandle(t *testing.T) {
	h := newHarness()
	terminated := make(chan error, 1)
	h.opts.OnTerminated = func(cause error) { terminated <- cause }
	o := h.build(t)
	require.NoError(t, o.Launch(context.Background(), taskpane))
	serial := o.Handle().Serial

	// the process already exited, so the manager no longer reports it as current
	h.procs.mu.Lock()
	h.procs.current = 0
	h.procs.mu.Unlock()
	require.False(t, h.procs.Current(serial))

	h.procs.events <- adapter.Event{Serial: serial, Kind: adapter.EventError, Err: fmt.Errorf("bufio.Scanner: token too long")}
	h.procs.events <- adapter.Event{Serial: serial, Kind: adapter.EventExited, ExitCode: 1}

	select {
	case cause := <-terminated:
		assert.Contains(t, cause.Error(), "token too long")
	case <-time.After(10 * time.Second):
		t.Fatal("stream error was dropped")
	}
	assert.Equal(t, types.StateTerminated, o.State())
	assert.Equal(t, errors.CodeSessionTerminatedByAdapterError, errors.CodeOf(o.TerminationCause()))
}

func TestAdapterExitClearsHandle(t *testing.T) {
	h := newHarness()
	o := h.build(t)
	require.NoError(t, o.Launch(context.Background(), taskpane))
	serial := o.Handle().Serial

	h.procs.events <- adapter.Event{Serial: serial, Kind: adapter.EventExited, ExitCode: 1}
	require.Eventually(t, func() bool { return o.Handle() == nil }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.StateAttached, o.State())
}

func TestReporterPanicsDoNotPropagate(t *testing.T) {
	h := newHarness()
	h.reporter.panics = true
	o := h.build(t)

	require.NoError(t, o.Launch(context.Background(), taskpane))
	assert.Equal(t, types.StateAttached, o.State())
}

func TestInfo(t *testing.T) {
	h := newHarness()
	o := h.build(t)
	require.NoError(t, o.Launch(context.Background(), taskpane))

	info := o.Info()
	assert.Equal(t, "test", info.SessionID)
	assert.Equal(t, types.StateAttached, info.State)
	assert.Equal(t, types.DefaultPort, info.Port)
	assert.Equal(t, 4001, info.AdapterPID)
	assert.True(t, info.Spawned)
	require.NotNil(t, info.Target)
	assert.Equal(t, "taskpane", info.Target.ID)
}
