// Package adapter owns the lifecycle of the Edge debug adapter child process:
// building its command line, spawning it, relaying its output and exit as
// events, and terminating it.
package adapter

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/ctagard/addin-debug/internal/errors"
)

// DefaultKillTimeout is how long Terminate waits after the interrupt before killing.
const DefaultKillTimeout = 5 * time.Second

const eventChanInitialCapacity = 16

// EventKind identifies what happened to an adapter process.
type EventKind string

const (
	// EventOutput is one line the adapter wrote to stdout or stderr.
	EventOutput EventKind = "output"
	// EventError is a failure reading one of the adapter's output streams.
	EventError EventKind = "error"
	// EventExited is sent once, after the process has exited.
	EventExited EventKind = "exited"
)

// Event is a process notification. Serial identifies the Handle it belongs to.
type Event struct {
	Serial   uint64
	Kind     EventKind
	Stream   string
	Line     string
	ExitCode int
	Err      error
}

// Handle identifies a spawned adapter process.
type Handle struct {
	Serial     uint64
	PID        int
	Executable string
	Args       []string
	Port       int

	cmd  *exec.Cmd
	done chan struct{}
}

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Options configures a Manager.
type Options struct {
	KillTimeout time.Duration
}

// Manager spawns at most one adapter process at a time.
type Manager struct {
	log         logr.Logger
	killTimeout time.Duration
	events      *chanx.UnboundedChan[Event]

	mu         sync.Mutex
	current    *Handle
	nextSerial uint64
	closed     bool
	watchers   sync.WaitGroup
}

// NewManager creates a process manager. Events are delivered until Close.
func NewManager(opts Options, log logr.Logger) *Manager {
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	return &Manager{
		log:         log.WithName("adapter"),
		killTimeout: opts.KillTimeout,
		events:      chanx.NewUnboundedChan[Event](context.Background(), eventChanInitialCapacity),
	}
}

// BuildArgs returns the adapter command line: the port, then the page to
// open when url is set, then any extra arguments.
func BuildArgs(port int, url string, extra []string) []string {
	args := []string{"--port=" + strconv.Itoa(port)}
	if url != "" {
		args = append(args, "--launch="+url)
	}
	return append(args, extra...)
}

// Events returns the channel process events are delivered on.
func (m *Manager) Events() <-chan Event {
	return m.events.Out
}

// Current reports whether serial names the live handle.
func (m *Manager) Current(serial uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.Serial == serial
}

// Handle returns the live handle, or nil.
func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Spawn starts the adapter. The child inherits the environment, gets no
// stdin, and runs in its own process group. It is not tied to any context:
// only Terminate or Close stop it.
func (m *Manager) Spawn(executable string, args []string, port int) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.SpawnFailure(executable, fmt.Errorf("process manager is closed"))
	}
	if m.current != nil {
		return nil, errors.SpawnFailure(executable, fmt.Errorf("adapter already running with pid %d", m.current.PID))
	}

	cmd := exec.Command(executable, args...)
	cmd.Env = os.Environ()
	cmd.Stdin = nil
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.SpawnFailure(executable, fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.SpawnFailure(executable, fmt.Errorf("failed to create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.SpawnFailure(executable, err)
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		_ = cmd.Wait()
		return nil, errors.SpawnFailure(executable, fmt.Errorf("process has no identity"))
	}

	m.nextSerial++
	h := &Handle{
		Serial:     m.nextSerial,
		PID:        cmd.Process.Pid,
		Executable: executable,
		Args:       args,
		Port:       port,
		cmd:        cmd,
		done:       make(chan struct{}),
	}
	m.current = h

	m.log.Info("Adapter started", "pid", h.PID, "serial", h.Serial, "port", port, "args", args)

	m.watchers.Add(1)
	go m.watch(h, stdout, stderr)

	return h, nil
}

// watch relays output lines until both streams close, then reaps the process.
func (m *Manager) watch(h *Handle, stdout, stderr io.Reader) {
	defer m.watchers.Done()

	var readers sync.WaitGroup
	readers.Add(2)
	go m.relay(h, "stdout", stdout, &readers)
	go m.relay(h, "stderr", stderr, &readers)
	readers.Wait()

	waitErr := h.cmd.Wait()
	exitCode := -1
	if h.cmd.ProcessState != nil {
		exitCode = h.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if stderrors.As(waitErr, &exitErr) {
		waitErr = nil
	}

	m.mu.Lock()
	if m.current == h {
		m.current = nil
	}
	m.mu.Unlock()

	m.log.V(1).Info("Adapter exited", "pid", h.PID, "serial", h.Serial, "exitCode", exitCode)
	m.events.In <- Event{Serial: h.Serial, Kind: EventExited, ExitCode: exitCode, Err: waitErr}
	close(h.done)
}

func (m *Manager) relay(h *Handle, stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		m.log.V(1).Info(line, "stream", stream, "pid", h.PID)
		m.events.In <- Event{Serial: h.Serial, Kind: EventOutput, Stream: stream, Line: line}
	}
	if err := scanner.Err(); err != nil && !stderrors.Is(err, os.ErrClosed) {
		m.events.In <- Event{Serial: h.Serial, Kind: EventError, Stream: stream, Err: err}
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

// Terminate interrupts the live process and forgets its handle. If the
// process has not exited within the kill timeout it is killed. Without a
// live handle Terminate does nothing.
func (m *Manager) Terminate() error {
	m.mu.Lock()
	h := m.current
	m.current = nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}

	m.log.Info("Stopping adapter", "pid", h.PID, "serial", h.Serial)
	if err := interruptProcessGroup(h.cmd); err != nil {
		m.log.V(1).Info("Interrupt failed, killing adapter", "pid", h.PID, "error", err.Error())
		return killProcessGroup(h.cmd)
	}

	m.watchers.Add(1)
	go func() {
		defer m.watchers.Done()
		timer := time.NewTimer(m.killTimeout)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			m.log.Info("Adapter did not exit after interrupt, killing it", "pid", h.PID, "timeout", m.killTimeout)
			if err := killProcessGroup(h.cmd); err != nil {
				m.log.Error(err, "failed to kill adapter", "pid", h.PID)
			}
		}
	}()
	return nil
}

// Close terminates the live process, waits for every process it started to
// be reaped, and closes the event channel.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.Terminate()
	m.watchers.Wait()
	close(m.events.In)
	return err
}
