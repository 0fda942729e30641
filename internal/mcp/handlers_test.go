package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/addin-debug/internal/adapter"
	"github.com/ctagard/addin-debug/internal/errors"
	"github.com/ctagard/addin-debug/internal/probe"
	"github.com/ctagard/addin-debug/internal/session"
	"github.com/ctagard/addin-debug/internal/sourcemap"
	"github.com/ctagard/addin-debug/pkg/types"
)

type fakeGate struct{ err error }

func (g *fakeGate) CheckPrerequisites(context.Context, string) error { return g.err }

// edgeAdapter serves the DevTools endpoints of an already-running adapter.
type edgeAdapter struct {
	mu     sync.Mutex
	closed []string
	port   int
}

func startEdgeAdapter(t *testing.T) *edgeAdapter {
	t.Helper()
	ea := &edgeAdapter{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Browser":"Edg/120.0.2210.91","Protocol-Version":"1.3"}`))
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"P1","type":"page","title":"Taskpane","url":"https://localhost:3000/taskpane.html"}]`))
	})
	mux.HandleFunc("/json/close/", func(w http.ResponseWriter, r *http.Request) {
		ea.mu.Lock()
		ea.closed = append(ea.closed, filepath.Base(r.URL.Path))
		ea.mu.Unlock()
		_, _ = w.Write([]byte("Target is closing"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	ea.port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return ea
}

func (ea *edgeAdapter) closedTargets() []string {
	ea.mu.Lock()
	defer ea.mu.Unlock()
	return append([]string(nil), ea.closed...)
}

type testServer struct {
	*Server
	gate     *fakeGate
	attached chan types.LaunchConfiguration
}

func newTestServer(t *testing.T, maxSessions int) *testServer {
	t.Helper()
	log := testr.New(t)
	prober := probe.New(probe.Options{Timeout: time.Second}, log)
	resolver := sourcemap.NewResolver(log)
	ts := &testServer{
		gate:     &fakeGate{},
		attached: make(chan types.LaunchConfiguration, 8),
	}

	factory := func(id string) (*session.Orchestrator, error) {
		return session.NewOrchestrator(id, session.Deps{
			Gate:     ts.gate,
			Prober:   prober,
			Procs:    adapter.NewManager(adapter.Options{}, log),
			Resolver: resolver,
			Attacher: session.AttacherFunc(func(_ context.Context, cfg types.LaunchConfiguration) error {
				ts.attached <- cfg
				return nil
			}),
		}, session.Options{AdapterPath: "adapter.exe", ReadyTimeout: time.Second}, log), nil
	}

	ts.Server = NewServer(Deps{
		Sessions:    session.NewManager(maxSessions, factory, log),
		Prober:      prober,
		Gate:        ts.gate,
		Resolver:    resolver,
		AdapterPath: "adapter.exe",
	}, log)
	t.Cleanup(ts.Close)
	return ts
}

func call(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content %T", res.Content[0])
	return ""
}

func decode(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	require.False(t, res.IsError, resultText(t, res))
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), v))
}

func TestDebugLaunch_ReusesRunningAdapter(t *testing.T) {
	ts := newTestServer(t, 4)
	ea := startEdgeAdapter(t)
	ctx := context.Background()

	res, err := ts.handleDebugLaunch(ctx, call(map[string]any{
		"port":                   float64(ea.port),
		"url":                    "https://localhost:3000/taskpane.html",
		"webRoot":                "/work/addin",
		"sourceMapPathOverrides": `{"webpack:///./src/*": "${workspaceFolder}/src/*", "webpack:///*": "/abs/*"}`,
	}))
	require.NoError(t, err)

	var info types.SessionInfo
	decode(t, res, &info)
	assert.Equal(t, types.StateAttached, info.State)
	assert.Equal(t, []types.SessionState{
		types.StateIdle, types.StateGating, types.StateProbing, types.StateAlreadyRunning, types.StateAttached,
	}, info.History)
	assert.False(t, info.Spawned)
	require.NotNil(t, info.Target)
	assert.Equal(t, "P1", info.Target.ID)

	cfg := <-ts.attached
	assert.Equal(t, "launch", cfg.Request)
	var keys []string
	for pair := cfg.SourceMapPathOverrides.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	assert.Equal(t, []string{"webpack:///./src/*", "webpack:///*"}, keys)

	res, err = ts.handleDebugDisconnect(ctx, call(map[string]any{"sessionId": info.SessionID}))
	require.NoError(t, err)
	assert.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, []string{"P1"}, ea.closedTargets())

	res, err = ts.handleDebugStatus(ctx, call(map[string]any{"sessionId": info.SessionID}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), string(errors.CodeSessionNotFound))
}

func TestDebugAttach_FromLaunchJSON(t *testing.T) {
	ts := newTestServer(t, 4)
	ea := startEdgeAdapter(t)

	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, ".vscode"), 0o755))
	launchJSON := fmt.Sprintf(`{
		"version": "0.2.0",
		"configurations": [
			// attach to the running add-in
			{"type": "office-addin", "request": "attach", "name": "Attach", "port": %d, "webRoot": "${workspaceFolder}"},
		]
	}`, ea.port)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, ".vscode", "launch.json"), []byte(launchJSON), 0o644))

	res, err := ts.handleDebugAttach(context.Background(), call(map[string]any{
		"configName": "Attach",
		"workspace":  workspace,
	}))
	require.NoError(t, err)

	var info types.SessionInfo
	decode(t, res, &info)
	assert.Equal(t, types.StateAttached, info.State)

	cfg := <-ts.attached
	assert.Equal(t, "attach", cfg.Request)
	assert.Equal(t, workspace, cfg.WebRoot)

	// the same configuration cannot be used to launch
	res, err = ts.handleDebugLaunch(context.Background(), call(map[string]any{
		"configName": "Attach",
		"workspace":  workspace,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), string(errors.CodeConfigInvalid))
}

func TestDebugLaunch_GateFailureIsRendered(t *testing.T) {
	ts := newTestServer(t, 4)
	ts.gate.err = errors.UnsupportedPlatform("linux", "windows")

	res, err := ts.handleDebugLaunch(context.Background(), call(map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, string(errors.CodeUnsupportedPlatform))
	assert.Contains(t, text, "Hint:")

	// failed sessions are not kept
	assert.Empty(t, ts.deps.Sessions.List())
}

func TestDebugLaunch_InvalidOverrides(t *testing.T) {
	ts := newTestServer(t, 4)

	res, err := ts.handleDebugLaunch(context.Background(), call(map[string]any{
		"sourceMapPathOverrides": `["not", "an", "object"]`,
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), string(errors.CodeInvalidParameter))
}

func TestDebugListSessions(t *testing.T) {
	ts := newTestServer(t, 4)
	ea := startEdgeAdapter(t)

	res, err := ts.handleDebugLaunch(context.Background(), call(map[string]any{"port": float64(ea.port)}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	res, err = ts.handleDebugListSessions(context.Background(), call(nil))
	require.NoError(t, err)
	var out struct {
		Sessions []types.SessionInfo `json:"sessions"`
	}
	decode(t, res, &out)
	require.Len(t, out.Sessions, 1)
	assert.Equal(t, ea.port, out.Sessions[0].Port)
}

func TestProbeTarget(t *testing.T) {
	ts := newTestServer(t, 4)
	ea := startEdgeAdapter(t)

	res, err := ts.handleProbeTarget(context.Background(), call(map[string]any{"port": float64(ea.port)}))
	require.NoError(t, err)
	var out struct {
		Target  types.TargetDescriptor   `json:"target"`
		Targets []types.TargetDescriptor `json:"targets"`
	}
	decode(t, res, &out)
	assert.Equal(t, "Edg/120.0.2210.91", out.Target.Browser)
	require.Len(t, out.Targets, 1)
	assert.Equal(t, "Taskpane", out.Targets[0].Title)
}

func TestProbeTarget_NothingListening(t *testing.T) {
	ts := newTestServer(t, 4)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	res, err := ts.handleProbeTarget(context.Background(), call(map[string]any{"port": float64(port)}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), string(errors.CodeNoTargetListening))
}

func TestCheckPrerequisites(t *testing.T) {
	ts := newTestServer(t, 4)

	res, err := ts.handleCheckPrerequisites(context.Background(), call(nil))
	require.NoError(t, err)
	var out map[string]any
	decode(t, res, &out)
	assert.Equal(t, "adapter.exe", out["executable"])

	ts.gate.err = errors.ExecutableMissing("adapter.exe")
	res, err = ts.handleCheckPrerequisites(context.Background(), call(nil))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "no Edge diagnostics adapter was found")
}

func TestResolveSourceMaps(t *testing.T) {
	ts := newTestServer(t, 4)

	res, err := ts.handleResolveSourceMaps(context.Background(), call(map[string]any{
		"sourceMapPathOverrides": `{"a/*": "${workspaceFolder}/a/*", "b/*": "x/${workspaceFolder}"}`,
	}))
	require.NoError(t, err)

	var out struct {
		Overrides json.RawMessage     `json:"sourceMapPathOverrides"`
		Warnings  []map[string]string `json:"warnings"`
	}
	decode(t, res, &out)
	assert.JSONEq(t, `{"a/*": "${workspaceFolder}/a/*", "b/*": "x/${workspaceFolder}"}`, string(out.Overrides))
	require.Len(t, out.Warnings, 2)
	assert.Equal(t, "a/*", out.Warnings[0]["pattern"])
	assert.Equal(t, "b/*", out.Warnings[1]["pattern"])
}
