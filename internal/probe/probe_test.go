package probe_test

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/addin-debug/internal/errors"
	"github.com/ctagard/addin-debug/internal/probe"
	"github.com/ctagard/addin-debug/pkg/types"
)

// serve starts a DevTools-like endpoint and returns its port.
func serve(t *testing.T, h http.HandlerFunc) int {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// freePort returns a port nothing is listening on.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func versionHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		browser  string
	}{
		{
			name:    "chromium edge matches",
			status:  http.StatusOK,
			body:    `{"Browser":"Edg/120.0.2210.91","Protocol-Version":"1.3","webSocketDebuggerUrl":"ws://127.0.0.1/devtools/browser/x"}`,
			browser: "Edg/120.0.2210.91",
		},
		{
			name:    "legacy edge matches",
			status:  http.StatusOK,
			body:    `{"Browser":"Edge/18.17763"}`,
			browser: "Edge/18.17763",
		},
		{
			name:    "engine match is case-insensitive",
			status:  http.StatusOK,
			body:    `{"Browser":"Microsoft EDGE 120"}`,
			browser: "Microsoft EDGE 120",
		},
		{
			name:     "other browser owns the port",
			status:   http.StatusOK,
			body:     `{"Browser":"Chrome/120.0.6099.71"}`,
			sentinel: errors.ErrPortOwnedByOther,
		},
		{
			name:     "firefox owns the port",
			status:   http.StatusOK,
			body:     `{"Browser":"Firefox/121.0"}`,
			sentinel: errors.ErrPortOwnedByOther,
		},
		{
			name:     "body is not JSON",
			status:   http.StatusOK,
			body:     `<html>hello</html>`,
			sentinel: errors.ErrMalformedProbeResponse,
		},
		{
			name:     "Browser field missing",
			status:   http.StatusOK,
			body:     `{"Protocol-Version":"1.3"}`,
			sentinel: errors.ErrMalformedProbeResponse,
		},
		{
			name:     "Browser field not a string",
			status:   http.StatusOK,
			body:     `{"Browser":42}`,
			sentinel: errors.ErrMalformedProbeResponse,
		},
		{
			name:     "non-2xx status",
			status:   http.StatusInternalServerError,
			body:     `{"Browser":"Edg/120"}`,
			sentinel: errors.ErrMalformedProbeResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := serve(t, versionHandler(tt.status, tt.body))
			p := probe.New(probe.Options{}, testr.New(t))

			target, err := p.Probe(context.Background(), port)
			if tt.sentinel != nil {
				require.Error(t, err)
				assert.Nil(t, target)
				assert.True(t, stderrors.Is(err, tt.sentinel), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.browser, target.Browser)
		})
	}
}

func TestProbe_OtherBrowserMessage(t *testing.T) {
	port := serve(t, versionHandler(http.StatusOK, `{"Browser":"Chrome/120"}`))
	p := probe.New(probe.Options{}, testr.New(t))

	_, err := p.Probe(context.Background(), port)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server for chrome/120 already listening on "+strconv.Itoa(port))
}

func TestProbe_NothingListening(t *testing.T) {
	p := probe.New(probe.Options{Timeout: 500 * time.Millisecond}, testr.New(t))

	_, err := p.Probe(context.Background(), freePort(t))
	require.Error(t, err)
	assert.Equal(t, errors.CodeNoTargetListening, errors.CodeOf(err))
}

func TestCallerCancellationIsNotNothingListening(t *testing.T) {
	p := probe.New(probe.Options{Timeout: 500 * time.Millisecond}, testr.New(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Probe(ctx, freePort(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, errors.CodeNoTargetListening, errors.CodeOf(err))
}

func TestProbe_CustomEngine(t *testing.T) {
	port := serve(t, versionHandler(http.StatusOK, `{"Browser":"HeadlessChrome/120"}`))
	p := probe.New(probe.Options{Engine: "Chrome"}, testr.New(t))

	target, err := p.Probe(context.Background(), port)
	require.NoError(t, err)
	assert.Equal(t, "HeadlessChrome/120", target.Browser)
}

func TestTargetsAndSelect(t *testing.T) {
	port := serve(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/json/list", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id":"sw","type":"service_worker","url":"https://localhost:3000/sw.js"},
			{"id":"a","type":"page","title":"Other","url":"https://localhost:3000/other.html"},
			{"id":"b","type":"page","title":"Taskpane","url":"https://localhost:3000/taskpane.html?_host_Info=Excel"}
		]`))
	})
	p := probe.New(probe.Options{}, testr.New(t))

	targets, err := p.Targets(context.Background(), port)
	require.NoError(t, err)
	require.Len(t, targets, 3)

	got := probe.SelectTarget(targets, "https://localhost:3000/taskpane.html?x=1")
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)

	got = probe.SelectTarget(targets, "https://localhost:3000/missing.html")
	require.NotNil(t, got)
	assert.Equal(t, "a", got.ID)

	assert.Nil(t, probe.SelectTarget([]types.TargetDescriptor{{ID: "sw", Type: "worker"}}, ""))
}

func TestClose(t *testing.T) {
	var closed atomic.Value
	port := serve(t, func(w http.ResponseWriter, r *http.Request) {
		closed.Store(r.URL.Path)
		_, _ = w.Write([]byte("Target is closing"))
	})
	p := probe.New(probe.Options{}, testr.New(t))

	require.NoError(t, p.Close(context.Background(), port, "abc"))
	assert.Equal(t, "/json/close/abc", closed.Load())
}

func TestWaitReady_BecomesReady(t *testing.T) {
	var calls atomic.Int32
	port := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Edg/120"}`))
	})
	p := probe.New(probe.Options{}, testr.New(t))

	target, err := p.WaitReady(context.Background(), port, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Edg/120", target.Browser)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitReady_OtherBrowserStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	port := serve(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"Browser":"Firefox/121"}`))
	})
	p := probe.New(probe.Options{}, testr.New(t))

	_, err := p.WaitReady(context.Background(), port, 5*time.Second)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrPortOwnedByOther))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWaitReady_TimesOut(t *testing.T) {
	p := probe.New(probe.Options{Timeout: 100 * time.Millisecond}, testr.New(t))

	start := time.Now()
	_, err := p.WaitReady(context.Background(), freePort(t), 300*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestWaitReady_ContextCancelled(t *testing.T) {
	p := probe.New(probe.Options{Timeout: 100 * time.Millisecond}, testr.New(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.WaitReady(ctx, freePort(t), 5*time.Second)
	require.Error(t, err)
}
