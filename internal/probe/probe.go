// Package probe talks to the DevTools HTTP endpoints an adapter exposes on
// 127.0.0.1: /json/version to identify it, /json/list to find page targets,
// and /json/close/<id> to close one.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/ctagard/addin-debug/internal/errors"
	"github.com/ctagard/addin-debug/pkg/types"
)

const (
	// DefaultTimeout bounds a single probe request.
	DefaultTimeout = 2 * time.Second
	// DefaultEngine is the substring a matching Browser field must contain.
	// Chromium Edge reports "Edg/<version>"; legacy Edge reports "Edge/<version>".
	DefaultEngine = "edg"

	maxBodyLength = 64 * 1024
)

// Options configures a Prober. Zero values select the defaults.
type Options struct {
	Timeout time.Duration
	Engine  string
	// Host defaults to 127.0.0.1; tests point it at an httptest server.
	Host string
}

// Prober checks for an existing adapter on a port.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	engine  string
	host    string
	log     logr.Logger
}

// New creates a Prober.
func New(opts Options, log logr.Logger) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Engine == "" {
		opts.Engine = DefaultEngine
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}

	dialer := &net.Dialer{Timeout: opts.Timeout}
	transport := &http.Transport{
		// Loopback only: never route probes through a proxy.
		Proxy:              nil,
		DialContext:        dialer.DialContext,
		DisableKeepAlives:  true,
		DisableCompression: true,
	}

	return &Prober{
		client:  &http.Client{Transport: transport, Timeout: opts.Timeout},
		timeout: opts.Timeout,
		engine:  strings.ToLower(opts.Engine),
		host:    opts.Host,
		log:     log.WithName("probe"),
	}
}

// versionResponse is the subset of /json/version the probe reads.
type versionResponse struct {
	Browser              *string `json:"Browser"`
	ProtocolVersion      string  `json:"Protocol-Version"`
	WebSocketDebuggerURL string  `json:"webSocketDebuggerUrl"`
}

// Probe asks the endpoint on port what it is.
//
// It returns the descriptor when the reported browser matches the engine,
// errors.ErrNoTargetListening when nothing answers (the cue to spawn),
// errors.ErrPortOwnedByOther for a different browser, and
// errors.ErrMalformedProbeResponse for anything else that answered. A done
// ctx yields ctx's error.
func (p *Prober) Probe(ctx context.Context, port int) (*types.TargetDescriptor, error) {
	status, body, err := p.get(ctx, port, "/json/version")
	if err != nil {
		// The caller gave up; that says nothing about the port.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("gave up on port %d: %w", port, ctxErr)
		}
		p.log.V(1).Info("nothing listening", "port", port, "reason", err.Error())
		return nil, errors.NoTargetListening(port, err)
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, errors.MalformedProbeResponse(port, fmt.Sprintf("status code %d", status), nil)
	}

	var v versionResponse
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, errors.MalformedProbeResponse(port, "body is not a JSON object", err)
	}
	if v.Browser == nil {
		return nil, errors.MalformedProbeResponse(port, "missing Browser field", nil)
	}

	browser := strings.ToLower(*v.Browser)
	if !strings.Contains(browser, p.engine) {
		return nil, errors.PortOwnedByOther(browser, port)
	}

	p.log.V(1).Info("found running target", "port", port, "browser", *v.Browser)
	return &types.TargetDescriptor{
		Browser:              *v.Browser,
		ProtocolVersion:      v.ProtocolVersion,
		WebSocketDebuggerURL: v.WebSocketDebuggerURL,
	}, nil
}

// pageTarget is one entry of /json/list.
type pageTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Targets lists the debuggable targets on port.
func (p *Prober) Targets(ctx context.Context, port int) ([]types.TargetDescriptor, error) {
	status, body, err := p.get(ctx, port, "/json/list")
	if err != nil {
		return nil, fmt.Errorf("failed to list targets on port %d: %w", port, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("listing targets on port %d returned status %d", port, status)
	}

	var list []pageTarget
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse target list: %w", err)
	}

	out := make([]types.TargetDescriptor, 0, len(list))
	for _, t := range list {
		out = append(out, types.TargetDescriptor{
			ID:                   t.ID,
			Type:                 t.Type,
			Title:                t.Title,
			URL:                  t.URL,
			WebSocketDebuggerURL: t.WebSocketDebuggerURL,
		})
	}
	return out, nil
}

// SelectTarget picks the page target for url: the first page whose URL
// matches url up to its query string, else the first page. It returns nil if
// there are no page targets.
func SelectTarget(targets []types.TargetDescriptor, url string) *types.TargetDescriptor {
	var first *types.TargetDescriptor
	want := stripQuery(url)
	for i := range targets {
		t := &targets[i]
		if t.Type != "" && t.Type != "page" {
			continue
		}
		if want != "" && strings.HasPrefix(t.URL, want) {
			return t
		}
		if first == nil {
			first = t
		}
	}
	return first
}

func stripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}

// Close asks the adapter to close the target with the given id.
func (p *Prober) Close(ctx context.Context, port int, targetID string) error {
	status, body, err := p.get(ctx, port, "/json/close/"+targetID)
	if err != nil {
		return fmt.Errorf("failed to close target %s: %w", targetID, err)
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return fmt.Errorf("closing target %s returned status %d: %s", targetID, status, strings.TrimSpace(string(body)))
	}
	return nil
}

// WaitReady polls Probe until a matching target answers on port or timeout
// elapses. Another browser on the port ends the wait immediately.
func (p *Prober) WaitReady(ctx context.Context, port int, timeout time.Duration) (*types.TargetDescriptor, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(0),
	)

	var lastErr error
	target, err := backoff.RetryNotifyWithData(
		func() (*types.TargetDescriptor, error) {
			t, probeErr := p.Probe(waitCtx, port)
			if probeErr != nil && errors.CodeOf(probeErr) == errors.CodePortOwnedByOther {
				return nil, backoff.Permanent(probeErr)
			}
			return t, probeErr
		},
		backoff.WithContext(b, waitCtx),
		func(err error, _ time.Duration) {
			lastErr = err
		},
	)
	if err != nil {
		if ctxErr := waitCtx.Err(); ctxErr != nil && lastErr != nil {
			return nil, fmt.Errorf("adapter not ready on port %d after %s: %w", port, timeout, lastErr)
		}
		return nil, err
	}
	return target, nil
}

func (p *Prober) get(ctx context.Context, port int, path string) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(p.host, fmt.Sprint(port)), path)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyLength))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
