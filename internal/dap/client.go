package dap

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
)

const defaultRequestTimeout = 10 * time.Second

// Client provides the request/response subset of DAP needed to attach a
// debug adapter to a target and detach again.
type Client struct {
	transport *Transport
	log       logr.Logger

	// Response handling
	pendingRequests map[int]chan dap.Message
	mu              sync.Mutex

	eventHandler func(dap.Message)

	// Capabilities from initialize response
	capabilities dap.Capabilities

	initialized     chan struct{}
	initializedOnce sync.Once

	// done is closed when the read loop stops
	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// NewClient creates a DAP client on transport and starts reading messages.
func NewClient(transport *Transport, log logr.Logger) *Client {
	c := &Client{
		transport:       transport,
		log:             log.WithName("dap"),
		pendingRequests: make(map[int]chan dap.Message),
		initialized:     make(chan struct{}),
		done:            make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// SetEventHandler sets the handler for DAP events. Call it before the first request.
func (c *Client) SetEventHandler(handler func(dap.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

// Done is closed once the connection to the adapter is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It is only meaningful after Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	consecutiveErrors := 0
	const maxConsecutiveErrors = 5

	for {
		msg, err := c.transport.Receive()
		if err != nil {
			if isClosed(err) {
				c.readErr = err
				return
			}
			// Unknown commands and events are skipped; the frame was consumed.
			consecutiveErrors++
			c.log.V(1).Info("DAP decode error", "attempt", consecutiveErrors, "error", err.Error())
			if consecutiveErrors >= maxConsecutiveErrors {
				c.readErr = fmt.Errorf("too many consecutive DAP read errors: %w", err)
				return
			}
			continue
		}

		consecutiveErrors = 0
		c.handleMessage(msg)
	}
}

func isClosed(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, io.ErrClosedPipe) || stderrors.Is(err, net.ErrClosed)
}

// handleMessage routes responses to their waiters and everything else to the event handler.
func (c *Client) handleMessage(msg dap.Message) {
	if _, ok := msg.(*dap.InitializedEvent); ok {
		c.initializedOnce.Do(func() {
			close(c.initialized)
		})
	}

	if resp, ok := msg.(dap.ResponseMessage); ok {
		seq := resp.GetResponse().RequestSeq
		c.mu.Lock()
		if ch, found := c.pendingRequests[seq]; found {
			ch <- msg
			delete(c.pendingRequests, seq)
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	handler := c.eventHandler
	c.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// sendRequest sends a request and waits for its response.
func (c *Client) sendRequest(ctx context.Context, req dap.RequestMessage, timeout time.Duration) (dap.Message, error) {
	p, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, p, timeout)
}

// pending is a request on the wire whose response has not arrived yet.
type pending struct {
	command string
	seq     int
	respCh  chan dap.Message
}

// send registers the request's seq and writes it. When send returns the
// request is on the wire, ahead of anything sent later.
func (c *Client) send(req dap.RequestMessage) (*pending, error) {
	r := req.GetRequest()
	r.Seq = c.transport.NextSeq()
	r.Type = "request"

	p := &pending{command: r.Command, seq: r.Seq, respCh: make(chan dap.Message, 1)}
	c.mu.Lock()
	c.pendingRequests[p.seq] = p.respCh
	c.mu.Unlock()

	if err := c.transport.Send(req); err != nil {
		c.forget(p.seq)
		return nil, err
	}
	return p, nil
}

func (c *Client) forget(seq int) {
	c.mu.Lock()
	delete(c.pendingRequests, seq)
	c.mu.Unlock()
}

// await waits for the response to p.
func (c *Client) await(ctx context.Context, p *pending, timeout time.Duration) (dap.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.respCh:
		if errResp, ok := resp.(*dap.ErrorResponse); ok {
			return nil, responseError(p.command, &errResp.Response, errResp.Body.Error)
		}
		return resp, nil
	case <-timer.C:
		c.forget(p.seq)
		return nil, fmt.Errorf("%s request timed out after %s", p.command, timeout)
	case <-ctx.Done():
		c.forget(p.seq)
		return nil, ctx.Err()
	case <-c.done:
		c.forget(p.seq)
		return nil, fmt.Errorf("%s request failed: connection to debug adapter closed", p.command)
	}
}

func responseError(command string, resp *dap.Response, detail *dap.ErrorMessage) error {
	msg := resp.Message
	if detail != nil && detail.Format != "" {
		msg = detail.Format
	}
	return fmt.Errorf("%s failed: %s", command, msg)
}

func checkResponse(command string, resp dap.Message) error {
	rm, ok := resp.(dap.ResponseMessage)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	if r := rm.GetResponse(); !r.Success {
		return responseError(command, r, nil)
	}
	return nil
}

// Initialize sends the initialize request
func (c *Client) Initialize(ctx context.Context, clientID, clientName string) (*dap.InitializeResponse, error) {
	req := &dap.InitializeRequest{
		Request: dap.Request{Command: "initialize"},
		Arguments: dap.InitializeRequestArguments{
			ClientID:                     clientID,
			ClientName:                   clientName,
			AdapterID:                    "pwa-msedge",
			Locale:                       "en-US",
			LinesStartAt1:                true,
			ColumnsStartAt1:              true,
			PathFormat:                   "path",
			SupportsVariableType:         true,
			SupportsRunInTerminalRequest: false,
		},
	}

	resp, err := c.sendRequest(ctx, req, defaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	if err := checkResponse("initialize", resp); err != nil {
		return nil, err
	}
	initResp, ok := resp.(*dap.InitializeResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}

	c.capabilities = initResp.Body
	return initResp, nil
}

// Capabilities returns what the adapter reported in its initialize response.
func (c *Client) Capabilities() dap.Capabilities {
	return c.capabilities
}

// WaitInitialized waits for the initialized event.
func (c *Client) WaitInitialized(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.initialized:
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout waiting for initialized event")
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection to debug adapter closed before initialized event")
	}
}

// AttachAsync sends an attach request without waiting for its response.
// Adapters may hold the response until configurationDone, so the result is
// delivered on the returned channel. The request is written before
// AttachAsync returns.
func (c *Client) AttachAsync(ctx context.Context, args any, timeout time.Duration) (<-chan error, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attach args: %w", err)
	}

	req := &dap.AttachRequest{
		Request:   dap.Request{Command: "attach"},
		Arguments: argsJSON,
	}

	p, err := c.send(req)
	if err != nil {
		return nil, err
	}

	result := make(chan error, 1)
	go func() {
		resp, err := c.await(ctx, p, timeout)
		if err == nil {
			err = checkResponse("attach", resp)
		}
		result <- err
	}()
	return result, nil
}

// Attach sends an attach request and waits for its response.
func (c *Client) Attach(ctx context.Context, args any, timeout time.Duration) error {
	result, err := c.AttachAsync(ctx, args, timeout)
	if err != nil {
		return err
	}
	return <-result
}

// ConfigurationDone signals that configuration is complete
func (c *Client) ConfigurationDone(ctx context.Context) error {
	req := &dap.ConfigurationDoneRequest{
		Request: dap.Request{Command: "configurationDone"},
	}

	resp, err := c.sendRequest(ctx, req, defaultRequestTimeout)
	if err != nil {
		return err
	}
	return checkResponse("configurationDone", resp)
}

// Disconnect ends the debug session without terminating the debuggee.
func (c *Client) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	req := &dap.DisconnectRequest{
		Request: dap.Request{Command: "disconnect"},
		Arguments: &dap.DisconnectArguments{
			TerminateDebuggee: terminateDebuggee,
		},
	}

	resp, err := c.sendRequest(ctx, req, defaultRequestTimeout)
	if err != nil {
		return err
	}
	return checkResponse("disconnect", resp)
}

// Close closes the connection and waits for the read loop to stop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.transport.Close()
		<-c.done
	})
	return err
}
