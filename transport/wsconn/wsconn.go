// Package wsconn is the shared WebSocket transport for both legs the proxy
// terminates: the client-facing "janus-protocol" connection and the
// upstream-facing "janus-protocol" connection to a Janus gateway backend.
//
// Adapted (not copied) from the corpus's internal/jsonrpc/websocket/stream.go:
// kept its buffered-write-pump/ping/close-code shape, generalized from
// "write an arbitrary `any` via wsjson" to "write/read a raw JSON envelope
// frame," since both legs here speak the Janus envelope wire format rather
// than JSON-RPC 2.0 framing.
package wsconn

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/coder/websocket"
)

const (
	bufMessages   = 32
	pingInterval  = 10 * time.Second
	writeTimeout  = 5 * time.Second
)

// ErrBufferFull is returned by Write when the egress buffer is saturated,
// indicating a slow or stuck peer.
var ErrBufferFull = errors.New("wsconn: write buffer full")

// Subprotocol is the single subprotocol both legs negotiate.
const Subprotocol = "janus-protocol"

// Conn wraps a *websocket.Conn with a bounded, non-blocking write queue and
// a background ping pump, so a slow reader on one leg can't stall the
// goroutine driving the other leg of a session.
type Conn struct {
	ws      *websocket.Conn
	writeCh chan func() error
	closed  chan struct{}
}

// New wraps an already-established websocket.Conn; it starts nothing, Run
// drives the write pump. Call Close when done; the pump exits when Close is
// called or ctx (passed to Run) is cancelled.
func New(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:      ws,
		writeCh: make(chan func() error, bufMessages),
		closed:  make(chan struct{}),
	}
}

// Run drives the write pump and periodic pings until ctx is cancelled or the
// connection is closed. Call this in its own goroutine.
func (c *Conn) Run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case fn, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := fn(); err != nil {
				c.closeWithReason(err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				c.closeWithReason(err)
				return
			}
		}
	}
}

// Write enqueues a raw JSON frame for the write pump. Non-blocking: if the
// queue is full, returns ErrBufferFull immediately rather than stalling the
// caller's goroutine behind a slow peer.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	fn := func() error {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return c.ws.Write(writeCtx, websocket.MessageText, data)
	}
	select {
	case c.writeCh <- fn:
		return nil
	default:
		return ErrBufferFull
	}
}

// Read blocks for the next text frame.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

// Close closes the underlying connection with the given code/reason and
// stops the write pump.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return c.ws.Close(code, reason)
}

func (c *Conn) closeWithReason(err error) {
	code := websocket.StatusInternalError
	reason := "internal error"
	switch {
	case errors.Is(err, ErrBufferFull):
		code = websocket.StatusPolicyViolation
		reason = "write buffer full"
	case errors.Is(err, net.ErrClosed):
		code = websocket.StatusNormalClosure
		reason = "connection closed"
	default:
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			code = closeErr.Code
			reason = closeErr.Reason
		}
	}
	_ = c.Close(code, reason)
}

// AcceptOptions is the fixed negotiation both legs require.
func AcceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	}
}

// DialOptions is the fixed negotiation both legs require.
func DialOptions() *websocket.DialOptions {
	return &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	}
}
