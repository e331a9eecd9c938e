// Package gateway implements GatewayLink: a single multiplexed
// "janus-protocol" WebSocket connection to one upstream Janus gateway
// backend, shared by every session that lazily binds to it.
//
// Grounded directly in original_source/src/janus/gateway.rs's JanusGateway:
// a reader goroutine correlates responses to pending requests by
// transaction ID, filtering "ack" responses for async requests (the table
// entry stays pending for the later "event"); Send blocks on a
// clockwork-driven 5s timeout and removes its own table entry on both the
// timeout and the delivered-response paths. Unlike the Rust original's
// keepalive placeholder (spawned but never actually sending), keepalive
// here is driven by Session per spec, not by GatewayLink itself.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/imtaco/janus-proxy/internal/errors"
	"github.com/imtaco/janus-proxy/internal/log"
	isync "github.com/imtaco/janus-proxy/internal/sync"
	"github.com/imtaco/janus-proxy/janusproxy/envelope"
	"github.com/imtaco/janus-proxy/transport/wsconn"
)

const (
	ErrTimeout          errors.Code = "gateway request timed out"
	ErrConnectFailed    errors.Code = "failed to connect to gateway backend"
	ErrInternal         errors.Code = "gateway internal error"
	ErrConnectionClosed errors.Code = "gateway connection closed"
)

const requestTimeoutDefault = 5

// pending is one outstanding request awaiting a response.
type pending struct {
	reply       chan *envelope.Response
	asynchronous bool
}

// EventSink receives every response GatewayLink's reader loop could not
// correlate to a pending request (i.e. "event" pushes). A non-ack response
// carrying a pending transaction goes to that request's reply slot instead,
// including the later "event" of a request sent with asynchronous=true. The
// dispatcher passes one of these to Connect for each session's link; it is
// called directly from the reader goroutine.
type EventSink func(resp *envelope.Response)

// Link is one multiplexed connection to an upstream Janus gateway.
type Link struct {
	conn    *wsconn.Conn
	clock   clockwork.Clock
	logger  *log.Logger
	timeout int // seconds

	transactions *isync.Map[string, *pending]
	sink         EventSink

	mu     sync.Mutex
	closed bool
}

// Connect dials url, negotiates the janus-protocol subprotocol, and starts
// the reader loop. sink is invoked (from the reader goroutine) for every
// response that isn't a correlated reply to a pending Send.
func Connect(ctx context.Context, url string, sink EventSink, clock clockwork.Clock, logger *log.Logger) (*Link, error) {
	ws, _, err := websocket.Dial(ctx, url, wsconn.DialOptions())
	if err != nil {
		return nil, errors.Wrap(ErrConnectFailed, err, "dial backend")
	}

	l := &Link{
		conn:         wsconn.New(ws),
		clock:        clock,
		logger:       logger,
		timeout:      requestTimeoutDefault,
		transactions: isync.NewMap[string, *pending](),
		sink:         sink,
	}

	go l.conn.Run(ctx)
	go l.readLoop(ctx)
	return l, nil
}

// Send issues a request and waits for its correlated response, or a
// timeout/internal error. asynchronous marks requests (e.g. "message") whose
// first reply is an "ack" that should be ignored in favor of the later
// "event" on the same transaction.
func (l *Link) Send(ctx context.Context, req *envelope.Request, asynchronous bool) (*envelope.Response, error) {
	if req.Transaction == "" {
		req.Transaction = uuid.NewString()
	}

	p := &pending{reply: make(chan *envelope.Response, 1), asynchronous: asynchronous}
	l.transactions.Store(req.Transaction, p)

	data, err := envelope.SerializeRequest(req)
	if err != nil {
		l.transactions.Delete(req.Transaction)
		return nil, errors.Wrap(ErrInternal, err, "serialize request")
	}
	if err := l.conn.Write(ctx, data); err != nil {
		l.transactions.Delete(req.Transaction)
		return nil, errors.Wrap(ErrInternal, err, "write request")
	}

	timer := l.clock.NewTimer(secondsToDuration(l.timeout))
	defer timer.Stop()

	select {
	case resp := <-p.reply:
		l.transactions.Delete(req.Transaction)
		if resp.Error != nil {
			return nil, errors.Newf(ErrInternal, "gateway error %d: %s", resp.Error.Code, resp.Error.Reason)
		}
		return resp, nil
	case <-timer.Chan():
		l.transactions.Delete(req.Transaction)
		return nil, errors.New(ErrTimeout, "Request to janus-gateway backend timed out")
	case <-ctx.Done():
		l.transactions.Delete(req.Transaction)
		return nil, ctx.Err()
	}
}

func (l *Link) readLoop(ctx context.Context) {
	defer l.drainOnClose()

	for {
		data, err := l.conn.Read(ctx)
		if err != nil {
			l.logger.Warn("gateway read loop exiting", log.Error(err))
			return
		}

		var resp envelope.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			l.logger.Warn("gateway sent unparseable frame", log.Error(err))
			continue
		}

		if resp.Transaction == "" {
			l.sink(&resp)
			continue
		}

		p, ok := l.transactions.Load(resp.Transaction)
		if !ok {
			l.sink(&resp)
			continue
		}

		if p.asynchronous && resp.Janus == "ack" {
			// Leave the table entry in place; the eventual "event" on the
			// same transaction is what Send is actually waiting for.
			continue
		}

		select {
		case p.reply <- &resp:
		default:
		}
	}
}

// drainOnClose resolves every still-pending Send as an internal error once
// the reader loop exits, mirroring the Rust original's behavior of the
// connection task ending and leaving callers to time out; here we fail them
// immediately instead since the connection is known dead.
func (l *Link) drainOnClose() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.transactions.Range(func(txn string, p *pending) bool {
		select {
		case p.reply <- &envelope.Response{Janus: "error", Transaction: txn, Error: &envelope.Error{
			Code:   envelope.CodeGatewayConnectionClosed,
			Reason: "gateway connection closed",
		}}:
		default:
		}
		return true
	})
}

// Closed reports whether the underlying connection's reader loop has
// exited.
func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close closes the underlying connection.
func (l *Link) Close() error {
	return l.conn.Close(websocket.StatusNormalClosure, "")
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

