// Package plugin defines the contract in-process Janus plugins implement,
// and the flat name→factory registry dispatcher uses to attach one to a
// handle. Grounded in the Rust original's `dyn JanusPlugin` trait object
// (original_source/src/janus/core/mod.rs) and its videoroom implementation
// (original_source/src/janus/plugin/videoroom/mod.rs), translated into an
// explicit Go interface plus a tagged-union result type in place of trait
// objects and Rust's Result/enum machinery.
package plugin

import (
	"context"
	"encoding/json"

	"github.com/imtaco/janus-proxy/internal/errors"
)

// Message is a single client request bound for a plugin-owning handle.
type Message struct {
	Transaction string
	SessionID   uint64
	HandleID    uint64
	Body        json.RawMessage
	JSEP        json.RawMessage

	// Forward issues a gateway-bound "message" request on the handle's
	// behalf, lazily establishing the upstream session/handle pair on first
	// use. Plugins use this instead of reaching into GatewayLink directly.
	Forward func(ctx context.Context, body json.RawMessage, jsep json.RawMessage, async bool) (data json.RawMessage, jsep2 json.RawMessage, err error)
}

// ResultKind tags the three shapes a plugin response can take, mirroring the
// Rust original's JanusPluginResult enum (Ok/Wait/Error) in place of that
// Result<T, E>-plus-enum pairing.
type ResultKind int

const (
	// Ok carries a synchronous success payload, sent back as a "success"
	// envelope immediately.
	Ok ResultKind = iota
	// OkWait defers the reply: the message has been queued onto the
	// handle's async worker, and an immediate "ack" is all the client gets
	// for now; the eventual "event" envelope comes later from the worker.
	OkWait
	// Error is the core, unscoped plugin failure: free text only, always
	// surfaced as a top-level envelope error (envelope.CodePluginFailure).
	// A plugin that wants a videoroom/gateway-domain numeric error_code
	// delivered to the client uses PluginError instead, which is an Ok
	// result carrying that code in its data payload.
	Error
)

// Result is what a plugin's message handlers return.
type Result struct {
	Kind   ResultKind
	Data   json.RawMessage // meaningful when Kind == Ok
	JSEP   json.RawMessage // meaningful when Kind == Ok
	Reason string          // meaningful when Kind == Error
}

func OkResult(data json.RawMessage) Result { return Result{Kind: Ok, Data: data} }
func OkResultJSEP(data, jsep json.RawMessage) Result {
	return Result{Kind: Ok, Data: data, JSEP: jsep}
}
func WaitResult() Result { return Result{Kind: OkWait} }

// ErrorResult is the core "severe (unknown) error" variant: text only, with
// no domain-scoped numeric code. Always maps to envelope.CodePluginFailure.
func ErrorResult(reason string) Result {
	if reason == "" {
		reason = "Plugin returned a severe (unknown) error"
	}
	return Result{Kind: Error, Reason: reason}
}

// errorData is the plugindata payload carrying a domain-scoped numeric
// error, the shape every Janus plugin error (videoroom's included) actually
// uses on the wire instead of a top-level envelope error.
type errorData struct {
	ErrorCode int    `json:"error_code"`
	Error     string `json:"error"`
}

// PluginError builds an Ok result whose data carries error_code/error,
// mirroring how a plugin reports a domain-scoped (e.g. videoroom) or
// gateway-originated failure: as event data, never as a top-level envelope
// error.
func PluginError(code int, reason string) Result {
	data, _ := json.Marshal(errorData{ErrorCode: code, Error: reason})
	return Result{Kind: Ok, Data: data}
}

// Contract is what every in-process plugin implements. HandleMessage
// services the synchronous/queueable request path reached directly from
// ProxyDispatcher; HandleAsyncMessage is invoked from the handle's own
// worker goroutine for requests that were queued via WaitResult.
type Contract interface {
	Name() string

	// NewSession is called once per handle attach, giving the plugin a
	// chance to allocate any per-handle state (e.g. videoroom's
	// participant-type state machine).
	NewSession() Session

	HandleMessage(ctx context.Context, sess Session, msg *Message) Result
	HandleAsyncMessage(ctx context.Context, sess Session, msg *Message) Result
}

// Session is opaque per-handle plugin state. Plugins type-assert their own
// concrete type out of it.
type Session interface{}

const ErrUnknownPlugin errors.Code = "unknown plugin"

// Registry is a flat name→factory map, exactly as the routing semantics
// require: attach looks a plugin up by the exact "plugin" string the client
// sent, with no aliasing or versioning layer.
type Registry struct {
	factories map[string]func() Contract
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Contract)}
}

// Register adds a plugin factory under the exact name clients will request
// via attach's "plugin" field (e.g. "janus.plugin.videoroom").
func (r *Registry) Register(name string, factory func() Contract) {
	r.factories[name] = factory
}

// New instantiates a fresh Contract for the given plugin name.
func (r *Registry) New(name string) (Contract, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, errors.Newf(ErrUnknownPlugin, "no such plugin: %s", name)
	}
	return factory(), nil
}
