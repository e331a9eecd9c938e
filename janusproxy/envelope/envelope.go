// Package envelope implements the client-facing Janus JSON envelope: parsing
// and serializing requests/responses, and the numeric error-code catalogue.
//
// Grounded in internal/janus/types.go's JanusResponse/JSEP/ICECandidate shape
// (read during this session, file since removed) and in jafzaf-janus-go's raw
// wire structs for the request side.
package envelope

import (
	"encoding/json"

	"github.com/imtaco/janus-proxy/internal/errors"
)

// Request is the client→proxy or proxy→gateway Janus envelope.
type Request struct {
	Transaction string          `json:"transaction"`
	Janus       string          `json:"janus"`
	SessionID   uint64          `json:"session_id,omitempty"`
	HandleID    uint64          `json:"handle_id,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	JSEP        json.RawMessage `json:"jsep,omitempty"`

	// Rest captures verb-specific extensions not modeled above: "plugin" for
	// attach, "candidate"/"candidates" for trickle, etc.
	Rest map[string]json.RawMessage `json:"-"`
}

// PluginData is the {plugin, data} pair carried on success/event responses.
type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

// Error is the numeric {code, reason} pair carried on error responses.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string { return e.Reason }

// Response is the proxy→client or gateway→proxy Janus envelope.
type Response struct {
	Janus       string          `json:"janus"`
	Transaction string          `json:"transaction,omitempty"`
	SessionID   uint64          `json:"session_id,omitempty"`
	Sender      uint64          `json:"sender,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Plugindata  *PluginData     `json:"plugindata,omitempty"`
	JSEP        json.RawMessage `json:"jsep,omitempty"`
	Error       *Error          `json:"error,omitempty"`
}

// rawRequest mirrors Request's known fields plus a map of everything else, so
// Rest can be reconstructed without a custom field-by-field decoder.
type rawRequest struct {
	Transaction string          `json:"transaction"`
	Janus       string          `json:"janus"`
	SessionID   uint64          `json:"session_id,omitempty"`
	HandleID    uint64          `json:"handle_id,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	JSEP        json.RawMessage `json:"jsep,omitempty"`
}

var knownRequestFields = map[string]struct{}{
	"transaction": {}, "janus": {}, "session_id": {}, "handle_id": {}, "body": {}, "jsep": {},
}

// ParseRequest decodes a text frame into a Request. Syntax failures map to
// errCodeParse (454); the caller is responsible for verb/field validation
// that maps to 455/456.
func ParseRequest(data []byte) (*Request, error) {
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(errCodeParse, err, "parse envelope")
	}
	if raw.Transaction == "" || raw.Janus == "" {
		return nil, errors.New(errCodeParse, "missing transaction or janus verb")
	}

	var everything map[string]json.RawMessage
	if err := json.Unmarshal(data, &everything); err != nil {
		return nil, errors.Wrap(errCodeParse, err, "parse envelope fields")
	}
	rest := make(map[string]json.RawMessage)
	for k, v := range everything {
		if _, known := knownRequestFields[k]; known {
			continue
		}
		rest[k] = v
	}

	return &Request{
		Transaction: raw.Transaction,
		Janus:       raw.Janus,
		SessionID:   raw.SessionID,
		HandleID:    raw.HandleID,
		Body:        raw.Body,
		JSEP:        raw.JSEP,
		Rest:        rest,
	}, nil
}

// Serialize encodes a Response as a text frame. Zero-valued ID fields are
// elided by the `omitempty` tags above.
func Serialize(r *Response) ([]byte, error) {
	return json.Marshal(r)
}

// SerializeRequest encodes a Request (used by GatewayLink when talking
// upstream), merging Rest back into the top-level object.
func SerializeRequest(r *Request) ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range r.Rest {
		out[k] = v
	}
	b, _ := json.Marshal(r.Transaction)
	out["transaction"] = b
	b, _ = json.Marshal(r.Janus)
	out["janus"] = b
	if r.SessionID != 0 {
		b, _ = json.Marshal(r.SessionID)
		out["session_id"] = b
	}
	if r.HandleID != 0 {
		b, _ = json.Marshal(r.HandleID)
		out["handle_id"] = b
	}
	if len(r.Body) > 0 {
		out["body"] = r.Body
	}
	if len(r.JSEP) > 0 {
		out["jsep"] = r.JSEP
	}
	return json.Marshal(out)
}

const errCodeParse errors.Code = "envelope parse error"
