package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/imtaco/janus-proxy/internal/errors"
)

func TestParseRequest_Basic(t *testing.T) {
	req, err := ParseRequest([]byte(`{"janus":"ping","transaction":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "ping", req.Janus)
	assert.Equal(t, "abc", req.Transaction)
	assert.Zero(t, req.SessionID)
}

func TestParseRequest_CapturesRest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"janus":"attach","transaction":"t1","session_id":5,"plugin":"janus.plugin.videoroom"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), req.SessionID)
	require.Contains(t, req.Rest, "plugin")
	var plugin string
	require.NoError(t, json.Unmarshal(req.Rest["plugin"], &plugin))
	assert.Equal(t, "janus.plugin.videoroom", plugin)
}

func TestParseRequest_MissingJanusVerb(t *testing.T) {
	_, err := ParseRequest([]byte(`{"transaction":"t1"}`))
	assert.Error(t, err)
}

func TestParseRequest_InvalidJSON(t *testing.T) {
	_, err := ParseRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestSerialize_ElidesZeroIDs(t *testing.T) {
	b, err := Serialize(&Response{Janus: "ack", Transaction: "t1"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "session_id")
	assert.NotContains(t, string(b), "sender")
}

func TestSerialize_IncludesError(t *testing.T) {
	b, err := Serialize(&Response{
		Janus:       "error",
		Transaction: "t1",
		Error:       &Error{Code: CodeSessionNotFound, Reason: "no such session"},
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	errField, ok := decoded["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(CodeSessionNotFound), errField["code"])
}

func TestSerializeRequest_RoundTripsRest(t *testing.T) {
	candidate, _ := json.Marshal(map[string]any{"candidate": "foo"})
	req := &Request{
		Transaction: "t1",
		Janus:       "trickle",
		SessionID:   5,
		HandleID:    9,
		Rest:        map[string]json.RawMessage{"candidate": candidate},
	}
	b, err := SerializeRequest(req)
	require.NoError(t, err)

	parsed, err := ParseRequest(b)
	require.NoError(t, err)
	assert.Equal(t, req.Transaction, parsed.Transaction)
	assert.Equal(t, req.SessionID, parsed.SessionID)
	assert.Equal(t, req.HandleID, parsed.HandleID)
	assert.Contains(t, parsed.Rest, "candidate")
}

func TestCodeFor_UnknownDefaultsToGeneric(t *testing.T) {
	assert.Equal(t, CodeUnknown, CodeFor(assert.AnError))
}

func TestCodeFor_KnownSentinel(t *testing.T) {
	err := internalerrors.New(ErrSessionNotFound, "no such session")
	assert.Equal(t, CodeSessionNotFound, CodeFor(err))
}
