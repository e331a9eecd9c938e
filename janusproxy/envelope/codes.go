package envelope

import "github.com/imtaco/janus-proxy/internal/errors"

// Numeric envelope error codes, matching the upstream Janus gateway's own
// catalogue plus the proxy's own 5xx/599 extensions and the videoroom
// plugin's 4xx extensions.
const (
	CodeUnauthorized     = 403
	CodeInvalidRequest   = 405
	CodeSessionNotFound  = 450
	CodeUnknownRequest   = 453
	CodeBadJSON          = 454
	CodeMissingMandatory = 455
	CodeInvalidElement   = 456
	CodeSessionConflict  = 457
	CodeHandleNotFound   = 459
	CodePluginNotFound   = 460
	CodePluginFailure    = 462
	CodeUnknown          = 470
	CodeConflictingURI   = 471

	CodeGatewayTimeout          = 500
	CodeGatewayConnectFailed    = 501
	CodeGatewayUnavailable      = 502
	CodeGatewayConnectionClosed = 503
	CodeGatewayInternal         = 599

	// Videoroom plugin error codes, matching janus-videoroom's own enum.
	CodeInvalidJSONVR    = 422
	CodeInvalidRequestVR = 423
	CodeJoinFirst        = 424
	CodeAlreadyJoined    = 425
	CodeRoomNotFound     = 426
	CodeRoomExists       = 427
	CodeNoSuchFeed       = 428
	CodeMissingElement   = 429
	CodeInvalidElementVR = 430
	CodeUnknownErrorVR   = 499
)

// sentinel-to-numeric-code mapping for the proxy's own internal error
// sentinels (internal/errors.Code), as distinct from envelope.Error codes
// the videoroom plugin or gateway construct directly.
var codeFor = map[errors.Code]int{
	ErrSessionNotFound:         CodeSessionNotFound,
	ErrHandleNotFound:          CodeHandleNotFound,
	ErrPluginNotFound:          CodePluginNotFound,
	ErrMissingMandatory:        CodeMissingMandatory,
	ErrInvalidElement:          CodeInvalidElement,
	ErrSessionConflict:         CodeSessionConflict,
	ErrGatewayUnavailable:      CodeGatewayUnavailable,
	ErrGatewayTimeout:          CodeGatewayTimeout,
	ErrGatewayConnectFailed:    CodeGatewayConnectFailed,
	ErrGatewayConnectionClosed: CodeGatewayConnectionClosed,
	ErrGatewayInternal:         CodeGatewayInternal,
	errCodeParse:               CodeBadJSON,
}

// CodeFor maps an internal sentinel to its numeric envelope error code,
// defaulting to CodeUnknown for anything not explicitly registered.
func CodeFor(err error) int {
	if e, ok := errors.As[*errors.Error](err); ok {
		if code, found := codeFor[(*e).Code]; found {
			return code
		}
	}
	return CodeUnknown
}

// Proxy-domain sentinels. Distinct from the numeric wire codes above; these
// participate in errors.Is/As the way internal/errors.Code always does.
// gateway.Link's own sentinels share these exact string values so a lookup
// here resolves them without envelope importing the gateway package.
const (
	ErrSessionNotFound         errors.Code = "session not found"
	ErrHandleNotFound          errors.Code = "handle not found"
	ErrPluginNotFound          errors.Code = "plugin not found"
	ErrMissingMandatory        errors.Code = "missing mandatory field"
	ErrInvalidElement          errors.Code = "invalid element"
	ErrSessionConflict         errors.Code = "session already claimed"
	ErrGatewayUnavailable      errors.Code = "no backend available"
	ErrGatewayTimeout          errors.Code = "gateway request timed out"
	ErrGatewayConnectFailed    errors.Code = "failed to connect to gateway backend"
	ErrGatewayConnectionClosed errors.Code = "gateway connection closed"
	ErrGatewayInternal         errors.Code = "gateway internal error"
)
