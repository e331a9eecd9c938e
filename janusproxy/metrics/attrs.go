package metrics

import "go.opentelemetry.io/otel/attribute"

func codeAttr(code int) attribute.KeyValue {
	return attribute.Int("envelope_error_code", code)
}
