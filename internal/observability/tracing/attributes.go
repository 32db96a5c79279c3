package tracing

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys containing any of these fragments never reach a span.
// Ledger metadata and adjustment reasons are caller free text.
var redactedKeyFragments = []string{
	"authorization",
	"metadata",
	"password",
	"reason",
	"secret",
	"token",
}

// SafeAttributes drops attributes with redacted keys.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if redacted(string(attr.Key)) {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError keeps only the error's type so storage details stay out of traces.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%T", err)
}

func redacted(key string) bool {
	key = strings.ToLower(key)
	for _, fragment := range redactedKeyFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}
