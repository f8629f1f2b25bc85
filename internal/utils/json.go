package utils

import (
	"bytes"
	"encoding/json"
)

// MarshalNoEscape marshals v with HTML escaping disabled, so characters
// like '<' reach the wire literally instead of as <. Stream payloads
// carry model output verbatim and must not be rewritten in transit.
func MarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Drop the newline Encode appends; callers expect json.Marshal shape.
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
