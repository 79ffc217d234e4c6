package persistence

import (
	json "github.com/goccy/go-json"

	"github.com/petrijr/visionflow/pkg/api"
)

// Documents and records are stored as JSON so they survive schema evolution
// and can be inspected with ordinary tooling. goccy/go-json is a drop-in
// encoding/json replacement.

// EncodeDocument serializes a document. nil encodes to nil.
func EncodeDocument(d api.Document) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// DecodeDocument deserializes a document. Empty input yields nil.
func DecodeDocument(data []byte) (api.Document, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var d api.Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// EncodeJSON is a generic helper for store payloads.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeJSON is a generic helper for store payloads.
func DecodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
