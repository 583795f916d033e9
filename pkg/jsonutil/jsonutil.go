// Package jsonutil wraps github.com/go-json-experiment/json with the
// small encoding/json-shaped surface the dashboard uses: websocket
// frames and kill-signal files are marshaled on hot or latency-bound
// paths, so the faster encoder pays for itself there.
package jsonutil

import (
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Unmarshal parses the JSON-encoded data and stores the result in v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Marshal returns the JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MarshalIndent returns the indented JSON encoding of v. The prefix
// argument exists for encoding/json compatibility and is ignored.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return json.Marshal(v, jsontext.WithIndent(indent))
}
