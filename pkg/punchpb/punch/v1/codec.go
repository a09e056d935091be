package punchv1

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Codec is the connect codec for punch.v1 messages. It registers under the
// name "json" so the Connect content-type negotiation selects it for
// application/connect+json (and the gRPC-Web/gRPC +json variants).
//
// Encoding is github.com/segmentio/encoding/json, a drop-in encoding/json
// replacement.
type Codec struct{}

// Name returns the codec name used in content-type negotiation.
func (Codec) Name() string { return "json" }

// Marshal encodes a message to JSON.
func (Codec) Marshal(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return data, nil
}

// Unmarshal decodes a message from JSON. A zero-length frame decodes as the
// zero message.
func (Codec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return nil
}
