package presence

import (
	"bytes"
	"encoding/json"
)

// Frame is the unit on the signaling channel: {"event": ..., "data": ...}.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Encode renders f as compact JSON without HTML escaping.
func Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Conn is one open signaling connection.
type Conn interface {
	ID() string
	UserID() string
	// Send queues an encoded frame without blocking; false means it was dropped.
	Send(b []byte) bool
	Close()
}
