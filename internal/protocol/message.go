// Package protocol defines the application message carried over the
// throughput-test data channels.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
)

// DefaultPayloadSize is the filler length used when none is configured.
const DefaultPayloadSize = 1024

// Message is the JSON object sent for every generated message. ID is the
// per-run sequence number starting at 1; Payload is opaque filler.
type Message struct {
	ID      uint64 `json:"id"`
	Payload string `json:"payload"`
}

// ErrZeroID is returned by Decode for messages without a sequence number.
var ErrZeroID = errors.New("message id must be >= 1")

// Encode serializes a Message into its wire form.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed message (%d bytes): %w", len(data), err)
	}
	if m.ID == 0 {
		return nil, ErrZeroID
	}
	return &m, nil
}

const fillerAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Filler returns a random alphanumeric string of exactly size bytes.
func Filler(size int) string {
	if size <= 0 {
		return ""
	}
	b := make([]byte, size)
	for i := range b {
		b[i] = fillerAlphabet[rand.Intn(len(fillerAlphabet))]
	}
	return string(b)
}
