package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame is returned for frames that are not JSON objects with a type.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Message is a parsed client frame.
type Message struct {
	Type    string
	Payload json.RawMessage
}

type envelope struct {
	Type string `json:"type"`
}

// Parse decodes a raw client frame and returns its type with the full payload.
func Parse(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &Message{Type: env.Type, Payload: json.RawMessage(data)}, nil
}

// ParsePaymentProof extracts the opaque proof from a payment_proof frame.
func ParsePaymentProof(msg *Message) (json.RawMessage, error) {
	if msg == nil || msg.Type != TypePaymentProof {
		return nil, fmt.Errorf("%w: expected %s", ErrMalformedFrame, TypePaymentProof)
	}
	proof, err := Decode[PaymentProof](msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	trimmed := strings.TrimSpace(string(proof.Proof))
	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("%w: empty proof", ErrMalformedFrame)
	}
	return proof.Proof, nil
}

// Decode convenience helper for typed payloads.
func Decode[T any](payload json.RawMessage) (T, error) {
	var target T
	if err := json.Unmarshal(payload, &target); err != nil {
		var zero T
		return zero, err
	}
	return target, nil
}
