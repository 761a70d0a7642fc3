// Package payment defines the capability the metering core delegates money movement to
// and the backends that implement it.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	ErrConfiguration   = errors.New("payment: invalid configuration")
	ErrPendingNotFound = errors.New("payment: pending payment not found")
	ErrMalformedProof  = errors.New("payment: malformed proof")
	ErrGateway         = errors.New("payment: gateway error")
)

// Backend quotes, verifies, and refunds payments. Proofs are opaque to callers.
type Backend interface {
	Quote(ctx context.Context, amount int64) (*Quote, error)
	Verify(ctx context.Context, proof json.RawMessage) (*Verification, error)
	Refund(ctx context.Context, proof json.RawMessage, amount int64) (*RefundReceipt, error)
}

// Quote is the set of instructions a client needs to pay amount.
type Quote struct {
	Reference string         `json:"reference"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Recipient string         `json:"recipient,omitempty"`
	Network   string         `json:"network,omitempty"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Verification is the outcome of checking a proof. Invalid proofs carry a reason.
type Verification struct {
	Valid  bool   `json:"valid"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
	Payer  string `json:"payer,omitempty"`
}

// RefundReceipt identifies a disbursed refund.
type RefundReceipt struct {
	TxID   string `json:"txId"`
	Amount int64  `json:"amount"`
	Payer  string `json:"payer,omitempty"`
}

func rejected(reason string) *Verification {
	return &Verification{Valid: false, Reason: reason}
}
