package session

import (
	"encoding/json"
	"time"

	"meterpay/backend/services/meter-server/internal/payment"
)

// EventType names an observable lifecycle event.
type EventType string

const (
	EventSessionEnd  EventType = "session_end"
	EventRefund      EventType = "refund"
	EventRefundError EventType = "refund_error"
	EventError       EventType = "error"
	EventRejected    EventType = "rejected"
)

// Event is delivered to Hooks.OnEvent. Session is nil for connections that never paid.
type Event struct {
	Type    EventType
	ConnID  string
	Session *Snapshot
	Amount  int64
	Receipt *payment.RefundReceipt
	Err     error
	At      time.Time
}

// Settlement describes how an ended session was closed out.
type Settlement struct {
	Session      Snapshot
	Proof        json.RawMessage
	RefundAmount int64
	Receipt      *payment.RefundReceipt
	RefundErr    error
	// Cause is what ended the session; nil for a clean client close.
	Cause error
}

// Refunded reports whether a refund was disbursed.
func (s Settlement) Refunded() bool {
	return s.Receipt != nil
}

// Hooks are observer callbacks. They run synchronously on the connection's goroutine;
// nil fields are skipped and panics are recovered.
type Hooks struct {
	OnPaymentVerified func(Snapshot)
	OnRefundIssued    func(Snapshot, *payment.RefundReceipt)
	OnSessionEnd      func(Settlement)
	OnEvent           func(Event)
}

// TokenIssuer mints a side-channel access token for a freshly paid session.
type TokenIssuer interface {
	Issue(Snapshot) (string, error)
}
