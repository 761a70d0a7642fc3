package models

import (
	"encoding/json"
	"time"
)

// Settlement statuses. refund_retrying marks a failed refund claimed by an operator retry.
const (
	SettlementRefunded       = "refunded"
	SettlementNoRefund       = "no_refund"
	SettlementRefundFailed   = "refund_failed"
	SettlementRefundRetrying = "refund_retrying"
)

// Settlement is the persisted close-out of one session.
type Settlement struct {
	SessionID      string          `json:"sessionId"`
	UserID         string          `json:"userId"`
	ResourceID     string          `json:"resourceId,omitempty"`
	Payer          string          `json:"payer,omitempty"`
	Currency       string          `json:"currency"`
	PaidAmount     int64           `json:"paidAmount"`
	ConsumedAmount int64           `json:"consumedAmount"`
	RefundAmount   int64           `json:"refundAmount"`
	ElapsedSeconds int64           `json:"elapsedSeconds"`
	Status         string          `json:"status"`
	RefundTxID     string          `json:"refundTxId,omitempty"`
	EndReason      string          `json:"endReason"`
	Error          string          `json:"error,omitempty"`
	Proof          json.RawMessage `json:"-"`
	StartedAt      time.Time       `json:"startedAt"`
	EndedAt        time.Time       `json:"endedAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
