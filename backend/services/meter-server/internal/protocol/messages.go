package protocol

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// Message types exchanged over the metered channel.
const (
	TypePaymentProof       = "payment_proof"
	TypeSessionStarted     = "session_started"
	TypeUsageUpdate        = "usage_update"
	TypeBalanceExhausted   = "balance_exhausted"
	TypeMaxDurationReached = "max_duration_reached"
	TypePaymentRejected    = "payment_rejected"
)

// Close codes used when the server ends a connection.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	CloseAbnormal        = websocket.CloseAbnormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseInternalError   = websocket.CloseInternalServerErr
)

// PaymentProof is sent by the client once, right after connecting.
type PaymentProof struct {
	Type  string          `json:"type"`
	Proof json.RawMessage `json:"proof"`
}

// SessionStarted acknowledges a verified payment.
type SessionStarted struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId"`
	Balance        int64  `json:"balance"`
	PricePerSecond int64  `json:"pricePerSecond"`
	Currency       string `json:"currency,omitempty"`
	AccessToken    string `json:"accessToken,omitempty"`
}

// UsageUpdate reports consumption on every tick.
type UsageUpdate struct {
	Type             string `json:"type"`
	SessionID        string `json:"sessionId"`
	ElapsedSeconds   int64  `json:"elapsedSeconds"`
	ConsumedAmount   int64  `json:"consumedAmount"`
	RemainingBalance int64  `json:"remainingBalance"`
	BytesTransferred int64  `json:"bytesTransferred"`
	MessageCount     int64  `json:"messageCount"`
}

// Notice is the terminal message sent before the server closes a paid session.
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PaymentRejected tells the client why its proof was not accepted.
type PaymentRejected struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// NewSessionStarted builds a session_started message.
func NewSessionStarted(sessionID string, balance, pricePerSecond int64, currency string) SessionStarted {
	return SessionStarted{
		Type:           TypeSessionStarted,
		SessionID:      sessionID,
		Balance:        balance,
		PricePerSecond: pricePerSecond,
		Currency:       currency,
	}
}

// NewBalanceExhausted builds the exhaustion notice.
func NewBalanceExhausted() Notice {
	return Notice{Type: TypeBalanceExhausted, Message: "prepaid balance exhausted, closing session"}
}

// NewMaxDurationReached builds the max duration notice.
func NewMaxDurationReached() Notice {
	return Notice{Type: TypeMaxDurationReached, Message: "maximum session duration reached, closing session"}
}

// NewPaymentRejected builds a rejection carrying the verification reason.
func NewPaymentRejected(reason string) PaymentRejected {
	return PaymentRejected{Type: TypePaymentRejected, Reason: reason}
}
