package session

import (
	"errors"
	"fmt"
)

var (
	ErrProofTimeout       = errors.New("session: payment proof not received in time")
	ErrVerificationFailed = errors.New("session: payment verification failed")
	ErrRefundFailed       = errors.New("session: refund failed")
	ErrTransport          = errors.New("session: transport error")
	ErrConnClosed         = errors.New("session: connection closed")
	ErrConfiguration      = errors.New("session: invalid configuration")
	ErrSessionExists      = errors.New("session: connection already has a session")
	ErrSessionNotFound    = errors.New("session: session not found")
)

// VerificationError carries the reason a proof was rejected. Err is the backend failure,
// if any, that caused the rejection.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrVerificationFailed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrVerificationFailed, e.Reason)
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerificationFailed
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Reasons the server itself ends a paid session.
var (
	ErrBalanceExhausted   = errors.New("session: balance exhausted")
	ErrMaxDurationReached = errors.New("session: max duration reached")
	ErrTerminated         = errors.New("session: terminated by operator")
)
