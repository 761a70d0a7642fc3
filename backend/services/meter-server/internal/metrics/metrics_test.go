package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"meterpay/backend/services/meter-server/internal/payment"
	"meterpay/backend/services/meter-server/internal/session"
)

func TestCollectorTracksSettlements(t *testing.T) {
	c := New()
	snap := session.Snapshot{ID: "s1", PaidAmount: 3000}

	c.SessionStarted(snap)
	c.SessionStarted(snap)
	if got := testutil.ToFloat64(c.activeSessions); got != 2 {
		t.Fatalf("expected 2 active sessions, got %v", got)
	}

	snap.ConsumedAmount = 600
	snap.ElapsedSeconds = 120
	c.SessionEnded(session.Settlement{Session: snap, RefundAmount: 2400, Receipt: &payment.RefundReceipt{TxID: "r1"}})
	c.SessionEnded(session.Settlement{Session: snap, RefundAmount: 2400, RefundErr: session.ErrRefundFailed, Cause: session.ErrBalanceExhausted})

	if got := testutil.ToFloat64(c.activeSessions); got != 0 {
		t.Fatalf("expected no active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(c.refunds.WithLabelValues("issued")); got != 1 {
		t.Fatalf("expected one issued refund, got %v", got)
	}
	if got := testutil.ToFloat64(c.refunds.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected one failed refund, got %v", got)
	}
	if got := testutil.ToFloat64(c.refundedAmount); got != 2400 {
		t.Fatalf("expected refunded 2400, got %v", got)
	}
	if got := testutil.ToFloat64(c.consumedAmount); got != 1200 {
		t.Fatalf("expected consumed 1200, got %v", got)
	}
	if got := testutil.ToFloat64(c.sessionsEnded.WithLabelValues("balance_exhausted")); got != 1 {
		t.Fatalf("expected one exhausted session, got %v", got)
	}
}

func TestCollectorClassifiesRejections(t *testing.T) {
	c := New()
	c.Observe(session.Event{Type: session.EventRejected, Err: session.ErrProofTimeout})
	c.Observe(session.Event{Type: session.EventRejected, Err: &session.VerificationError{Reason: "insufficient amount"}})
	c.Observe(session.Event{Type: session.EventError, Err: errors.New("boom")})
	c.Observe(session.Event{Type: session.EventSessionEnd})

	if got := testutil.ToFloat64(c.rejections.WithLabelValues("proof_timeout")); got != 1 {
		t.Fatalf("expected one proof timeout, got %v", got)
	}
	if got := testutil.ToFloat64(c.rejections.WithLabelValues("invalid_payment")); got != 1 {
		t.Fatalf("expected one invalid payment, got %v", got)
	}
	if got := testutil.ToFloat64(c.failures); got != 1 {
		t.Fatalf("expected one error, got %v", got)
	}
}

func TestHandlerExposesSeries(t *testing.T) {
	c := New()
	c.SessionStarted(session.Snapshot{})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "meterpay_sessions_started_total 1") {
		t.Fatalf("series missing from output:\n%s", rec.Body.String())
	}
}
