package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"meterpay/backend/services/meter-server/internal/models"
	"meterpay/backend/services/meter-server/internal/payment"
	"meterpay/backend/services/meter-server/internal/repository"
	"meterpay/backend/services/meter-server/internal/session"
)

// SessionLister lists live sessions.
type SessionLister interface {
	All() []session.Snapshot
}

// Terminator ends a live session through the normal settlement path.
type Terminator interface {
	Terminate(sessionID string) error
}

// SettlementLedger is the persisted settlement history.
type SettlementLedger interface {
	Get(ctx context.Context, sessionID string) (*models.Settlement, error)
	ListFailedRefunds(ctx context.Context, limit int) ([]models.Settlement, error)
	ClaimRetry(ctx context.Context, sessionID string) (*models.Settlement, error)
	ReleaseRetry(ctx context.Context, sessionID, reason string) error
	MarkRefunded(ctx context.Context, sessionID, txID string) error
}

// Refunder disburses refunds.
type Refunder interface {
	Refund(ctx context.Context, proof json.RawMessage, amount int64) (*payment.RefundReceipt, error)
}

// AdminHandlers exposes operator endpoints. ledger may be nil when no database is configured.
type AdminHandlers struct {
	sessions      SessionLister
	terminator    Terminator
	ledger        SettlementLedger
	refunder      Refunder
	refundTimeout time.Duration
	logger        *zap.Logger
}

// NewAdminHandlers returns handler.
func NewAdminHandlers(sessions SessionLister, terminator Terminator, ledger SettlementLedger, refunder Refunder, refundTimeout time.Duration, logger *zap.Logger) *AdminHandlers {
	if refundTimeout <= 0 {
		refundTimeout = session.DefaultRefundTimeout
	}
	return &AdminHandlers{
		sessions:      sessions,
		terminator:    terminator,
		ledger:        ledger,
		refunder:      refunder,
		refundTimeout: refundTimeout,
		logger:        logger,
	}
}

// ListSessions handles GET /admin/sessions.
func (h *AdminHandlers) ListSessions(w http.ResponseWriter, _ *http.Request) {
	all := h.sessions.All()
	if all == nil {
		all = []session.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": all})
}

// TerminateSession handles DELETE /admin/sessions/{sessionId}.
func (h *AdminHandlers) TerminateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	if err := h.terminator.Terminate(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("terminate session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "terminate failed")
		return
	}
	h.logger.Info("session terminated by operator", zap.String("session_id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminating", "sessionId": id})
}

// FailedRefunds handles GET /admin/settlements/failed?limit=.
func (h *AdminHandlers) FailedRefunds(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "settlement ledger disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	items, err := h.ledger.ListFailedRefunds(r.Context(), limit)
	if err != nil {
		h.logger.Error("list failed refunds", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load settlements")
		return
	}
	if items == nil {
		items = []models.Settlement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": items})
}

// RetryRefund handles POST /admin/settlements/{sessionId}/retry. The stored proof is
// replayed against the payment backend for the recorded refund amount. The row is claimed
// before the backend is called so concurrent retries cannot both disburse.
func (h *AdminHandlers) RetryRefund(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "settlement ledger disabled")
		return
	}
	id := chi.URLParam(r, "sessionId")
	logger := h.logger.With(zap.String("session_id", id))

	st, err := h.ledger.Get(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "settlement not found")
		return
	}
	if err != nil {
		logger.Error("load settlement", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load settlement")
		return
	}
	if st.Status != models.SettlementRefundFailed {
		writeError(w, http.StatusConflict, "settlement has no pending refund")
		return
	}
	if len(st.Proof) == 0 {
		writeError(w, http.StatusConflict, "settlement has no stored payment proof")
		return
	}

	st, err = h.ledger.ClaimRetry(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusConflict, "settlement has no pending refund")
		return
	}
	if err != nil {
		logger.Error("claim settlement", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to claim settlement")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.refundTimeout)
	defer cancel()
	receipt, err := h.refunder.Refund(ctx, st.Proof, st.RefundAmount)
	if err != nil {
		logger.Warn("refund retry failed", zap.Int64("amount", st.RefundAmount), zap.Error(err))
		// the request context may be gone; the row must not stay claimed
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), h.refundTimeout)
		defer releaseCancel()
		if relErr := h.ledger.ReleaseRetry(releaseCtx, id, err.Error()); relErr != nil {
			logger.Error("release settlement claim", zap.Error(relErr))
		}
		writeError(w, http.StatusBadGateway, "refund failed: "+err.Error())
		return
	}
	if err := h.ledger.MarkRefunded(context.Background(), id, receipt.TxID); err != nil {
		logger.Error("refund issued but ledger update failed", zap.String("tx_id", receipt.TxID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "refund issued but not recorded")
		return
	}
	logger.Info("refund retried", zap.String("tx_id", receipt.TxID), zap.Int64("amount", receipt.Amount))
	writeJSON(w, http.StatusOK, receipt)
}
