package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"meterpay/backend/services/meter-server/internal/models"
	"meterpay/backend/services/meter-server/internal/session"
)

// ErrNotFound is returned when no settlement exists for a session.
var ErrNotFound = errors.New("repository: settlement not found")

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// SettlementRepository persists session close-outs.
type SettlementRepository struct {
	db DB
}

// NewSettlementRepository returns repository.
func NewSettlementRepository(db DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// Migrate creates the settlements table when missing.
func (r *SettlementRepository) Migrate(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS settlements (
			session_id      TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			resource_id     TEXT NOT NULL DEFAULT '',
			payer           TEXT NOT NULL DEFAULT '',
			currency        TEXT NOT NULL,
			paid_amount     BIGINT NOT NULL,
			consumed_amount BIGINT NOT NULL,
			refund_amount   BIGINT NOT NULL,
			elapsed_seconds BIGINT NOT NULL,
			status          TEXT NOT NULL,
			refund_tx_id    TEXT NOT NULL DEFAULT '',
			end_reason      TEXT NOT NULL,
			error           TEXT NOT NULL DEFAULT '',
			proof           JSONB,
			started_at      TIMESTAMPTZ NOT NULL,
			ended_at        TIMESTAMPTZ NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	_, err := r.db.Exec(ctx, query)
	return err
}

// FromSettlement flattens a lifecycle settlement into its stored form.
func FromSettlement(st session.Settlement) models.Settlement {
	snap := st.Session
	out := models.Settlement{
		SessionID:      snap.ID,
		UserID:         snap.UserID,
		ResourceID:     snap.ResourceID,
		Payer:          snap.Payer,
		Currency:       snap.Currency,
		PaidAmount:     snap.PaidAmount,
		ConsumedAmount: snap.ConsumedAmount,
		RefundAmount:   st.RefundAmount,
		ElapsedSeconds: snap.ElapsedSeconds,
		EndReason:      session.EndReason(st.Cause),
		Proof:          st.Proof,
		StartedAt:      snap.StartedAt,
		EndedAt:        snap.EndedAt,
	}
	switch {
	case st.Refunded():
		out.Status = models.SettlementRefunded
		out.RefundTxID = st.Receipt.TxID
	case st.RefundErr != nil:
		out.Status = models.SettlementRefundFailed
		out.Error = st.RefundErr.Error()
	default:
		out.Status = models.SettlementNoRefund
	}
	return out
}

// Record stores a settlement. A second record for the same session is ignored.
func (r *SettlementRepository) Record(ctx context.Context, st models.Settlement) error {
	const query = `
		INSERT INTO settlements (session_id, user_id, resource_id, payer, currency, paid_amount, consumed_amount,
			refund_amount, elapsed_seconds, status, refund_tx_id, end_reason, error, proof, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (session_id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		st.SessionID,
		st.UserID,
		st.ResourceID,
		st.Payer,
		st.Currency,
		st.PaidAmount,
		st.ConsumedAmount,
		st.RefundAmount,
		st.ElapsedSeconds,
		st.Status,
		st.RefundTxID,
		st.EndReason,
		st.Error,
		proofArg(st.Proof),
		st.StartedAt,
		st.EndedAt,
	)
	return err
}

const settlementFields = `
		session_id, user_id, resource_id, payer, currency, paid_amount, consumed_amount, refund_amount,
		elapsed_seconds, status, refund_tx_id, end_reason, error, coalesce(proof, 'null'::jsonb), started_at, ended_at,
		created_at, updated_at
	`

const selectColumns = `SELECT ` + settlementFields + ` FROM settlements`

// Get returns the settlement for a session.
func (r *SettlementRepository) Get(ctx context.Context, sessionID string) (*models.Settlement, error) {
	row := r.db.QueryRow(ctx, selectColumns+` WHERE session_id = $1`, sessionID)
	st, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ListFailedRefunds returns settlements whose refund could not be disbursed, oldest first.
func (r *SettlementRepository) ListFailedRefunds(ctx context.Context, limit int) ([]models.Settlement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, selectColumns+` WHERE status = $1 ORDER BY ended_at ASC LIMIT $2`,
		models.SettlementRefundFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// ClaimRetry moves a failed settlement to refund_retrying and returns it. Only one caller
// can claim a row; the others get ErrNotFound.
func (r *SettlementRepository) ClaimRetry(ctx context.Context, sessionID string) (*models.Settlement, error) {
	const query = `
		UPDATE settlements
		SET status = $2,
		    updated_at = NOW()
		WHERE session_id = $1 AND status = $3
		RETURNING ` + settlementFields
	row := r.db.QueryRow(ctx, query, sessionID, models.SettlementRefundRetrying, models.SettlementRefundFailed)
	st, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ReleaseRetry returns a claimed settlement to refund_failed with the latest error.
func (r *SettlementRepository) ReleaseRetry(ctx context.Context, sessionID, reason string) error {
	const query = `
		UPDATE settlements
		SET status = $2,
		    error = $3,
		    updated_at = NOW()
		WHERE session_id = $1 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, sessionID, models.SettlementRefundFailed, reason, models.SettlementRefundRetrying)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRefunded records a late refund for a settlement claimed by ClaimRetry.
func (r *SettlementRepository) MarkRefunded(ctx context.Context, sessionID, txID string) error {
	const query = `
		UPDATE settlements
		SET status = $2,
		    refund_tx_id = $3,
		    error = '',
		    updated_at = NOW()
		WHERE session_id = $1 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, sessionID, models.SettlementRefunded, txID, models.SettlementRefundRetrying)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSettlement(row pgx.Row) (*models.Settlement, error) {
	var (
		st    models.Settlement
		proof []byte
	)
	err := row.Scan(
		&st.SessionID,
		&st.UserID,
		&st.ResourceID,
		&st.Payer,
		&st.Currency,
		&st.PaidAmount,
		&st.ConsumedAmount,
		&st.RefundAmount,
		&st.ElapsedSeconds,
		&st.Status,
		&st.RefundTxID,
		&st.EndReason,
		&st.Error,
		&proof,
		&st.StartedAt,
		&st.EndedAt,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(proof) > 0 && string(proof) != "null" {
		st.Proof = json.RawMessage(proof)
	}
	return &st, nil
}

func proofArg(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
