package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockConfig configures the in-process backend used for development and tests.
type MockConfig struct {
	Currency  string
	Recipient string
	QuoteTTL  time.Duration
	// AcceptUnquoted trusts proofs that carry an amount but no quote reference.
	AcceptUnquoted bool
	Store          PendingStore
}

// MockProof is the proof format understood by Mock.
type MockProof struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Payer     string `json:"payer"`
}

// MockRefund records a refund issued by Mock.
type MockRefund struct {
	TxID   string
	Payer  string
	Amount int64
	At     time.Time
}

// Mock settles nothing; it tracks quotes and refunds in memory.
type Mock struct {
	cfg   MockConfig
	store PendingStore

	mu        sync.Mutex
	refunds   []MockRefund
	refundErr error
}

// NewMock builds the mock backend.
func NewMock(cfg MockConfig) *Mock {
	if cfg.Currency == "" {
		cfg.Currency = "wei"
	}
	if cfg.Recipient == "" {
		cfg.Recipient = "mock-merchant"
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 15 * time.Minute
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryPendingStore()
	}
	return &Mock{cfg: cfg, store: store}
}

// Quote reserves amount under a fresh reference.
func (m *Mock) Quote(ctx context.Context, amount int64) (*Quote, error) {
	if amount < 0 {
		return nil, fmt.Errorf("payment: negative quote amount %d", amount)
	}
	pending := PendingPayment{
		Reference: newReference(),
		Amount:    amount,
		ExpiresAt: time.Now().UTC().Add(m.cfg.QuoteTTL),
	}
	if err := m.store.Put(ctx, pending); err != nil {
		return nil, err
	}
	return &Quote{
		Reference: pending.Reference,
		Amount:    amount,
		Currency:  m.cfg.Currency,
		Recipient: m.cfg.Recipient,
		Network:   "mock",
		ExpiresAt: pending.ExpiresAt,
	}, nil
}

// Verify accepts a proof when it references a live quote and pays at least its amount.
func (m *Mock) Verify(ctx context.Context, raw json.RawMessage) (*Verification, error) {
	var proof MockProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return rejected("malformed proof"), nil
	}
	if proof.Amount <= 0 {
		return rejected("invalid amount"), nil
	}

	if proof.Reference == "" {
		if !m.cfg.AcceptUnquoted {
			return rejected("missing payment reference"), nil
		}
		return &Verification{Valid: true, Amount: proof.Amount, Payer: proof.Payer}, nil
	}

	pending, err := m.store.Get(ctx, proof.Reference)
	if errors.Is(err, ErrPendingNotFound) {
		return rejected("unknown or expired payment reference"), nil
	}
	if err != nil {
		return nil, err
	}
	if proof.Amount < pending.Amount {
		return rejected("insufficient amount"), nil
	}
	if _, err := m.store.Take(ctx, proof.Reference); err != nil {
		if errors.Is(err, ErrPendingNotFound) {
			return rejected("payment reference already used"), nil
		}
		return nil, err
	}
	return &Verification{Valid: true, Amount: proof.Amount, Payer: proof.Payer}, nil
}

// Refund records the refund or returns the scripted failure.
func (m *Mock) Refund(_ context.Context, raw json.RawMessage, amount int64) (*RefundReceipt, error) {
	var proof MockProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refundErr != nil {
		return nil, m.refundErr
	}
	refund := MockRefund{
		TxID:   fmt.Sprintf("mock-refund-%d", len(m.refunds)+1),
		Payer:  proof.Payer,
		Amount: amount,
		At:     time.Now().UTC(),
	}
	m.refunds = append(m.refunds, refund)
	return &RefundReceipt{TxID: refund.TxID, Amount: amount, Payer: proof.Payer}, nil
}

// FailRefunds makes every following refund return err. Nil restores success.
func (m *Mock) FailRefunds(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refundErr = err
}

// Refunds returns the refunds issued so far.
func (m *Mock) Refunds() []MockRefund {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRefund, len(m.refunds))
	copy(out, m.refunds)
	return out
}
