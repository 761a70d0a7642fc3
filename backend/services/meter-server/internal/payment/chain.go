package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ChainConfig configures direct settlement against an Ethereum-compatible node.
type ChainConfig struct {
	RPCURL           string
	ChainID          int64
	Recipient        string
	Currency         string
	MinConfirmations int64
	QuoteTTL         time.Duration
	// UsedProofTTL bounds how long accepted transaction hashes are remembered.
	UsedProofTTL time.Duration
	Timeout      time.Duration
	Store        PendingStore
	HTTPClient   HTTPDoer
}

// ChainProof is the proof format understood by Chain.
type ChainProof struct {
	TxHash    string `json:"txHash"`
	Reference string `json:"reference"`
}

// Chain verifies native transfers to the merchant address and refunds from it. The node
// must manage the merchant account (eth_sendTransaction).
type Chain struct {
	cfg   ChainConfig
	rpc   *rpcClient
	store PendingStore
}

// NewChain validates cfg and builds the backend.
func NewChain(cfg ChainConfig) (*Chain, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.RPCURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: rpc url %q must be an http(s) url", ErrConfiguration, cfg.RPCURL)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("%w: chain id must be positive", ErrConfiguration)
	}
	if err := ValidateAddress(cfg.Recipient); err != nil {
		return nil, fmt.Errorf("%w: recipient: %v", ErrConfiguration, err)
	}
	if cfg.MinConfirmations < 0 {
		return nil, fmt.Errorf("%w: min confirmations must not be negative", ErrConfiguration)
	}
	if cfg.Currency == "" {
		cfg.Currency = "wei"
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 15 * time.Minute
	}
	if cfg.UsedProofTTL <= 0 {
		cfg.UsedProofTTL = 7 * 24 * time.Hour
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryPendingStore()
	}
	return &Chain{
		cfg:   cfg,
		rpc:   &rpcClient{http: newBaseClient(parsed.String(), cfg.HTTPClient, cfg.Timeout)},
		store: store,
	}, nil
}

// Quote reserves amount and returns transfer instructions.
func (c *Chain) Quote(ctx context.Context, amount int64) (*Quote, error) {
	if amount < 0 {
		return nil, fmt.Errorf("payment: negative quote amount %d", amount)
	}
	pending := PendingPayment{
		Reference: newReference(),
		Amount:    amount,
		ExpiresAt: time.Now().UTC().Add(c.cfg.QuoteTTL),
	}
	if err := c.store.Put(ctx, pending); err != nil {
		return nil, err
	}
	return &Quote{
		Reference: pending.Reference,
		Amount:    amount,
		Currency:  c.cfg.Currency,
		Recipient: ChecksumAddress(c.cfg.Recipient),
		Network:   fmt.Sprintf("eip155:%d", c.cfg.ChainID),
		ExpiresAt: pending.ExpiresAt,
		Extra: map[string]any{
			"chainId":          c.cfg.ChainID,
			"valueHex":         formatQuantity(amount),
			"minConfirmations": c.cfg.MinConfirmations,
		},
	}, nil
}

// Verify checks the referenced transaction on chain. RPC failures are returned as errors.
func (c *Chain) Verify(ctx context.Context, raw json.RawMessage) (*Verification, error) {
	var proof ChainProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return rejected("malformed proof"), nil
	}
	if !txHashPattern.MatchString(proof.TxHash) {
		return rejected("malformed transaction hash"), nil
	}

	pending, err := c.store.Get(ctx, proof.Reference)
	if errors.Is(err, ErrPendingNotFound) {
		return rejected("unknown or expired payment reference"), nil
	}
	if err != nil {
		return nil, err
	}

	var tx *rpcTransaction
	if err := c.rpc.call(ctx, "eth_getTransactionByHash", &tx, proof.TxHash); err != nil {
		return nil, err
	}
	if tx == nil {
		return rejected("transaction not found"), nil
	}
	if !sameAddress(tx.To, c.cfg.Recipient) {
		return rejected("transaction recipient mismatch"), nil
	}

	var receipt *rpcReceipt
	if err := c.rpc.call(ctx, "eth_getTransactionReceipt", &receipt, proof.TxHash); err != nil {
		return nil, err
	}
	if receipt == nil {
		return rejected("transaction not yet mined"), nil
	}
	if receipt.Status != "0x1" {
		return rejected("transaction reverted"), nil
	}

	if c.cfg.MinConfirmations > 0 {
		ok, err := c.confirmed(ctx, receipt.BlockNumber)
		if err != nil {
			return nil, err
		}
		if !ok {
			return rejected("insufficient confirmations"), nil
		}
	}

	amount, err := parseAmount(tx.Value)
	if err != nil {
		return rejected(fmt.Sprintf("invalid transaction value: %v", err)), nil
	}
	if amount < pending.Amount {
		return rejected("insufficient amount"), nil
	}

	fresh, err := c.store.MarkUsed(ctx, "tx:"+strings.ToLower(proof.TxHash), c.cfg.UsedProofTTL)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return rejected("transaction already used"), nil
	}
	if _, err := c.store.Take(ctx, proof.Reference); err != nil {
		if errors.Is(err, ErrPendingNotFound) {
			return rejected("payment reference already used"), nil
		}
		return nil, err
	}

	return &Verification{Valid: true, Amount: amount, Payer: tx.From}, nil
}

func (c *Chain) confirmed(ctx context.Context, blockHex string) (bool, error) {
	block, err := parseQuantity(blockHex)
	if err != nil {
		return false, err
	}
	var headHex string
	if err := c.rpc.call(ctx, "eth_blockNumber", &headHex); err != nil {
		return false, err
	}
	head, err := parseQuantity(headHex)
	if err != nil {
		return false, err
	}
	depth := head.Int64() - block.Int64() + 1
	return depth >= c.cfg.MinConfirmations, nil
}

// Refund sends amount back to the sender of the proof transaction.
func (c *Chain) Refund(ctx context.Context, raw json.RawMessage, amount int64) (*RefundReceipt, error) {
	var proof ChainProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if !txHashPattern.MatchString(proof.TxHash) {
		return nil, fmt.Errorf("%w: transaction hash %q", ErrMalformedProof, proof.TxHash)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("payment: refund amount must be positive, got %d", amount)
	}

	var tx *rpcTransaction
	if err := c.rpc.call(ctx, "eth_getTransactionByHash", &tx, proof.TxHash); err != nil {
		return nil, err
	}
	if tx == nil || tx.From == "" {
		return nil, fmt.Errorf("payment: payer of %s not found", proof.TxHash)
	}

	send := map[string]string{
		"from":  ChecksumAddress(c.cfg.Recipient),
		"to":    tx.From,
		"value": formatQuantity(amount),
	}
	var refundHash string
	if err := c.rpc.call(ctx, "eth_sendTransaction", &refundHash, send); err != nil {
		return nil, err
	}
	return &RefundReceipt{TxID: refundHash, Amount: amount, Payer: tx.From}, nil
}
