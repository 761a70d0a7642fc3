package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// GatewayConfig configures delegation to a hosted payment gateway.
type GatewayConfig struct {
	BaseURL    string
	APIKey     string
	Currency   string
	Timeout    time.Duration
	HTTPClient HTTPDoer
}

// Gateway forwards quote, verify, and refund calls to a payment gateway over HTTPS.
type Gateway struct {
	cfg    GatewayConfig
	client *baseClient
}

type gatewayQuoteRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type gatewayVerifyRequest struct {
	Proof json.RawMessage `json:"proof"`
}

type gatewayRefundRequest struct {
	Proof  json.RawMessage `json:"proof"`
	Amount int64           `json:"amount"`
}

// NewGateway validates cfg and builds the backend.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: gateway url %q must be an http(s) url", ErrConfiguration, cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: gateway api key is required", ErrConfiguration)
	}
	if cfg.Currency == "" {
		cfg.Currency = "wei"
	}
	client := newBaseClient(parsed.String(), cfg.HTTPClient, cfg.Timeout)
	client.headers["Authorization"] = "Bearer " + cfg.APIKey
	return &Gateway{cfg: cfg, client: client}, nil
}

// Quote asks the gateway for payment instructions.
func (g *Gateway) Quote(ctx context.Context, amount int64) (*Quote, error) {
	if amount < 0 {
		return nil, fmt.Errorf("payment: negative quote amount %d", amount)
	}
	var quote Quote
	if err := g.client.postJSON(ctx, "/quote", gatewayQuoteRequest{Amount: amount, Currency: g.cfg.Currency}, &quote); err != nil {
		return nil, err
	}
	if quote.Amount == 0 {
		quote.Amount = amount
	}
	if quote.Currency == "" {
		quote.Currency = g.cfg.Currency
	}
	return &quote, nil
}

// Verify delegates proof checking to the gateway.
func (g *Gateway) Verify(ctx context.Context, proof json.RawMessage) (*Verification, error) {
	var result Verification
	if err := g.client.postJSON(ctx, "/verify", gatewayVerifyRequest{Proof: proof}, &result); err != nil {
		return nil, err
	}
	if !result.Valid && result.Reason == "" {
		result.Reason = "payment not accepted by gateway"
	}
	return &result, nil
}

// Refund asks the gateway to return amount to the payer of proof.
func (g *Gateway) Refund(ctx context.Context, proof json.RawMessage, amount int64) (*RefundReceipt, error) {
	var receipt RefundReceipt
	if err := g.client.postJSON(ctx, "/refund", gatewayRefundRequest{Proof: proof, Amount: amount}, &receipt); err != nil {
		return nil, err
	}
	if receipt.Amount == 0 {
		receipt.Amount = amount
	}
	return &receipt, nil
}
