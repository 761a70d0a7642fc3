// Package schema builds the pricing document a client needs before it connects.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"meterpay/backend/services/meter-server/internal/payment"
)

const (
	Protocol = "meterpay-ws"
	Version  = "1.0"
)

// ErrInvalidRequest is returned for unusable schema parameters.
var ErrInvalidRequest = errors.New("schema: invalid request")

// Config carries the pricing the lifecycle will apply.
type Config struct {
	Endpoint       string
	PricePerSecond int64
	ResourcePrices map[string]int64
	// PriceFor, when set, is the metering price source and replaces the two fields above.
	PriceFor           func(resourceID string) int64
	Currency           string
	MaxSessionDuration time.Duration
}

// Schema is the upfront pricing and payment-instruction document.
type Schema struct {
	Protocol           string         `json:"protocol"`
	Version            string         `json:"version"`
	ResourceID         string         `json:"resourceId"`
	Endpoint           string         `json:"endpoint"`
	Pricing            Pricing        `json:"pricing"`
	PaymentDetails     *payment.Quote `json:"paymentDetails"`
	MaxSessionDuration int64          `json:"maxSessionDuration"`
}

// Pricing is the price block of a Schema.
type Pricing struct {
	PricePerSecond    int64  `json:"pricePerSecond"`
	Currency          string `json:"currency"`
	EstimatedDuration int64  `json:"estimatedDuration"`
	TotalPrice        int64  `json:"totalPrice"`
}

// Generator builds schemas. It never touches sessions.
type Generator struct {
	cfg     Config
	backend payment.Backend
}

// NewGenerator builds a generator quoting through backend.
func NewGenerator(cfg Config, backend payment.Backend) *Generator {
	if cfg.Currency == "" {
		cfg.Currency = "wei"
	}
	return &Generator{cfg: cfg, backend: backend}
}

// Generate prices estimatedSeconds of resourceID and asks the backend for payment
// instructions covering the total. override replaces the configured price when set; it is
// for server-side callers only, since sessions always meter at the configured price.
func (g *Generator) Generate(ctx context.Context, resourceID string, estimatedSeconds int64, override *int64) (*Schema, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, fmt.Errorf("%w: resource id is required", ErrInvalidRequest)
	}
	if estimatedSeconds <= 0 {
		return nil, fmt.Errorf("%w: estimated duration must be positive", ErrInvalidRequest)
	}

	price := g.priceFor(resourceID)
	if override != nil {
		if *override < 0 {
			return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidRequest)
		}
		price = *override
	}
	total := price * estimatedSeconds
	if price != 0 && total/price != estimatedSeconds {
		return nil, fmt.Errorf("%w: total price overflows", ErrInvalidRequest)
	}

	quote, err := g.backend.Quote(ctx, total)
	if err != nil {
		return nil, fmt.Errorf("schema: quote %d: %w", total, err)
	}

	return &Schema{
		Protocol:   Protocol,
		Version:    Version,
		ResourceID: resourceID,
		Endpoint:   g.cfg.Endpoint,
		Pricing: Pricing{
			PricePerSecond:    price,
			Currency:          g.cfg.Currency,
			EstimatedDuration: estimatedSeconds,
			TotalPrice:        total,
		},
		PaymentDetails:     quote,
		MaxSessionDuration: int64(g.cfg.MaxSessionDuration / time.Second),
	}, nil
}

func (g *Generator) priceFor(resourceID string) int64 {
	if g.cfg.PriceFor != nil {
		return g.cfg.PriceFor(resourceID)
	}
	if price, ok := g.cfg.ResourcePrices[resourceID]; ok && price > 0 {
		return price
	}
	return g.cfg.PricePerSecond
}
