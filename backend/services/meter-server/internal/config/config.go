package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	libconfig "meterpay/backend/libs/config"
	"meterpay/backend/services/meter-server/internal/payment"
)

// Payment backends.
const (
	BackendMock    = "mock"
	BackendChain   = "chain"
	BackendGateway = "gateway"
)

// ErrConfiguration wraps every invalid setting reported by Load.
var ErrConfiguration = errors.New("config: invalid configuration")

// Config defines meter server configuration.
type Config struct {
	HTTP struct {
		Port           string `yaml:"port" env:"METER_HTTP_PORT" validate:"required"`
		PublicEndpoint string `yaml:"publicEndpoint" env:"METER_PUBLIC_ENDPOINT"`
		AdminToken     string `yaml:"adminToken" env:"METER_ADMIN_TOKEN"`
	} `yaml:"http"`
	WebSocket struct {
		PingInterval time.Duration `yaml:"pingInterval" env:"METER_WS_PING_INTERVAL" validate:"gt=0"`
		WriteTimeout time.Duration `yaml:"writeTimeout" env:"METER_WS_WRITE_TIMEOUT" validate:"gt=0"`
	} `yaml:"websocket"`
	Metering struct {
		UpdateInterval     time.Duration    `yaml:"updateInterval" env:"METER_UPDATE_INTERVAL" validate:"gt=0"`
		PricePerSecond     int64            `yaml:"pricePerSecond" env:"METER_PRICE_PER_SECOND" validate:"gte=0"`
		ResourcePrices     map[string]int64 `yaml:"resourcePrices" env:"METER_RESOURCE_PRICES" validate:"dive,gt=0"`
		Currency           string           `yaml:"currency" env:"METER_CURRENCY" validate:"required"`
		MaxSessionDuration time.Duration    `yaml:"maxSessionDuration" env:"METER_MAX_SESSION_DURATION" validate:"gt=0"`
		ProofTimeout       time.Duration    `yaml:"proofTimeout" env:"METER_PROOF_TIMEOUT" validate:"gt=0"`
		VerifyTimeout      time.Duration    `yaml:"verifyTimeout" env:"METER_VERIFY_TIMEOUT" validate:"gt=0"`
		RefundTimeout      time.Duration    `yaml:"refundTimeout" env:"METER_REFUND_TIMEOUT" validate:"gt=0"`
	} `yaml:"metering"`
	Payment struct {
		Backend  string        `yaml:"backend" env:"METER_PAYMENT_BACKEND" validate:"oneof=mock chain gateway"`
		QuoteTTL time.Duration `yaml:"quoteTtl" env:"METER_PAYMENT_QUOTE_TTL" validate:"gte=0"`
		Mock     struct {
			Recipient      string `yaml:"recipient" env:"METER_MOCK_RECIPIENT"`
			AcceptUnquoted bool   `yaml:"acceptUnquoted" env:"METER_MOCK_ACCEPT_UNQUOTED"`
		} `yaml:"mock"`
		Chain struct {
			RPCURL           string `yaml:"rpcUrl" env:"METER_CHAIN_RPC_URL" validate:"required_if=Enabled true,omitempty,url"`
			ChainID          int64  `yaml:"chainId" env:"METER_CHAIN_ID" validate:"required_if=Enabled true,gte=0"`
			Recipient        string `yaml:"recipient" env:"METER_CHAIN_RECIPIENT" validate:"required_if=Enabled true,omitempty,eth_addr"`
			MinConfirmations int64  `yaml:"minConfirmations" env:"METER_CHAIN_MIN_CONFIRMATIONS" validate:"gte=0"`
			Enabled          bool   `yaml:"-" env:"-"`
		} `yaml:"chain"`
		Gateway struct {
			BaseURL string `yaml:"baseUrl" env:"METER_GATEWAY_URL" validate:"required_if=Enabled true,omitempty,url"`
			APIKey  string `yaml:"apiKey" env:"METER_GATEWAY_API_KEY" validate:"required_if=Enabled true"`
			Enabled bool   `yaml:"-" env:"-"`
		} `yaml:"gateway"`
	} `yaml:"payment"`
	Database struct {
		DSN string `yaml:"dsn" env:"METER_POSTGRES_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr      string        `yaml:"addr" env:"METER_REDIS_ADDR"`
		Password  string        `yaml:"password" env:"METER_REDIS_PASSWORD"`
		DB        int           `yaml:"db" env:"METER_REDIS_DB" validate:"gte=0"`
		Prefix    string        `yaml:"prefix" env:"METER_REDIS_PREFIX"`
		MirrorTTL time.Duration `yaml:"mirrorTtl" env:"METER_REDIS_MIRROR_TTL" validate:"gte=0"`
	} `yaml:"redis"`
	Access struct {
		TokenSecret  string `yaml:"tokenSecret" env:"METER_ACCESS_TOKEN_SECRET" validate:"omitempty,min=16"`
		Issuer       string `yaml:"issuer" env:"METER_ACCESS_TOKEN_ISSUER"`
		ResourcesDir string `yaml:"resourcesDir" env:"METER_RESOURCES_DIR"`
	} `yaml:"access"`
	InstanceID string `yaml:"instanceId" env:"METER_INSTANCE_ID"`
}

// Default returns a configuration that runs a self-contained mock deployment.
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Port = "8081"
	cfg.WebSocket.PingInterval = 30 * time.Second
	cfg.WebSocket.WriteTimeout = 15 * time.Second
	cfg.Metering.UpdateInterval = 3 * time.Second
	cfg.Metering.PricePerSecond = 1
	cfg.Metering.Currency = "wei"
	cfg.Metering.MaxSessionDuration = time.Hour
	cfg.Metering.ProofTimeout = 30 * time.Second
	cfg.Metering.VerifyTimeout = 15 * time.Second
	cfg.Metering.RefundTimeout = 30 * time.Second
	cfg.Payment.Backend = BackendMock
	cfg.Payment.QuoteTTL = 15 * time.Minute
	cfg.Payment.Chain.MinConfirmations = 1
	cfg.Redis.Prefix = "meterpay"
	cfg.Access.Issuer = "meterpay"
	return cfg
}

// Load uses shared config loader and validates the result.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	c.Payment.Backend = strings.ToLower(strings.TrimSpace(c.Payment.Backend))
	c.Payment.Chain.Enabled = c.Payment.Backend == BackendChain
	c.Payment.Gateway.Enabled = c.Payment.Backend == BackendGateway

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	if c.Payment.Chain.Enabled {
		if c.Payment.Chain.ChainID <= 0 {
			return fmt.Errorf("%w: payment.chain.chainId must be positive", ErrConfiguration)
		}
		if err := payment.ValidateAddress(c.Payment.Chain.Recipient); err != nil {
			return fmt.Errorf("%w: payment.chain.recipient: %v", ErrConfiguration, err)
		}
	}
	if c.Access.ResourcesDir != "" && c.Access.TokenSecret == "" {
		return fmt.Errorf("%w: access.resourcesDir requires access.tokenSecret", ErrConfiguration)
	}
	return nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8081"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// Endpoint returns the websocket URL advertised in schemas.
func (c *Config) Endpoint() string {
	if ep := strings.TrimSpace(c.HTTP.PublicEndpoint); ep != "" {
		return ep
	}
	return fmt.Sprintf("ws://localhost%s/ws", c.HTTPAddress())
}

// MirrorTTL bounds how long a mirrored session survives a crashed instance.
func (c *Config) MirrorTTL() time.Duration {
	if c.Redis.MirrorTTL > 0 {
		return c.Redis.MirrorTTL
	}
	return c.Metering.MaxSessionDuration + time.Minute
}
