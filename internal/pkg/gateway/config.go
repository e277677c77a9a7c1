package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/PaySync/internal/pkg/env"
)

const (
	ModeTest = "test"
	ModeLive = "live"

	defaultTestAPIBaseURL = "https://sandbox-api.payuni.com.tw"
	defaultLiveAPIBaseURL = "https://api.payuni.com.tw"

	// DefaultTimeout bounds every outbound gateway call.
	DefaultTimeout = 60 * time.Second

	apiVersion = "1.0"
)

// Config holds the merchant credentials and endpoints for one gateway environment.
type Config struct {
	MerchantID    string        `validate:"required,max=20"`
	HashKey       string        `validate:"required,len=32"`
	HashIV        string        `validate:"required,len=16"`
	Mode          string        `validate:"required,oneof=test live"`
	APIBaseURL    string        `validate:"required,url"`
	PublicBaseURL string        `validate:"required,url"`
	Timeout       time.Duration `validate:"gte=0"`
}

// ConfigFromEnv reads GATEWAY_* variables and validates the result.
func ConfigFromEnv() (Config, error) {
	mode := strings.ToLower(strings.TrimSpace(env.GetEnv("GATEWAY_MODE", ModeTest)))
	apiBase := defaultTestAPIBaseURL
	if mode == ModeLive {
		apiBase = defaultLiveAPIBaseURL
	}

	timeout := DefaultTimeout
	if raw := strings.TrimSpace(env.GetEnv("GATEWAY_TIMEOUT_SECONDS", "")); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GATEWAY_TIMEOUT_SECONDS: %w", err)
		}
		timeout = time.Duration(secs) * time.Second
	}

	cfg := Config{
		MerchantID:    strings.TrimSpace(env.GetEnv("GATEWAY_MERCHANT_ID", "")),
		HashKey:       strings.TrimSpace(env.GetEnv("GATEWAY_HASH_KEY", "")),
		HashIV:        strings.TrimSpace(env.GetEnv("GATEWAY_HASH_IV", "")),
		Mode:          mode,
		APIBaseURL:    strings.TrimRight(strings.TrimSpace(env.GetEnv("GATEWAY_API_BASE_URL", apiBase)), "/"),
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(env.GetEnv("PUBLIC_DOMAIN", "")), "/"),
		Timeout:       timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid gateway config: %w", err)
	}
	return nil
}

// IsLive reports whether charges hit the production environment.
func (c Config) IsLive() bool {
	return c.Mode == ModeLive
}

// Codec returns the payload codec for this merchant.
func (c Config) Codec() *Codec {
	return NewCodec(c.HashKey, c.HashIV)
}
