package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
//
// Only structurally invalid values (unparseable durations or numbers, impossible
// bounds) fail at startup. Integration settings such as the service keypair, the
// fee account owner, and the optional database, NATS and Temporal endpoints are
// checked lazily by the component that needs them, so the server can run with a
// subset of integrations configured.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Solana configuration
	SolanaRPCURL string
	SolanaRPCRPS int

	// Service identity used to pay for platform fee account creation.
	// Base58-encoded secret key. Empty means account creation is unavailable.
	ServiceKeypair string

	// Platform fee collection
	FeeAccountOwner string
	FeeBps          int

	// Route quote provider
	JupiterAPIURL   string
	JupiterAPIKey   string
	QuoteCacheTTL   time.Duration
	QuoteMaxSlotLag uint64

	// Confirmation engine
	ConfirmTimeout        time.Duration
	ConfirmPollInitial    time.Duration
	ConfirmPollMax        time.Duration
	ConfirmPollMultiplier float64

	// Optional integrations
	DatabaseURL       string
	NATSURL           string
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates structural fields.
// Returns an error if any value is present but invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Solana configuration
	cfg.SolanaRPCURL = getEnvOrDefault("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	rps, err := parseInt("SOLANA_RPC_RPS", 10)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SolanaRPCRPS = rps
	}

	cfg.ServiceKeypair = os.Getenv("SERVICE_KEYPAIR")

	// Fee configuration
	cfg.FeeAccountOwner = os.Getenv("FEE_ACCOUNT_OWNER")
	feeBps, err := parseInt("FEE_BPS", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.FeeBps = feeBps
	}

	// Quote provider configuration
	cfg.JupiterAPIURL = getEnvOrDefault("JUPITER_API_URL", "https://lite-api.jup.ag/swap/v1")
	cfg.JupiterAPIKey = os.Getenv("JUPITER_API_KEY")

	quoteTTL, err := parseDuration("QUOTE_CACHE_TTL", "2s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.QuoteCacheTTL = quoteTTL
	}

	slotLag, err := parseInt("QUOTE_MAX_SLOT_LAG", 60)
	switch {
	case err != nil:
		errs = append(errs, err)
	case slotLag < 0:
		errs = append(errs, fmt.Errorf("QUOTE_MAX_SLOT_LAG cannot be negative"))
	default:
		cfg.QuoteMaxSlotLag = uint64(slotLag)
	}

	// Confirmation engine configuration
	timeout, err := parseDuration("CONFIRM_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmTimeout = timeout
	}

	pollInitial, err := parseDuration("CONFIRM_POLL_INITIAL", "150ms")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmPollInitial = pollInitial
	}

	pollMax, err := parseDuration("CONFIRM_POLL_MAX", "2s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmPollMax = pollMax
	}

	multiplier, err := parseFloat("CONFIRM_POLL_MULTIPLIER", 1.5)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmPollMultiplier = multiplier
	}

	// Optional integrations
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.TemporalHost = os.Getenv("TEMPORAL_HOST")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "tradedesk-reconcile")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks the structural bounds of the configuration.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.SolanaRPCRPS < 1 {
		errs = append(errs, fmt.Errorf("SolanaRPCRPS must be at least 1"))
	}

	if c.FeeBps < 0 || c.FeeBps > 10000 {
		errs = append(errs, fmt.Errorf("FeeBps must be between 0 and 10000"))
	}

	if c.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be positive"))
	}

	if c.ConfirmPollInitial <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmPollInitial must be positive"))
	}

	if c.ConfirmPollMax < c.ConfirmPollInitial {
		errs = append(errs, fmt.Errorf("ConfirmPollMax (%v) cannot be less than ConfirmPollInitial (%v)",
			c.ConfirmPollMax, c.ConfirmPollInitial))
	}

	if c.ConfirmPollMultiplier < 1 {
		errs = append(errs, fmt.Errorf("ConfirmPollMultiplier must be at least 1"))
	}

	if c.QuoteCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("QuoteCacheTTL cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// FeeEnabled reports whether platform fee collection is configured.
func (c *Config) FeeEnabled() bool {
	return c.FeeAccountOwner != "" && c.FeeBps > 0
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseFloat parses a float from an environment variable or uses a default.
func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}
