package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"SERVER_ADDR", "LOG_LEVEL",
	"SOLANA_RPC_URL", "SOLANA_RPC_RPS",
	"SERVICE_KEYPAIR", "FEE_ACCOUNT_OWNER", "FEE_BPS",
	"JUPITER_API_URL", "JUPITER_API_KEY", "QUOTE_CACHE_TTL", "QUOTE_MAX_SLOT_LAG",
	"CONFIRM_TIMEOUT", "CONFIRM_POLL_INITIAL", "CONFIRM_POLL_MAX", "CONFIRM_POLL_MULTIPLIER",
	"DATABASE_URL", "NATS_URL", "TEMPORAL_HOST", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE",
}

func cleanupEnv() {
	for _, key := range envKeys {
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cleanupEnv()
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://api.mainnet-beta.solana.com", cfg.SolanaRPCURL)
	assert.Equal(t, 10, cfg.SolanaRPCRPS)
	assert.Equal(t, 30*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, 150*time.Millisecond, cfg.ConfirmPollInitial)
	assert.Equal(t, 2*time.Second, cfg.ConfirmPollMax)
	assert.Equal(t, 1.5, cfg.ConfirmPollMultiplier)
	assert.Equal(t, 2*time.Second, cfg.QuoteCacheTTL)
	assert.Equal(t, uint64(60), cfg.QuoteMaxSlotLag)
	assert.Equal(t, "default", cfg.TemporalNamespace)
	assert.Equal(t, "tradedesk-reconcile", cfg.TemporalTaskQueue)
	assert.False(t, cfg.FeeEnabled())
}

func TestLoad_MissingSecretsDoNotFailStartup(t *testing.T) {
	cleanupEnv()
	defer cleanupEnv()

	// Integration secrets are validated when used, not at startup.
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.ServiceKeypair)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.TemporalHost)
}

func TestLoad_CustomValues(t *testing.T) {
	cleanupEnv()
	defer cleanupEnv()

	os.Setenv("SERVER_ADDR", ":9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("SOLANA_RPC_URL", "https://mainnet.helius-rpc.com/?api-key=k")
	os.Setenv("SOLANA_RPC_RPS", "25")
	os.Setenv("FEE_ACCOUNT_OWNER", "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")
	os.Setenv("FEE_BPS", "50")
	os.Setenv("CONFIRM_TIMEOUT", "45s")
	os.Setenv("CONFIRM_POLL_INITIAL", "200ms")
	os.Setenv("CONFIRM_POLL_MAX", "1s")
	os.Setenv("CONFIRM_POLL_MULTIPLIER", "2")
	os.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 25, cfg.SolanaRPCRPS)
	assert.Equal(t, 50, cfg.FeeBps)
	assert.True(t, cfg.FeeEnabled())
	assert.Equal(t, 45*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.ConfirmPollInitial)
	assert.Equal(t, time.Second, cfg.ConfirmPollMax)
	assert.Equal(t, 2.0, cfg.ConfirmPollMultiplier)
	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		contains string
	}{
		{
			name:     "invalid timeout",
			env:      map[string]string{"CONFIRM_TIMEOUT": "soon"},
			contains: "invalid duration",
		},
		{
			name:     "invalid rps",
			env:      map[string]string{"SOLANA_RPC_RPS": "fast"},
			contains: "invalid integer",
		},
		{
			name:     "invalid multiplier",
			env:      map[string]string{"CONFIRM_POLL_MULTIPLIER": "x"},
			contains: "invalid number",
		},
		{
			name:     "poll max below initial",
			env:      map[string]string{"CONFIRM_POLL_INITIAL": "3s", "CONFIRM_POLL_MAX": "1s"},
			contains: "cannot be less than",
		},
		{
			name:     "fee bps out of range",
			env:      map[string]string{"FEE_BPS": "20000"},
			contains: "FeeBps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanupEnv()
			defer cleanupEnv()
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		SolanaRPCURL:          "https://api.devnet.solana.com",
		SolanaRPCRPS:          5,
		ConfirmTimeout:        time.Second,
		ConfirmPollInitial:    100 * time.Millisecond,
		ConfirmPollMax:        time.Second,
		ConfirmPollMultiplier: 1.5,
	}
	assert.NoError(t, valid.Validate())

	missingRPC := valid
	missingRPC.SolanaRPCURL = ""
	err := missingRPC.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SolanaRPCURL is required")

	zeroTimeout := valid
	zeroTimeout.ConfirmTimeout = 0
	err = zeroTimeout.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ConfirmTimeout must be positive")
}
