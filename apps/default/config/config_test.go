package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() GatewayConfig {
	return GatewayConfig{
		ProtocolDriver:          "whatsmeow",
		BackendWebhookURL:       "http://localhost:8000/api/webhook/whatsapp",
		BackendStatusURL:        "http://localhost:8000/api/webhook/status",
		WebhookSigningSecret:    "secret",
		WebhookTimeoutSec:       15,
		DeliveryMaxAttempts:     3,
		CircuitFailureThreshold: 5,
		DLQReprocessIntervalSec: 300,
		DLQBatchSize:            50,
		ReconnectMaxAttempts:    5,
		ReconnectBaseDelayMs:    2000,
		ReconnectMaxDelayMs:     120000,
		CredentialMaxBytes:      524288,
		DedupTTLSec:             600,
		ChatStateMaxEntries:     1000,
		MediaMaxBytes:           16777216,
		CacheURI:                "redis://localhost:6379",
	}
}

func TestGatewayConfig_ValidatePasses(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestGatewayConfig_ValidateRequiresSecret(t *testing.T) {
	cfg := validConfig()
	cfg.WebhookSigningSecret = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WebhookSigningSecret")
}

func TestGatewayConfig_ValidateRejectsBadURLs(t *testing.T) {
	cfg := validConfig()
	cfg.BackendWebhookURL = "ftp://backend.local/webhook"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BackendWebhookURL")

	cfg = validConfig()
	cfg.BackendStatusURL = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BackendStatusURL")
}

func TestGatewayConfig_ValidateRejectsInvertedBackoff(t *testing.T) {
	cfg := validConfig()
	cfg.ReconnectBaseDelayMs = 5000
	cfg.ReconnectMaxDelayMs = 1000

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReconnectMaxDelayMs")
}

func TestGatewayConfig_ValidateRejectsBadCacheScheme(t *testing.T) {
	cfg := validConfig()
	cfg.CacheURI = "mysql://localhost:3306"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CacheURI")
}

func TestGatewayConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.ProtocolDriver = ""
	cfg.WebhookSigningSecret = ""
	cfg.DLQBatchSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ProtocolDriver")
	assert.Contains(t, err.Error(), "WebhookSigningSecret")
	assert.Contains(t, err.Error(), "DLQBatchSize")
}
