package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/frame/config"
)

type GatewayConfig struct {
	config.ConfigurationDefault

	// Protocol driver providing the messaging-network sockets
	ProtocolDriver string `envDefault:"whatsmeow" env:"PROTOCOL_DRIVER"`

	// Downstream backend endpoints - both receive signed requests
	BackendWebhookURL string `envDefault:"http://localhost:8000/api/webhook/whatsapp" env:"BACKEND_WEBHOOK_URL"`
	BackendStatusURL  string `envDefault:"http://localhost:8000/api/webhook/status"   env:"BACKEND_STATUS_URL"`

	// Webhook signing and delivery
	WebhookSigningSecret string `envDefault:""     env:"WEBHOOK_SIGNING_SECRET"`
	WebhookTimeoutSec    int    `envDefault:"15"   env:"WEBHOOK_TIMEOUT_SEC"`
	DeliveryMaxAttempts  int    `envDefault:"3"    env:"DELIVERY_MAX_ATTEMPTS"`
	DeliveryBackoffMs    int    `envDefault:"500"  env:"DELIVERY_BACKOFF_MS"`

	// Circuit breaker, shared by delivery and status notifications
	CircuitFailureThreshold  int `envDefault:"5"  env:"CIRCUIT_FAILURE_THRESHOLD"`
	CircuitCooldownSec       int `envDefault:"30" env:"CIRCUIT_COOLDOWN_SEC"`
	CircuitHalfOpenSuccesses int `envDefault:"2"  env:"CIRCUIT_HALF_OPEN_SUCCESSES"`

	// Dead-letter queue reprocessing
	DLQReprocessIntervalSec int `envDefault:"300" env:"DLQ_REPROCESS_INTERVAL_SEC"`
	DLQMaxRetries           int `envDefault:"5"   env:"DLQ_MAX_RETRIES"`
	DLQBatchSize            int `envDefault:"50"  env:"DLQ_BATCH_SIZE"`

	// Session lifecycle
	ReconnectMaxAttempts   int `envDefault:"5"     env:"RECONNECT_MAX_ATTEMPTS"`
	ReconnectBaseDelayMs   int `envDefault:"2000"  env:"RECONNECT_BASE_DELAY_MS"`
	ReconnectMaxDelayMs    int `envDefault:"120000" env:"RECONNECT_MAX_DELAY_MS"`
	RateLimitCooldownSec   int `envDefault:"60"    env:"RATE_LIMIT_COOLDOWN_SEC"`
	SessionStartTimeoutSec int `envDefault:"30"    env:"SESSION_START_TIMEOUT_SEC"`

	// Credential persistence
	CredentialMaxBytes        int `envDefault:"524288" env:"CREDENTIAL_MAX_BYTES"`
	CredentialFlushDebounceMs int `envDefault:"1000"   env:"CREDENTIAL_FLUSH_DEBOUNCE_MS"`

	// Inbound message intake
	MessageFreshnessSec  int `envDefault:"300"   env:"MESSAGE_FRESHNESS_SEC"`
	DedupTTLSec          int `envDefault:"600"   env:"DEDUP_TTL_SEC"`
	DedupSweepSec        int `envDefault:"60"    env:"DEDUP_SWEEP_SEC"`
	ChatStateMaxEntries  int `envDefault:"1000"  env:"CHAT_STATE_MAX_ENTRIES"`
	ChatStateMaxAgeSec   int `envDefault:"86400" env:"CHAT_STATE_MAX_AGE_SEC"`
	HumanSupportPauseSec int `envDefault:"1800"  env:"HUMAN_SUPPORT_PAUSE_SEC"`

	// Media forwarding limits
	MediaMaxBytes           int64 `envDefault:"16777216" env:"MEDIA_MAX_BYTES"`
	MediaDownloadTimeoutSec int   `envDefault:"30"       env:"MEDIA_DOWNLOAD_TIMEOUT_SEC"`

	// Cache configuration (Redis or similar) used as the fast credential tier
	CacheName            string `envDefault:"defaultCache"           env:"CACHE_NAME"`
	CacheURI             string `envDefault:"redis://localhost:6379" env:"CACHE_URI"`
	CacheCredentialsFile string `envDefault:""                       env:"CACHE_CREDENTIALS_FILE"`
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *GatewayConfig) Validate() error {
	var errs []error

	if c.ProtocolDriver == "" {
		errs = append(errs, errors.New("ProtocolDriver cannot be empty"))
	}

	if err := validateHTTPURL(c.BackendWebhookURL, "BackendWebhookURL"); err != nil {
		errs = append(errs, err)
	}
	if err := validateHTTPURL(c.BackendStatusURL, "BackendStatusURL"); err != nil {
		errs = append(errs, err)
	}

	if c.WebhookSigningSecret == "" {
		errs = append(errs, errors.New("WebhookSigningSecret cannot be empty"))
	}

	if c.WebhookTimeoutSec <= 0 {
		errs = append(errs, errors.New("WebhookTimeoutSec must be > 0"))
	}

	if c.DeliveryMaxAttempts < 1 {
		errs = append(errs, errors.New("DeliveryMaxAttempts must be >= 1"))
	}

	if c.CircuitFailureThreshold < 1 {
		errs = append(errs, errors.New("CircuitFailureThreshold must be >= 1"))
	}

	if c.DLQReprocessIntervalSec <= 0 {
		errs = append(errs, errors.New("DLQReprocessIntervalSec must be > 0"))
	}

	if c.DLQBatchSize <= 0 {
		errs = append(errs, errors.New("DLQBatchSize must be > 0"))
	}

	if c.ReconnectMaxAttempts < 1 {
		errs = append(errs, errors.New("ReconnectMaxAttempts must be >= 1"))
	}

	if c.ReconnectBaseDelayMs <= 0 {
		errs = append(errs, errors.New("ReconnectBaseDelayMs must be > 0"))
	}

	if c.ReconnectMaxDelayMs < c.ReconnectBaseDelayMs {
		errs = append(errs, fmt.Errorf("ReconnectMaxDelayMs (%d) must be >= ReconnectBaseDelayMs (%d)",
			c.ReconnectMaxDelayMs, c.ReconnectBaseDelayMs))
	}

	if c.CredentialMaxBytes <= 0 {
		errs = append(errs, errors.New("CredentialMaxBytes must be > 0"))
	}

	if c.DedupTTLSec <= 0 {
		errs = append(errs, errors.New("DedupTTLSec must be > 0"))
	}

	if c.ChatStateMaxEntries <= 0 {
		errs = append(errs, errors.New("ChatStateMaxEntries must be > 0"))
	}

	if c.MediaMaxBytes <= 0 {
		errs = append(errs, errors.New("MediaMaxBytes must be > 0"))
	}

	if err := validateCacheURI(c.CacheURI, "CacheURI"); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// validateHTTPURL checks that an endpoint URL has an http(s) scheme.
func validateHTTPURL(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return fmt.Errorf("%s must be an http(s) URL: %s", name, uri)
	}

	return nil
}

// validateCacheURI checks that a cache URI has a valid scheme.
func validateCacheURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"redis://", "nats://", "mem://", "memory://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}
