package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/models"
	"github.com/antinvestor/service-wagateway/apps/default/service/waproto"
	"github.com/antinvestor/service-wagateway/internal/resilience"
	"github.com/antinvestor/service-wagateway/internal/telemetry"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"
)

// DeadLetterStore is the durable parking lot for failed deliveries.
// Satisfied by repository.DeadLetterRepository.
type DeadLetterStore interface {
	Create(ctx context.Context, record *models.DeadLetterRecord) error
	Delete(ctx context.Context, id string) error
	GetDueForRetry(ctx context.Context, maxRetries int32, now time.Time, limit int) ([]*models.DeadLetterRecord, error)
	RecordAttempt(ctx context.Context, id string, errMsg string, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
}

// permanentStatusError marks a response that must not be retried.
type permanentStatusError struct {
	status int
}

func (e *permanentStatusError) Error() string {
	return fmt.Sprintf("webhook rejected delivery with status %d", e.status)
}

// PipelineConfig tunes the forwarding behavior.
type PipelineConfig struct {
	WebhookURL       string
	Timeout          time.Duration
	MaxAttempts      int
	BaseBackoff      time.Duration
	DLQRetryInterval time.Duration
}

func (c *PipelineConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.DLQRetryInterval <= 0 {
		c.DLQRetryInterval = 5 * time.Minute
	}
}

// Pipeline forwards messages to the downstream webhook: build the multipart
// payload, sign it, send through the destination's circuit breaker with
// bounded retries, and park the message durably when everything fails.
type Pipeline struct {
	client   *http.Client
	signer   *Signer
	builder  *PayloadBuilder
	breakers *resilience.Registry
	dlq      DeadLetterStore
	cfg      PipelineConfig
	origin   string
}

// NewPipeline assembles the delivery pipeline. dlq may be nil, in which case
// exhausted deliveries are only logged.
func NewPipeline(
	signer *Signer,
	builder *PayloadBuilder,
	breakers *resilience.Registry,
	dlq DeadLetterStore,
	cfg PipelineConfig,
) *Pipeline {
	cfg.applyDefaults()

	return &Pipeline{
		client:   &http.Client{Timeout: cfg.Timeout},
		signer:   signer,
		builder:  builder,
		breakers: breakers,
		dlq:      dlq,
		cfg:      cfg,
		origin:   originOf(cfg.WebhookURL),
	}
}

// Forward delivers one message downstream. A delivery that exhausts its
// retries or hits an open breaker is persisted to the dead-letter queue; the
// returned error then describes the original failure.
func (p *Pipeline) Forward(
	ctx context.Context,
	storeID string,
	msg *waproto.Message,
	socket waproto.Socket,
) error {
	ctx, span := telemetry.DeliveryTracer.Start(ctx, "Pipeline.Forward")
	var err error
	defer func() {
		telemetry.DeliveryTracer.End(ctx, span, err)
	}()

	err = p.Deliver(ctx, storeID, msg, socket)
	if err == nil {
		return nil
	}

	telemetry.DeliveriesFailedCounter.Add(ctx, 1)
	p.deadLetter(ctx, storeID, msg, err)
	return err
}

// Deliver runs the build/sign/send path without the dead-letter fallback.
// The reprocessor uses this directly so a failed replay never spawns a
// second record.
func (p *Pipeline) Deliver(
	ctx context.Context,
	storeID string,
	msg *waproto.Message,
	socket waproto.Socket,
) error {
	body, contentType, err := p.builder.Build(ctx, storeID, msg, socket)
	if err != nil {
		return fmt.Errorf("building webhook payload: %w", err)
	}

	started := time.Now()
	err = p.breakers.Execute(p.origin, func() error {
		return p.send(ctx, body, contentType)
	})
	if err != nil {
		return err
	}

	telemetry.DeliveriesForwardedCounter.Add(ctx, 1)
	telemetry.DeliveryLatencyHistogram.Record(ctx, float64(time.Since(started).Milliseconds()))
	return nil
}

// send posts the payload with bounded retries. Only network errors and 5xx
// responses retry; a 4xx is permanent for the whole attempt chain.
func (p *Pipeline) send(ctx context.Context, body []byte, contentType string) error {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.retryDelay(attempt)):
			}
		}

		lastErr = p.post(ctx, body, contentType)
		if lastErr == nil {
			return nil
		}

		var permanent *permanentStatusError
		if errors.As(lastErr, &permanent) {
			return lastErr
		}

		util.Log(ctx).WithError(lastErr).WithField("attempt", attempt).
			Warn("webhook delivery attempt failed")
	}

	return fmt.Errorf("webhook delivery failed after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

// retryDelay is exponential backoff with up to 50% random jitter.
func (p *Pipeline) retryDelay(attempt int) time.Duration {
	delay := p.cfg.BaseBackoff << (attempt - 2)
	return delay + rand.N(delay/2+1)
}

func (p *Pipeline) post(ctx context.Context, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	p.signer.Sign(req, body)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentStatusError{status: resp.StatusCode}
	default:
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
}

// deadLetter parks the message durably. A failed park is the one
// unrecoverable path: the message exists nowhere else, so it is logged at
// the highest severity for operators.
func (p *Pipeline) deadLetter(ctx context.Context, storeID string, msg *waproto.Message, cause error) {
	log := util.Log(ctx).WithFields(map[string]any{
		"store_id":    storeID,
		"message_uid": msg.ID,
		"chat_id":     msg.ChatID,
	})

	if p.dlq == nil {
		log.WithError(cause).Error("no dead-letter store configured, dropping failed delivery")
		return
	}

	record := &models.DeadLetterRecord{
		StoreID:         storeID,
		MessageUID:      msg.ID,
		ChatID:          msg.ChatID,
		PayloadSnapshot: snapshotOf(msg),
		ErrorMessage:    cause.Error(),
		RetryCount:      0,
		NextRetryAt:     time.Now().Add(p.cfg.DLQRetryInterval),
		Status:          models.DeadLetterStatusPending,
	}

	if err := p.dlq.Create(ctx, record); err != nil {
		log.WithError(err).Error("DATA LOSS: dead-letter write failed, message dropped")
		return
	}

	telemetry.DeliveriesDeadLetteredCounter.Add(ctx, 1)
	log.WithError(cause).Warn("delivery parked in dead-letter queue")
}

// snapshotOf captures the replayable portion of a message. The driver-owned
// media handle cannot survive a restart, so replays are text-only and record
// what the original carried.
func snapshotOf(msg *waproto.Message) data.JSONMap {
	return data.JSONMap{
		"message_uid": msg.ID,
		"chat_id":     msg.ChatID,
		"sender_id":   msg.SenderID,
		"sender_name": msg.SenderName,
		"is_from_me":  msg.FromMe,
		"timestamp":   msg.Timestamp.UnixMilli(),
		"text":        msg.Text,
		"media_type":  msg.MediaType,
		"had_media":   msg.HasMedia,
	}
}

// originOf reduces a URL to its scheme://host origin for breaker keying.
func originOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	return parsed.Scheme + "://" + parsed.Host
}
