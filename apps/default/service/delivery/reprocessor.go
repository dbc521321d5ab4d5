package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/models"
	"github.com/antinvestor/service-wagateway/apps/default/service/waproto"
	"github.com/antinvestor/service-wagateway/internal/telemetry"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"
)

// SocketResolver maps a session id to its currently-open socket. Implemented
// by the session manager.
type SocketResolver interface {
	ResolveSocket(sessionID string) (waproto.Socket, bool)
}

// ReprocessorConfig tunes the dead-letter replay loop.
type ReprocessorConfig struct {
	Interval      time.Duration
	RetryInterval time.Duration
	MaxRetries    int32
	BatchSize     int
}

func (c *ReprocessorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = c.Interval
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

// Reprocessor drains the dead-letter queue in the background: on every tick
// it selects due records oldest first and replays them through the same
// signing and sending path as live traffic.
type Reprocessor struct {
	store    DeadLetterStore
	pipeline *Pipeline
	resolver SocketResolver
	cfg      ReprocessorConfig

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReprocessor creates the replay loop. Call Run to start it.
func NewReprocessor(
	store DeadLetterStore,
	pipeline *Pipeline,
	resolver SocketResolver,
	cfg ReprocessorConfig,
) *Reprocessor {
	cfg.applyDefaults()

	return &Reprocessor{
		store:    store,
		pipeline: pipeline,
		resolver: resolver,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Run ticks until Stop is called or the context is cancelled. Intended to
// run as a background goroutine.
func (r *Reprocessor) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// Stop terminates the replay loop.
func (r *Reprocessor) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

// RunOnce processes one batch of due records.
func (r *Reprocessor) RunOnce(ctx context.Context) {
	records, err := r.store.GetDueForRetry(ctx, r.cfg.MaxRetries, time.Now(), r.cfg.BatchSize)
	if err != nil {
		util.Log(ctx).WithError(err).Error("failed to load due dead-letter records")
		return
	}
	if len(records) == 0 {
		return
	}

	util.Log(ctx).WithField("count", len(records)).Info("reprocessing dead-letter records")

	for _, record := range records {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}
		r.replay(ctx, record)
	}
}

func (r *Reprocessor) replay(ctx context.Context, record *models.DeadLetterRecord) {
	log := util.Log(ctx).WithFields(map[string]any{
		"record_id":   record.GetID(),
		"store_id":    record.StoreID,
		"message_uid": record.MessageUID,
		"retry_count": record.RetryCount,
	})

	socket, ok := r.resolver.ResolveSocket(record.StoreID)
	if !ok {
		// No open socket means the tenant is offline, leave the record for
		// a later tick without burning a retry
		log.Debug("session has no open socket, skipping dead-letter replay")
		return
	}

	msg := messageFromSnapshot(record)

	err := r.pipeline.Deliver(ctx, record.StoreID, msg, socket)
	if err == nil {
		if delErr := r.store.Delete(ctx, record.GetID()); delErr != nil {
			log.WithError(delErr).Error("replayed dead-letter record could not be deleted")
			return
		}
		telemetry.DeadLetterReplayedCounter.Add(ctx, 1)
		log.Info("dead-letter record replayed and removed")
		return
	}

	if record.RetryCount+1 >= r.cfg.MaxRetries {
		telemetry.DeadLetterExhaustedCounter.Add(ctx, 1)
		log.WithError(err).Error("dead-letter record exhausted its retries, marking failed")

		if markErr := r.store.MarkFailed(ctx, record.GetID(), err.Error()); markErr != nil {
			log.WithError(markErr).Error("failed to mark dead-letter record as failed")
		}
		return
	}

	log.WithError(err).Warn("dead-letter replay failed, scheduling next attempt")
	nextRetryAt := time.Now().Add(r.cfg.RetryInterval)
	if recordErr := r.store.RecordAttempt(ctx, record.GetID(), err.Error(), nextRetryAt); recordErr != nil {
		log.WithError(recordErr).Error("failed to record dead-letter attempt")
	}
}

// messageFromSnapshot rebuilds the replayable message. Media bytes are gone
// with the original socket handle, so replays go out text-only.
func messageFromSnapshot(record *models.DeadLetterRecord) *waproto.Message {
	snapshot := record.PayloadSnapshot

	msg := &waproto.Message{
		ID:         record.MessageUID,
		ChatID:     record.ChatID,
		SenderID:   snapshotString(snapshot, "sender_id"),
		SenderName: snapshotString(snapshot, "sender_name"),
		FromMe:     snapshotBool(snapshot, "is_from_me"),
		Text:       snapshotString(snapshot, "text"),
	}

	if millis := snapshotInt64(snapshot, "timestamp"); millis > 0 {
		msg.Timestamp = time.UnixMilli(millis)
	} else {
		msg.Timestamp = record.CreatedAt
	}

	return msg
}

func snapshotString(m data.JSONMap, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func snapshotBool(m data.JSONMap, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func snapshotInt64(m data.JSONMap, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
