package business

import (
	"context"
	"strings"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/waproto"
	"github.com/antinvestor/service-wagateway/internal"
	"github.com/antinvestor/service-wagateway/internal/telemetry"
	"github.com/pitabwire/util"
)

// IntakeConfig tunes the inbound message pipeline.
type IntakeConfig struct {
	// Freshness is how old a message may be and still be processed. Older
	// messages are discarded with their id marked as seen.
	Freshness time.Duration
	// PauseWindow is how long automated handling stays suspended after a
	// human operator takes over a conversation.
	PauseWindow time.Duration
}

// Intake filters, deduplicates and routes inbound messages. Every message
// that survives filtering is mirrored downstream exactly once; the business
// handler only sees messages that are fresh, unique and not paused.
type Intake struct {
	dedup     *DedupWindow
	states    *ConversationStateCache
	handler   MessageHandler
	forwarder Forwarder
	cfg       IntakeConfig
}

// NewIntake assembles the pipeline. handler and forwarder may be nil; nil
// stages are skipped.
func NewIntake(
	dedup *DedupWindow,
	states *ConversationStateCache,
	handler MessageHandler,
	forwarder Forwarder,
	cfg IntakeConfig,
) *Intake {
	if cfg.Freshness <= 0 {
		cfg.Freshness = 5 * time.Minute
	}
	if cfg.PauseWindow <= 0 {
		cfg.PauseWindow = 30 * time.Minute
	}
	return &Intake{
		dedup:     dedup,
		states:    states,
		handler:   handler,
		forwarder: forwarder,
		cfg:       cfg,
	}
}

// Process runs the pipeline over a batch in arrival order.
func (in *Intake) Process(ctx context.Context, sess *Session, msgs []*waproto.Message) {
	for _, msg := range msgs {
		in.processOne(ctx, sess, msg)
	}
}

func (in *Intake) processOne(ctx context.Context, sess *Session, msg *waproto.Message) {
	ctx, span := telemetry.IntakeTracer.Start(ctx, "Intake.processOne")
	var err error
	defer func() {
		telemetry.IntakeTracer.End(ctx, span, err)
	}()

	if !shouldProcess(msg) {
		return
	}

	// Dedup runs before anything that can block so a second delivery of the
	// same id can never slip past while the first is in flight.
	if !in.dedup.MarkSeen(sess.ID, msg.ChatID, msg.ID) {
		telemetry.MessagesDedupedCounter.Add(ctx, 1)
		util.Log(ctx).WithFields(map[string]any{
			"session_id": sess.ID,
			"chat_id":    msg.ChatID,
			"message_id": msg.ID,
		}).Debug("dropping duplicate inbound message")
		return
	}

	now := time.Now()

	// Stale messages are discarded outright with their id burned: a history
	// replay after a restart must not flood the downstream webhook.
	if now.Sub(msg.Timestamp) > in.cfg.Freshness {
		util.Log(ctx).WithFields(map[string]any{
			"session_id": sess.ID,
			"message_id": msg.ID,
			"age":        now.Sub(msg.Timestamp).String(),
		}).Debug("discarding stale inbound message")
		return
	}

	state := in.states.GetOrCreate(sess.ID, msg.ChatID)
	state.LastMessageAt = msg.Timestamp
	if msg.SenderName != "" {
		state.LastSenderName = msg.SenderName
	}

	switch {
	case state.IsPaused(now):
		util.Log(ctx).WithFields(map[string]any{
			"session_id": sess.ID,
			"chat_id":    msg.ChatID,
		}).Debug("conversation paused for human support, skipping handler")

	case in.handler != nil:
		telemetry.MessagesHandledCounter.Add(ctx, 1)
		if handleErr := in.handler.Handle(ctx, sess, msg, state); handleErr != nil {
			util.Log(ctx).WithError(handleErr).WithFields(map[string]any{
				"session_id": sess.ID,
				"chat_id":    msg.ChatID,
				"message_id": msg.ID,
			}).Error("message handler failed")
		}
		in.states.PutWithTTL(state, in.cfg.PauseWindow)
	}

	// The downstream mirror always happens for surviving messages, paused
	// conversations included
	if in.forwarder != nil {
		err = in.forwarder.Forward(ctx, sess.ID, msg, sess.Socket())
		if err != nil {
			util.Log(ctx).WithError(err).WithFields(map[string]any{
				"session_id": sess.ID,
				"message_id": msg.ID,
			}).Error("failed to forward inbound message downstream")
		}
	}
}

// PauseConversation suspends automated handling for a chat for the
// configured human-support window. Forwarding is unaffected.
func (in *Intake) PauseConversation(sessionID, chatID string) {
	state := in.states.GetOrCreate(sessionID, chatID)
	state.Pause(in.cfg.PauseWindow)
	in.states.PutWithTTL(state, in.cfg.PauseWindow)
}

// ResumeConversation lifts a human-support pause immediately.
func (in *Intake) ResumeConversation(sessionID, chatID string) {
	if state, ok := in.states.Get(sessionID, chatID); ok {
		state.Resume()
		in.states.PutWithTTL(state, in.cfg.PauseWindow)
	}
}

// shouldProcess drops messages the pipeline never touches: self-sent echoes,
// contentless payloads and non-individual addressing classes.
func shouldProcess(msg *waproto.Message) bool {
	if msg == nil || msg.FromMe || !msg.HasContent() {
		return false
	}

	chatID := msg.ChatID
	if chatID == "" || chatID == internal.ChatStatusBroadcast {
		return false
	}
	if strings.HasSuffix(chatID, internal.ChatSuffixGroup) ||
		strings.HasSuffix(chatID, internal.ChatSuffixBroadcast) ||
		strings.HasSuffix(chatID, internal.ChatSuffixNewsletter) {
		return false
	}

	return true
}
