package business

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/waproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler counts handler invocations.
type recordingHandler struct {
	mu      sync.Mutex
	handled []*waproto.Message
	err     error
}

func (r *recordingHandler) Handle(_ context.Context, _ *Session, msg *waproto.Message, _ *ChatState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, msg)
	return r.err
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handled)
}

type intakeFixture struct {
	intake    *Intake
	dedup     *DedupWindow
	states    *ConversationStateCache
	handler   *recordingHandler
	forwarder *fakeForwarder
	session   *Session
}

func newIntakeFixture(t *testing.T, cfg IntakeConfig) *intakeFixture {
	t.Helper()

	fx := &intakeFixture{
		dedup:     NewDedupWindow(time.Minute, time.Hour),
		states:    NewConversationStateCache(100, time.Hour, time.Hour),
		handler:   &recordingHandler{},
		forwarder: &fakeForwarder{},
		session:   &Session{ID: "shop-1"},
	}
	t.Cleanup(fx.dedup.Stop)
	t.Cleanup(fx.states.Stop)

	fx.intake = NewIntake(fx.dedup, fx.states, fx.handler, fx.forwarder, cfg)
	return fx
}

func inboundText(id, chatID, text string) *waproto.Message {
	return &waproto.Message{
		ID:         id,
		ChatID:     chatID,
		SenderID:   chatID,
		SenderName: "Customer",
		Timestamp:  time.Now(),
		Text:       text,
	}
}

func TestIntake_HandlesAndForwardsFreshMessage(t *testing.T) {
	ctx := context.Background()
	fx := newIntakeFixture(t, IntakeConfig{})

	fx.intake.Process(ctx, fx.session, []*waproto.Message{
		inboundText("m1", "100@s.whatsapp.net", "hi"),
	})

	assert.Equal(t, 1, fx.handler.count())
	assert.Len(t, fx.forwarder.forwarded(), 1)
}

func TestIntake_DuplicateDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	fx := newIntakeFixture(t, IntakeConfig{})

	msg := inboundText("m1", "100@s.whatsapp.net", "hi")
	fx.intake.Process(ctx, fx.session, []*waproto.Message{msg, msg})
	fx.intake.Process(ctx, fx.session, []*waproto.Message{msg})

	assert.Equal(t, 1, fx.handler.count(), "handler sees the message at most once")
	assert.Len(t, fx.forwarder.forwarded(), 1, "downstream sees the message at most once")
}

func TestIntake_FiltersNonIndividualChats(t *testing.T) {
	ctx := context.Background()
	fx := newIntakeFixture(t, IntakeConfig{})

	fx.intake.Process(ctx, fx.session, []*waproto.Message{
		inboundText("m1", "12345@g.us", "group chatter"),
		inboundText("m2", "777@broadcast", "broadcast"),
		inboundText("m3", "news@newsletter", "newsletter"),
		inboundText("m4", "status@broadcast", "status update"),
	})

	assert.Zero(t, fx.handler.count())
	assert.Empty(t, fx.forwarder.forwarded())
}

func TestIntake_DropsSelfAndEmptyMessages(t *testing.T) {
	ctx := context.Background()
	fx := newIntakeFixture(t, IntakeConfig{})

	fromMe := inboundText("m1", "100@s.whatsapp.net", "echo")
	fromMe.FromMe = true
	empty := inboundText("m2", "100@s.whatsapp.net", "")

	fx.intake.Process(ctx, fx.session, []*waproto.Message{fromMe, empty, nil})

	assert.Zero(t, fx.handler.count())
	assert.Empty(t, fx.forwarder.forwarded())
}

func TestIntake_StaleMessageDiscarded(t *testing.T) {
	ctx := context.Background()
	fx := newIntakeFixture(t, IntakeConfig{Freshness: 5 * time.Minute})

	stale := inboundText("m1", "100@s.whatsapp.net", "from history replay")
	stale.Timestamp = time.Now().Add(-time.Hour)

	fx.intake.Process(ctx, fx.session, []*waproto.Message{stale})

	assert.Zero(t, fx.handler.count(), "stale messages never reach the handler")
	assert.Empty(t, fx.forwarder.forwarded(), "stale messages never mirror downstream")

	// The id is burned, so a fresh-looking redelivery of the same message
	// is dropped by the dedup window
	replay := inboundText("m1", "100@s.whatsapp.net", "from history replay")
	fx.intake.Process(ctx, fx.session, []*waproto.Message{replay})
	assert.Zero(t, fx.handler.count())
	assert.Empty(t, fx.forwarder.forwarded())
}

func TestIntake_PausedChatSkipsHandlerButForwards(t *testing.T) {
	ctx := context.Background()
	fx := newIntakeFixture(t, IntakeConfig{PauseWindow: time.Minute})

	fx.intake.PauseConversation("shop-1", "100@s.whatsapp.net")

	fx.intake.Process(ctx, fx.session, []*waproto.Message{
		inboundText("m1", "100@s.whatsapp.net", "human has this one"),
	})

	assert.Zero(t, fx.handler.count())
	assert.Len(t, fx.forwarder.forwarded(), 1)

	fx.intake.ResumeConversation("shop-1", "100@s.whatsapp.net")
	fx.intake.Process(ctx, fx.session, []*waproto.Message{
		inboundText("m2", "100@s.whatsapp.net", "back to the bot"),
	})
	assert.Equal(t, 1, fx.handler.count())
}

func TestIntake_HandlerErrorStillForwards(t *testing.T) {
	ctx := context.Background()
	fx := newIntakeFixture(t, IntakeConfig{})
	fx.handler.err = assert.AnError

	fx.intake.Process(ctx, fx.session, []*waproto.Message{
		inboundText("m1", "100@s.whatsapp.net", "hi"),
	})

	assert.Len(t, fx.forwarder.forwarded(), 1)
}

func TestIntake_StateSurvivesAcrossMessages(t *testing.T) {
	ctx := context.Background()
	fx := newIntakeFixture(t, IntakeConfig{})

	fx.intake.Process(ctx, fx.session, []*waproto.Message{
		inboundText("m1", "100@s.whatsapp.net", "first"),
	})

	state, ok := fx.states.Get("shop-1", "100@s.whatsapp.net")
	require.True(t, ok)
	assert.Equal(t, "Customer", state.LastSenderName)
	assert.False(t, state.LastMessageAt.IsZero())
}
