package business

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/models"
	"github.com/antinvestor/service-wagateway/apps/default/service/waproto"
	"github.com/antinvestor/service-wagateway/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocket implements waproto.Socket for testing. Events are pushed in by
// the test; terminate emits a close event and ends the stream the way a real
// driver does.
type fakeSocket struct {
	events    chan waproto.Event
	closeOnce sync.Once

	mu         sync.Mutex
	sent       []string
	loggedOut  bool
	pairingFor string
	sendErr    error
	media      []byte
	mediaErr   error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan waproto.Event, 16)}
}

func (f *fakeSocket) emit(ev waproto.Event) {
	f.events <- ev
}

func (f *fakeSocket) open(accountID, pushName string) {
	f.emit(waproto.ConnectionStateChanged{
		State:     waproto.ConnectionOpen,
		AccountID: accountID,
		PushName:  pushName,
	})
}

func (f *fakeSocket) terminate(reason waproto.CloseReason, err error) {
	f.emit(waproto.ConnectionStateChanged{
		State:       waproto.ConnectionClosed,
		Reason:      reason,
		ReasonError: err,
	})
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeSocket) SendMessage(_ context.Context, chatID string, payload waproto.SendPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, chatID+":"+payload.Text)
	return "srv-msg-1", nil
}

func (f *fakeSocket) RequestPairingCode(_ context.Context, phoneNumber string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairingFor = phoneNumber
	return "PAIR-CODE", nil
}

func (f *fakeSocket) DownloadMedia(_ context.Context, _ *waproto.Message) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.media, f.mediaErr
}

func (f *fakeSocket) SendPresence(_ context.Context, _ string, _ bool) error { return nil }

func (f *fakeSocket) Logout(_ context.Context) error {
	f.mu.Lock()
	f.loggedOut = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeSocket) End() {
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeSocket) Events() <-chan waproto.Event { return f.events }

func (f *fakeSocket) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeFactory hands out queued sockets in order, creating fresh ones once
// the queue is drained.
type fakeFactory struct {
	mu    sync.Mutex
	queue []*fakeSocket
	opens int
	auths []*waproto.AuthState
}

func newFakeFactory(sockets ...*fakeSocket) *fakeFactory {
	return &fakeFactory{queue: sockets}
}

func (f *fakeFactory) Open(_ context.Context, auth *waproto.AuthState, _ waproto.Options) (waproto.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens++
	f.auths = append(f.auths, auth)

	if len(f.queue) > 0 {
		sock := f.queue[0]
		f.queue = f.queue[1:]
		return sock, nil
	}
	return newFakeSocket(), nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// fakeNotifier records status notifications.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []StatusNotification
}

func (f *fakeNotifier) NotifyStatus(_ context.Context, n StatusNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) notifications() []StatusNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StatusNotification(nil), f.sent...)
}

func (f *fakeNotifier) withStatus(status string) []StatusNotification {
	var out []StatusNotification
	for _, n := range f.notifications() {
		if n.Status == status {
			out = append(out, n)
		}
	}
	return out
}

// fakeProcessor records inbound batches.
type fakeProcessor struct {
	mu       sync.Mutex
	received []*waproto.Message
}

func (f *fakeProcessor) Process(_ context.Context, _ *Session, msgs []*waproto.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msgs...)
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

// fakeForwarder records mirrored messages.
type fakeForwarder struct {
	mu       sync.Mutex
	messages []*waproto.Message
}

func (f *fakeForwarder) Forward(_ context.Context, _ string, msg *waproto.Message, _ waproto.Socket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeForwarder) forwarded() []*waproto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*waproto.Message(nil), f.messages...)
}

type managerFixture struct {
	manager   *Manager
	factory   *fakeFactory
	repo      *fakeCredRepo
	notifier  *fakeNotifier
	processor *fakeProcessor
	forwarder *fakeForwarder
}

func newManagerFixture(t *testing.T, cfg ManagerConfig, sockets ...*fakeSocket) *managerFixture {
	t.Helper()

	fx := &managerFixture{
		factory:   newFakeFactory(sockets...),
		repo:      newFakeCredRepo(),
		notifier:  &fakeNotifier{},
		processor: &fakeProcessor{},
		forwarder: &fakeForwarder{},
	}
	creds := NewCredentialStore(fx.repo, nil, 1<<20, time.Minute)
	fx.manager = NewManager(
		fx.factory, creds, fx.notifier, fx.processor, fx.forwarder, nil, cfg)

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		fx.manager.Shutdown(shutdownCtx)
	})
	return fx
}

func fastReconnectConfig() ManagerConfig {
	return ManagerConfig{
		StartTimeout:         time.Second,
		ReconnectMaxAttempts: 3,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		RateLimitCooldown:    10 * time.Millisecond,
		CredentialDebounce:   10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, condition, 2*time.Second, 5*time.Millisecond, msg)
}

func TestManager_StartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newManagerFixture(t, fastReconnectConfig(), newFakeSocket())

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))

	assert.Equal(t, 1, fx.factory.openCount())
	assert.Equal(t, int32(1), fx.manager.ActiveSessions())
}

func TestManager_StartConcurrentOpensOneSocket(t *testing.T) {
	ctx := context.Background()
	fx := newManagerFixture(t, fastReconnectConfig(), newFakeSocket())

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, "")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fx.factory.openCount())
}

func TestManager_StartRejectsEmptyID(t *testing.T) {
	fx := newManagerFixture(t, fastReconnectConfig())

	err := fx.manager.Start(context.Background(), "", waproto.AuthMethodQR, "")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestManager_OpenNotifiesOncePerTransition(t *testing.T) {
	ctx := context.Background()
	sock := newFakeSocket()
	fx := newManagerFixture(t, fastReconnectConfig(), sock)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	sock.open("1555000@s.whatsapp.net", "The Shop")
	sock.open("1555000@s.whatsapp.net", "The Shop")

	waitFor(t, func() bool {
		return len(fx.notifier.withStatus(string(StatusOpen))) == 1
	}, "exactly one open notification")

	notification := fx.notifier.withStatus(string(StatusOpen))[0]
	assert.Equal(t, "shop-1", notification.StoreID)
	assert.Equal(t, "The Shop", notification.WhatsappName)
	assert.Equal(t, "1555000@s.whatsapp.net", notification.WhatsappID)

	sess, ok := fx.manager.Lookup("shop-1")
	require.True(t, ok)
	assert.Equal(t, StatusOpen, sess.Status())
	assert.False(t, sess.StabilizedAt().IsZero())
}

func TestManager_PlatformSentinelNeverNotifies(t *testing.T) {
	ctx := context.Background()
	sock := newFakeSocket()
	fx := newManagerFixture(t, fastReconnectConfig(), sock)

	require.NoError(t, fx.manager.Start(ctx, internal.PlatformSessionID, waproto.AuthMethodQR, ""))
	sock.open("platform@s.whatsapp.net", "Platform")

	waitFor(t, func() bool {
		sess, ok := fx.manager.Lookup(internal.PlatformSessionID)
		return ok && sess.Status() == StatusOpen
	}, "platform session reaches open")

	assert.Empty(t, fx.notifier.notifications())
}

func TestManager_QRCodeIsForwarded(t *testing.T) {
	ctx := context.Background()
	sock := newFakeSocket()
	fx := newManagerFixture(t, fastReconnectConfig(), sock)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	sock.emit(waproto.ConnectionStateChanged{State: waproto.ConnectionConnecting, QRCode: "qr-payload-1"})
	sock.emit(waproto.ConnectionStateChanged{State: waproto.ConnectionConnecting, QRCode: "qr-payload-2"})

	waitFor(t, func() bool {
		var codes []string
		for _, n := range fx.notifier.notifications() {
			if n.QRCode != "" {
				codes = append(codes, n.QRCode)
			}
		}
		return len(codes) == 2
	}, "every fresh QR code is forwarded")
}

func TestManager_PairingCodeRequestedForFreshPairingSession(t *testing.T) {
	ctx := context.Background()
	sock := newFakeSocket()
	fx := newManagerFixture(t, fastReconnectConfig(), sock)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodPairing, "+15550001111"))

	sock.mu.Lock()
	pairingFor := sock.pairingFor
	sock.mu.Unlock()
	assert.Equal(t, "+15550001111", pairingFor)

	var codes []string
	for _, n := range fx.notifier.notifications() {
		if n.PairingCode != "" {
			codes = append(codes, n.PairingCode)
		}
	}
	require.Len(t, codes, 1)
	assert.Equal(t, "PAIR-CODE", codes[0])
}

func TestManager_FatalAuthCloseWipesCredentials(t *testing.T) {
	ctx := context.Background()
	sock := newFakeSocket()
	fx := newManagerFixture(t, fastReconnectConfig(), sock)

	require.NoError(t, fx.repo.Upsert(ctx, &models.CredentialRecord{
		SessionID:    "shop-1",
		CredentialID: models.CredentialKeyPrimary,
		Blob:         validCredsBlob(),
	}))

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	sock.open("1555000@s.whatsapp.net", "The Shop")

	waitFor(t, func() bool {
		return len(fx.notifier.withStatus(string(StatusOpen))) == 1
	}, "session opens first")

	sock.terminate(waproto.ReasonLoggedOut, errors.New("logged out on phone"))

	waitFor(t, func() bool {
		_, ok := fx.manager.Lookup("shop-1")
		return !ok
	}, "session removed after fatal auth close")

	_, ok := fx.repo.stored("shop-1", models.CredentialKeyPrimary)
	assert.False(t, ok, "credentials wiped")
	assert.Equal(t, 1, fx.factory.openCount(), "no reconnect for fatal auth closes")

	disconnected := fx.notifier.withStatus(string(StatusDisconnected))
	require.Len(t, disconnected, 1)
	assert.True(t, disconnected[0].RequiresManualReconnection)
}

func TestManager_TransientCloseReconnects(t *testing.T) {
	ctx := context.Background()
	first := newFakeSocket()
	second := newFakeSocket()
	fx := newManagerFixture(t, fastReconnectConfig(), first, second)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	first.open("1555000@s.whatsapp.net", "The Shop")

	waitFor(t, func() bool {
		return len(fx.notifier.withStatus(string(StatusOpen))) == 1
	}, "session opens")

	first.terminate(waproto.ReasonConnectionLost, errors.New("stream error"))

	waitFor(t, func() bool {
		return fx.factory.openCount() == 2
	}, "reconnect opens a second socket")

	second.open("1555000@s.whatsapp.net", "The Shop")
	waitFor(t, func() bool {
		sess, ok := fx.manager.Lookup("shop-1")
		return ok && sess.Status() == StatusOpen
	}, "session back to open after reconnect")
}

func TestManager_StartDuringBackoffResetsRetryChain(t *testing.T) {
	ctx := context.Background()
	cfg := fastReconnectConfig()
	// A backoff long enough that the reconnect timer never fires in this test
	cfg.ReconnectBaseDelay = 10 * time.Second
	cfg.ReconnectMaxDelay = 20 * time.Second

	first := newFakeSocket()
	second := newFakeSocket()
	fx := newManagerFixture(t, cfg, first, second)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	first.open("1555000@s.whatsapp.net", "The Shop")
	waitFor(t, func() bool {
		return len(fx.notifier.withStatus(string(StatusOpen))) == 1
	}, "session opens")

	first.terminate(waproto.ReasonConnectionLost, errors.New("stream error"))
	waitFor(t, func() bool {
		sess, ok := fx.manager.Lookup("shop-1")
		return ok && sess.Status() == StatusDisconnected
	}, "session parked as disconnected while the backoff runs")

	// An explicit start takes the session over instead of being a no-op
	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))

	assert.Equal(t, 2, fx.factory.openCount(), "explicit start reconnects immediately")
	assert.Equal(t, int32(1), fx.manager.ActiveSessions(), "still a single tracked session")

	second.open("1555000@s.whatsapp.net", "The Shop")
	waitFor(t, func() bool {
		sess, ok := fx.manager.Lookup("shop-1")
		return ok && sess.Status() == StatusOpen
	}, "session back to open through the explicit start")
}

func TestManager_RateLimitedCloseRetriesAfterCooldown(t *testing.T) {
	ctx := context.Background()
	first := newFakeSocket()
	fx := newManagerFixture(t, fastReconnectConfig(), first)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	first.open("1555000@s.whatsapp.net", "The Shop")
	waitFor(t, func() bool {
		return len(fx.notifier.withStatus(string(StatusOpen))) == 1
	}, "session opens")

	first.terminate(waproto.ReasonRateLimited, errors.New("too many requests"))

	waitFor(t, func() bool {
		return fx.factory.openCount() == 2
	}, "rate-limited session retries once the cooldown passes")
}

func TestManager_GivesUpAfterMaxReconnectAttempts(t *testing.T) {
	ctx := context.Background()
	cfg := fastReconnectConfig()
	cfg.ReconnectMaxAttempts = 2

	first := newFakeSocket()
	second := newFakeSocket()
	fx := newManagerFixture(t, cfg, first, second)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	first.open("1555000@s.whatsapp.net", "The Shop")
	waitFor(t, func() bool {
		return len(fx.notifier.withStatus(string(StatusOpen))) == 1
	}, "session opens")

	// The replacement socket dies without ever reaching open
	first.terminate(waproto.ReasonRestartRequired, errors.New("restart required"))
	waitFor(t, func() bool { return fx.factory.openCount() == 2 }, "one reconnect attempt")
	second.terminate(waproto.ReasonConnectionLost, errors.New("still down"))

	waitFor(t, func() bool {
		_, ok := fx.manager.Lookup("shop-1")
		return !ok
	}, "session abandoned after exhausting reconnect attempts")

	exhausted := fx.notifier.withStatus(string(StatusError))
	require.Len(t, exhausted, 1)
	assert.True(t, exhausted[0].RequiresManualReconnection)
	assert.Equal(t, 2, fx.factory.openCount())
}

func TestManager_CredentialUpdatesAreDebounced(t *testing.T) {
	ctx := context.Background()
	sock := newFakeSocket()
	cfg := fastReconnectConfig()
	cfg.CredentialDebounce = 20 * time.Millisecond
	fx := newManagerFixture(t, cfg, sock)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))

	older := validCredsBlob()
	newer := []byte(`{"noiseKey":{"private":"z"},"signedIdentityKey":{},"signedPreKey":{},"registrationId":99}`)
	sock.emit(waproto.CredentialsUpdated{Creds: older})
	sock.emit(waproto.CredentialsUpdated{Creds: newer})

	waitFor(t, func() bool {
		blob, ok := fx.repo.stored("shop-1", models.CredentialKeyPrimary)
		return ok && string(blob) == string(newer)
	}, "latest blob persisted after the debounce window")

	assert.Equal(t, 1, fx.repo.upsertCount(), "burst coalesced into a single write")
}

func TestManager_ShutdownFlushesPendingCredentials(t *testing.T) {
	ctx := context.Background()
	sock := newFakeSocket()
	cfg := fastReconnectConfig()
	cfg.CredentialDebounce = 10 * time.Second
	fx := newManagerFixture(t, cfg, sock)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	sock.emit(waproto.CredentialsUpdated{Creds: validCredsBlob()})

	sess, ok := fx.manager.Lookup("shop-1")
	require.True(t, ok)
	waitFor(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.pendingCreds != nil
	}, "event loop buffers the blob")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fx.manager.Shutdown(shutdownCtx)

	blob, stored := fx.repo.stored("shop-1", models.CredentialKeyPrimary)
	require.True(t, stored, "pending blob flushed on shutdown")
	assert.Equal(t, validCredsBlob(), blob)
}

func TestManager_StopLogsOutAndWipes(t *testing.T) {
	ctx := context.Background()
	sock := newFakeSocket()
	fx := newManagerFixture(t, fastReconnectConfig(), sock)

	require.NoError(t, fx.repo.Upsert(ctx, &models.CredentialRecord{
		SessionID:    "shop-1",
		CredentialID: models.CredentialKeyPrimary,
		Blob:         validCredsBlob(),
	}))
	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	sock.open("1555000@s.whatsapp.net", "The Shop")
	waitFor(t, func() bool {
		return len(fx.notifier.withStatus(string(StatusOpen))) == 1
	}, "session opens")

	require.NoError(t, fx.manager.Stop(ctx, "shop-1"))

	sock.mu.Lock()
	loggedOut := sock.loggedOut
	sock.mu.Unlock()
	assert.True(t, loggedOut)

	_, ok := fx.repo.stored("shop-1", models.CredentialKeyPrimary)
	assert.False(t, ok, "stop wipes credentials")
	_, ok = fx.manager.Lookup("shop-1")
	assert.False(t, ok)

	assert.ErrorIs(t, fx.manager.Stop(ctx, "shop-1"), ErrSessionNotFound)
}

func TestManager_SendTextMirrorsOutbound(t *testing.T) {
	ctx := context.Background()
	sock := newFakeSocket()
	fx := newManagerFixture(t, fastReconnectConfig(), sock)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))

	_, err := fx.manager.SendText(ctx, "shop-1", "100@s.whatsapp.net", "hello")
	assert.ErrorIs(t, err, ErrSessionNotOpen, "sending before open is refused")

	sock.open("1555000@s.whatsapp.net", "The Shop")
	waitFor(t, func() bool {
		sess, ok := fx.manager.Lookup("shop-1")
		return ok && sess.Status() == StatusOpen
	}, "session opens")

	messageID, err := fx.manager.SendText(ctx, "shop-1", "100@s.whatsapp.net", "hello")
	require.NoError(t, err)
	assert.Equal(t, "srv-msg-1", messageID)
	assert.Equal(t, []string{"100@s.whatsapp.net:hello"}, sock.sentMessages())

	mirrored := fx.forwarder.forwarded()
	require.Len(t, mirrored, 1)
	assert.True(t, mirrored[0].FromMe)
	assert.Equal(t, "hello", mirrored[0].Text)

	_, err = fx.manager.SendText(ctx, "nope", "100@s.whatsapp.net", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_RoutesInboundBatches(t *testing.T) {
	ctx := context.Background()
	sock := newFakeSocket()
	fx := newManagerFixture(t, fastReconnectConfig(), sock)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	sock.emit(waproto.MessagesReceived{Messages: []*waproto.Message{
		{ID: "m1", ChatID: "100@s.whatsapp.net", Text: "hi"},
		{ID: "m2", ChatID: "100@s.whatsapp.net", Text: "there"},
	}})

	waitFor(t, func() bool { return fx.processor.count() == 2 }, "batch handed to the intake")
}

func TestManager_ResolveSocket(t *testing.T) {
	ctx := context.Background()
	sock := newFakeSocket()
	fx := newManagerFixture(t, fastReconnectConfig(), sock)

	_, ok := fx.manager.ResolveSocket("shop-1")
	assert.False(t, ok)

	require.NoError(t, fx.manager.Start(ctx, "shop-1", waproto.AuthMethodQR, ""))
	_, ok = fx.manager.ResolveSocket("shop-1")
	assert.False(t, ok, "connecting session has no resolvable socket")

	sock.open("1555000@s.whatsapp.net", "The Shop")
	waitFor(t, func() bool {
		_, resolvable := fx.manager.ResolveSocket("shop-1")
		return resolvable
	}, "open session resolves its socket")
}

func TestManager_StartAfterShutdownRefused(t *testing.T) {
	fx := newManagerFixture(t, fastReconnectConfig())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	fx.manager.Shutdown(shutdownCtx)

	err := fx.manager.Start(context.Background(), "shop-1", waproto.AuthMethodQR, "")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestManager_BackoffDelay(t *testing.T) {
	cfg := ManagerConfig{
		ReconnectBaseDelay: 2 * time.Second,
		ReconnectMaxDelay:  2 * time.Minute,
	}
	m := NewManager(nil, nil, nil, nil, nil, nil, cfg)

	assert.Equal(t, 2*time.Second, m.backoffDelay(1))
	assert.Equal(t, 4*time.Second, m.backoffDelay(2))
	assert.Equal(t, 8*time.Second, m.backoffDelay(3))
	assert.Equal(t, 2*time.Minute, m.backoffDelay(10), "delay is capped at the ceiling")
}
