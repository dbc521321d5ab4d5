package business

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/models"
	"github.com/antinvestor/service-wagateway/apps/default/service/waproto"
	"github.com/antinvestor/service-wagateway/internal"
	"github.com/antinvestor/service-wagateway/internal/telemetry"
	"github.com/pitabwire/util"
)

const (
	defaultMaxSessions    = 10000
	defaultStartTimeout   = 30 * time.Second
	defaultReconnectMax   = 5
	defaultReconnectBase  = 2 * time.Second
	defaultReconnectCeil  = 2 * time.Minute
	defaultRateLimitPause = time.Minute
	defaultCredDebounce   = time.Second
)

// InboundProcessor consumes batches of inbound messages from a session's
// event loop. Implemented by the intake pipeline.
type InboundProcessor interface {
	Process(ctx context.Context, sess *Session, msgs []*waproto.Message)
}

// ManagerConfig tunes the session lifecycle behavior.
type ManagerConfig struct {
	MaxSessions          int32
	StartTimeout         time.Duration
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	RateLimitCooldown    time.Duration
	CredentialDebounce   time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.ReconnectMaxAttempts < 1 {
		c.ReconnectMaxAttempts = defaultReconnectMax
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = defaultReconnectBase
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = defaultReconnectCeil
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = defaultRateLimitPause
	}
	if c.CredentialDebounce <= 0 {
		c.CredentialDebounce = defaultCredDebounce
	}
}

// Manager owns the lifecycle of every tenant session: starting, credential
// persistence, reconnection and teardown. Each live session gets one event
// loop goroutine that consumes the socket's event stream in order, so
// per-session processing is serialized without any extra locking.
type Manager struct {
	factory   waproto.SocketFactory
	creds     *CredentialStore
	notifier  StatusNotifier
	intake    InboundProcessor
	forwarder Forwarder
	states    *ConversationStateCache

	cfg  ManagerConfig
	pool *sessionPool

	wg           sync.WaitGroup
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewManager creates a session manager. notifier, intake, forwarder and
// states may be nil for callers that only need a subset of the pipeline
// (tests mostly).
func NewManager(
	factory waproto.SocketFactory,
	creds *CredentialStore,
	notifier StatusNotifier,
	intake InboundProcessor,
	forwarder Forwarder,
	states *ConversationStateCache,
	cfg ManagerConfig,
) *Manager {
	cfg.applyDefaults()

	return &Manager{
		factory:    factory,
		creds:      creds,
		notifier:   notifier,
		intake:     intake,
		forwarder:  forwarder,
		states:     states,
		cfg:        cfg,
		pool:       newSessionPool(cfg.MaxSessions),
		shutdownCh: make(chan struct{}),
	}
}

// Start brings a session up. When a session with the same id is already
// connecting or open this is a no-op; the pool insert is the atomic guard so
// two concurrent starts can never race into two sockets. A tracked session
// sitting disconnected in a reconnect backoff is taken over instead: the
// explicit start connects immediately with a fresh attempt counter.
func (m *Manager) Start(ctx context.Context, sessionID string, authMethod waproto.AuthMethod, phoneNumber string) error {
	select {
	case <-m.shutdownCh:
		return ErrShuttingDown
	default:
	}

	if sessionID == "" {
		return ErrInvalidSessionID
	}
	if authMethod == "" {
		authMethod = waproto.AuthMethodQR
	}

	sess := &Session{
		ID:          sessionID,
		AuthMethod:  authMethod,
		PhoneNumber: phoneNumber,
		CreatedAt:   time.Now(),
		status:      StatusConnecting,
		isActive:    true,
	}

	added, err := m.pool.add(sess)
	if err != nil {
		return err
	}
	if !added {
		existing, ok := m.pool.get(sessionID)
		if ok && existing.claimConnecting() {
			util.Log(ctx).WithField("session_id", sessionID).
				Info("restarting disconnected session, retry chain reset")
			telemetry.SessionsStartedCounter.Add(ctx, 1)

			if connectErr := m.connect(ctx, existing, 1); connectErr != nil {
				m.removeSession(existing)
				return connectErr
			}
			return nil
		}
		util.Log(ctx).WithField("session_id", sessionID).
			Debug("session already tracked, start is a no-op")
		return nil
	}

	telemetry.SessionsStartedCounter.Add(ctx, 1)

	if connectErr := m.connect(ctx, sess, 1); connectErr != nil {
		m.removeSession(sess)
		return connectErr
	}
	return nil
}

// connect loads credentials, opens a socket under the watchdog timeout and
// spawns the event loop. attempt is 1 on a fresh start and grows across
// reconnects.
func (m *Manager) connect(ctx context.Context, sess *Session, attempt int) error {
	log := util.Log(ctx).WithFields(map[string]any{
		"session_id": sess.ID,
		"attempt":    attempt,
	})

	var auth *waproto.AuthState
	blob, err := m.creds.Read(ctx, sess.ID, models.CredentialKeyPrimary)
	if err != nil {
		return fmt.Errorf("loading credentials for session %s: %w", sess.ID, err)
	}
	if blob != nil {
		auth = &waproto.AuthState{Creds: blob}
	}

	openCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()

	socket, err := m.factory.Open(openCtx, auth, waproto.Options{
		SessionID:   sess.ID,
		AuthMethod:  sess.AuthMethod,
		PhoneNumber: sess.PhoneNumber,
	})
	if err != nil {
		return fmt.Errorf("opening socket for session %s: %w", sess.ID, err)
	}

	sess.mu.Lock()
	sess.status = StatusConnecting
	sess.socket = socket
	sess.mu.Unlock()

	// Pairing-code linking only applies to sessions with no stored identity
	if auth == nil && sess.AuthMethod == waproto.AuthMethodPairing && sess.PhoneNumber != "" {
		code, pairErr := socket.RequestPairingCode(openCtx, sess.PhoneNumber)
		if pairErr != nil {
			socket.End()
			return fmt.Errorf("requesting pairing code for session %s: %w", sess.ID, pairErr)
		}
		m.notify(ctx, sess, StatusNotification{
			StoreID:     sess.ID,
			Status:      string(StatusConnecting),
			PairingCode: code,
		})
	}

	log.Debug("socket opened, starting event loop")

	m.wg.Add(1)
	go m.runEventLoop(sess, socket, attempt)

	return nil
}

// runEventLoop consumes one socket's event stream until the socket
// terminates, then classifies the close and decides what happens next.
func (m *Manager) runEventLoop(sess *Session, socket waproto.Socket, attempt int) {
	defer m.wg.Done()

	ctx := context.Background()
	log := util.Log(ctx).WithField("session_id", sess.ID)

	closeReason := waproto.ReasonConnectionLost
	var closeErr error

	for ev := range socket.Events() {
		switch e := ev.(type) {
		case waproto.CredentialsUpdated:
			m.scheduleCredFlush(sess, e.Creds)

		case waproto.MessagesReceived:
			telemetry.MessagesReceivedCounter.Add(ctx, int64(len(e.Messages)))
			if m.intake != nil {
				m.intake.Process(ctx, sess, e.Messages)
			}

		case waproto.ConnectionStateChanged:
			switch e.State {
			case waproto.ConnectionConnecting:
				if e.QRCode != "" {
					m.notify(ctx, sess, StatusNotification{
						StoreID: sess.ID,
						Status:  string(StatusConnecting),
						QRCode:  e.QRCode,
					})
				}

			case waproto.ConnectionOpen:
				attempt = 1
				m.handleOpen(ctx, sess, e)

			case waproto.ConnectionClosed:
				closeReason = e.Reason
				closeErr = e.ReasonError
			}
		}
	}

	log.WithFields(map[string]any{
		"reason":  int(closeReason),
		"attempt": attempt,
	}).Info("socket event stream ended")

	m.handleTermination(ctx, sess, socket, attempt, closeReason, closeErr)
}

func (m *Manager) handleOpen(ctx context.Context, sess *Session, e waproto.ConnectionStateChanged) {
	sess.mu.Lock()
	sess.status = StatusOpen
	sess.stabilizedAt = time.Now()
	sess.lastError = nil
	sess.reachedOpen = true
	if e.AccountID != "" {
		sess.accountID = e.AccountID
	}
	if e.PushName != "" {
		sess.pushName = e.PushName
	}
	accountID := sess.accountID
	pushName := sess.pushName
	sess.mu.Unlock()

	telemetry.SessionsOpenedCounter.Add(ctx, 1)
	util.Log(ctx).WithFields(map[string]any{
		"session_id": sess.ID,
		"account_id": accountID,
	}).Info("session reached open state")

	m.notify(ctx, sess, StatusNotification{
		StoreID:      sess.ID,
		Status:       string(StatusOpen),
		WhatsappName: pushName,
		WhatsappID:   accountID,
	})
}

// handleTermination runs once the socket's event channel closes. It flushes
// any debounced credentials first so a refreshed blob is never lost, then
// classifies the close reason.
func (m *Manager) handleTermination(
	ctx context.Context,
	sess *Session,
	socket waproto.Socket,
	attempt int,
	reason waproto.CloseReason,
	reasonErr error,
) {
	m.flushCreds(ctx, sess)
	telemetry.SessionsClosedCounter.Add(ctx, 1)

	sess.mu.Lock()
	stillActive := sess.isActive
	reachedOpen := sess.reachedOpen
	if sess.socket == socket {
		sess.socket = nil
	}
	sess.status = StatusDisconnected
	sess.lastError = reasonErr
	sess.mu.Unlock()

	// Explicit Stop/Shutdown already handled teardown
	if !stillActive {
		return
	}

	log := util.Log(ctx).WithFields(map[string]any{
		"session_id": sess.ID,
		"reason":     int(reason),
	})

	switch {
	case reason.IsFatalAuth():
		telemetry.SessionsAuthFailedCounter.Add(ctx, 1)
		log.WithError(reasonErr).Warn("session closed for a fatal auth reason, wiping credentials")

		if err := m.creds.ClearAll(ctx, sess.ID); err != nil {
			log.WithError(err).Error("failed to wipe credentials after fatal auth close")
		}
		m.removeSession(sess)
		if reachedOpen {
			m.notify(ctx, sess, StatusNotification{
				StoreID:                    sess.ID,
				Status:                     string(StatusDisconnected),
				Reason:                     fmt.Sprintf("connection closed with code %d", reason),
				RequiresManualReconnection: true,
			})
		}

	case reason.IsRateLimited():
		log.Warn("session rate limited, retrying after cooldown")
		m.scheduleReconnect(sess, attempt+1, m.cfg.RateLimitCooldown)

	default:
		if attempt >= m.cfg.ReconnectMaxAttempts {
			log.WithError(reasonErr).Error("reconnect attempts exhausted, giving up on session")

			sess.mu.Lock()
			sess.status = StatusError
			sess.mu.Unlock()

			m.removeSession(sess)
			if reachedOpen {
				m.notify(ctx, sess, StatusNotification{
					StoreID:                    sess.ID,
					Status:                     string(StatusError),
					Reason:                     "reconnect attempts exhausted",
					RequiresManualReconnection: true,
				})
			}
			return
		}

		delay := m.backoffDelay(attempt)
		log.WithField("delay", delay.String()).Info("scheduling reconnect")
		m.scheduleReconnect(sess, attempt+1, delay)
	}
}

// backoffDelay computes base*2^(attempt-1) capped at the configured ceiling.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.cfg.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.ReconnectMaxDelay {
			return m.cfg.ReconnectMaxDelay
		}
	}
	if delay > m.cfg.ReconnectMaxDelay {
		return m.cfg.ReconnectMaxDelay
	}
	return delay
}

func (m *Manager) scheduleReconnect(sess *Session, attempt int, delay time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-m.shutdownCh:
			return
		case <-timer.C:
		}

		// An explicit Start may have claimed the session while the timer ran;
		// in that case this attempt chain is abandoned.
		if !sess.claimConnecting() {
			return
		}

		ctx := context.Background()
		telemetry.SessionsReconnectCounter.Add(ctx, 1)

		if err := m.connect(ctx, sess, attempt); err != nil {
			util.Log(ctx).WithError(err).WithFields(map[string]any{
				"session_id": sess.ID,
				"attempt":    attempt,
			}).Warn("reconnect attempt failed")

			if attempt >= m.cfg.ReconnectMaxAttempts {
				sess.mu.Lock()
				sess.status = StatusError
				sess.lastError = err
				reachedOpen := sess.reachedOpen
				sess.mu.Unlock()

				m.removeSession(sess)
				if reachedOpen {
					m.notify(ctx, sess, StatusNotification{
						StoreID:                    sess.ID,
						Status:                     string(StatusError),
						Reason:                     "reconnect attempts exhausted",
						RequiresManualReconnection: true,
					})
				}
				return
			}

			sess.releaseClaim(err)
			m.scheduleReconnect(sess, attempt+1, m.backoffDelay(attempt))
		}
	}()
}

// scheduleCredFlush coalesces credential updates: the blob is held in memory
// and written once the debounce window passes without another update.
func (m *Manager) scheduleCredFlush(sess *Session, blob []byte) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.pendingCreds = blob
	if sess.credTimer == nil {
		sess.credTimer = time.AfterFunc(m.cfg.CredentialDebounce, func() {
			m.flushCreds(context.Background(), sess)
		})
		return
	}
	sess.credTimer.Reset(m.cfg.CredentialDebounce)
}

// flushCreds writes any pending credential blob immediately.
func (m *Manager) flushCreds(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	blob := sess.pendingCreds
	sess.pendingCreds = nil
	if sess.credTimer != nil {
		sess.credTimer.Stop()
		sess.credTimer = nil
	}
	sess.mu.Unlock()

	if blob == nil {
		return
	}

	if err := m.creds.Write(ctx, sess.ID, models.CredentialKeyPrimary, blob); err != nil {
		util.Log(ctx).WithError(err).WithField("session_id", sess.ID).
			Error("failed to persist refreshed credentials")
	}
}

// Stop disconnects a session on explicit request: network-side logout,
// credential wipe and removal. The session can only come back through a
// fresh Start with a new QR scan or pairing code.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	sess, ok := m.pool.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	sess.isActive = false
	sess.status = StatusDisconnected
	socket := sess.socket
	sess.socket = nil
	sess.mu.Unlock()

	if socket != nil {
		if err := socket.Logout(ctx); err != nil {
			util.Log(ctx).WithError(err).WithField("session_id", sessionID).
				Warn("network-side logout failed, ending socket anyway")
			socket.End()
		}
	}

	if err := m.creds.ClearAll(ctx, sessionID); err != nil {
		return err
	}

	if m.states != nil {
		m.states.DropSession(sessionID)
	}
	m.removeSession(sess)

	m.notify(ctx, sess, StatusNotification{
		StoreID: sessionID,
		Status:  string(StatusDisconnected),
		Reason:  "stopped by request",
	})
	return nil
}

// Lookup returns the tracked session for an id.
func (m *Manager) Lookup(sessionID string) (*Session, bool) {
	return m.pool.get(sessionID)
}

// ResolveSocket returns the open socket for a session, or false when the
// session is absent or not open. Satisfies the delivery reprocessor's
// resolver dependency.
func (m *Manager) ResolveSocket(sessionID string) (waproto.Socket, bool) {
	sess, ok := m.pool.get(sessionID)
	if !ok {
		return nil, false
	}
	socket := sess.Socket()
	if socket == nil {
		return nil, false
	}
	return socket, true
}

// ActiveSessions returns the number of tracked sessions.
func (m *Manager) ActiveSessions() int32 {
	return m.pool.size()
}

// SendText sends an outbound text to a chat through an open session and
// mirrors it downstream flagged as sent by us.
func (m *Manager) SendText(ctx context.Context, sessionID, chatID, text string) (string, error) {
	sess, ok := m.pool.get(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}
	socket := sess.Socket()
	if socket == nil {
		return "", ErrSessionNotOpen
	}

	messageID, err := socket.SendMessage(ctx, chatID, waproto.SendPayload{Text: text})
	if err != nil {
		return "", fmt.Errorf("sending message on session %s: %w", sessionID, err)
	}

	if m.forwarder != nil {
		mirror := &waproto.Message{
			ID:        messageID,
			ChatID:    chatID,
			SenderID:  sess.AccountID(),
			FromMe:    true,
			Timestamp: time.Now(),
			Text:      text,
		}
		if fwdErr := m.forwarder.Forward(ctx, sessionID, mirror, socket); fwdErr != nil {
			util.Log(ctx).WithError(fwdErr).WithField("session_id", sessionID).
				Warn("failed to mirror outbound message downstream")
		}
	}

	return messageID, nil
}

// Shutdown gracefully tears down every session: ends sockets, flushes
// debounced credentials and waits for event loops to drain or the context
// to expire.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})

	m.pool.forEach(func(sess *Session) {
		sess.mu.Lock()
		sess.isActive = false
		socket := sess.socket
		sess.mu.Unlock()

		m.flushCreds(ctx, sess)
		if socket != nil {
			socket.End()
		}
		m.removeSession(sess)
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		util.Log(ctx).Info("session manager shut down cleanly")
	case <-ctx.Done():
		util.Log(ctx).Warn("session manager shutdown timed out waiting for event loops")
	}
}

func (m *Manager) removeSession(sess *Session) {
	sess.mu.Lock()
	sess.isActive = false
	sess.mu.Unlock()
	m.pool.remove(sess)
}

// notify delivers a status notification unless the session is the reserved
// platform sentinel or the same plain status was already reported. QR and
// pairing code notifications always go through: each carries fresh linking
// material even when the status string repeats.
func (m *Manager) notify(ctx context.Context, sess *Session, n StatusNotification) {
	if m.notifier == nil || sess.ID == internal.PlatformSessionID {
		return
	}

	if n.QRCode == "" && n.PairingCode == "" {
		sess.mu.Lock()
		if sess.lastNotifiedStatus == SessionStatus(n.Status) {
			sess.mu.Unlock()
			return
		}
		sess.lastNotifiedStatus = SessionStatus(n.Status)
		sess.mu.Unlock()
	}

	if err := m.notifier.NotifyStatus(ctx, n); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"session_id": sess.ID,
			"status":     n.Status,
		}).Warn("status notification failed")
	}
}
