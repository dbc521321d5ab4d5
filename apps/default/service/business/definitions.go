// Package business provides the core business logic for the gateway:
// session lifecycle, credential persistence and the inbound intake pipeline.
package business

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/waproto"
)

// SessionStatus is the lifecycle state of a tenant session.
type SessionStatus string

const (
	StatusConnecting   SessionStatus = "connecting"
	StatusOpen         SessionStatus = "open"
	StatusDisconnected SessionStatus = "disconnected"
	StatusError        SessionStatus = "error"
)

// Sentinel errors for fast equality checks with errors.Is().
var (
	ErrSessionPoolFull  = errors.New("session pool full")
	ErrShuttingDown     = errors.New("session manager is shutting down")
	ErrInvalidSessionID = errors.New("session id is required")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotOpen   = errors.New("session has no open socket")
)

// Session is one tenant's connection to the messaging network. The socket
// handle is owned exclusively by the manager goroutine for this id; other
// goroutines only read the snapshot fields under mu.
type Session struct {
	ID          string
	AuthMethod  waproto.AuthMethod
	PhoneNumber string
	CreatedAt   time.Time

	mu           sync.Mutex
	status       SessionStatus
	isActive     bool
	lastError    error
	stabilizedAt time.Time
	accountID    string
	pushName     string
	reachedOpen  bool

	socket waproto.Socket

	// Debounced credential flushing, owned by the event loop
	pendingCreds []byte
	credTimer    *time.Timer

	// Duplicate status notification guard
	lastNotifiedStatus SessionStatus
}

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsActive reports whether the session is still tracked by the manager.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActive
}

// claimConnecting takes ownership of a disconnected session for a new
// connect attempt. Start and the reconnect timer both go through this, so
// only one of them can ever be opening a socket for the same session.
func (s *Session) claimConnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isActive || s.status != StatusDisconnected {
		return false
	}
	s.status = StatusConnecting
	return true
}

// releaseClaim hands a failed connect attempt back so the next claimant can
// take over.
func (s *Session) releaseClaim(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusDisconnected
	s.lastError = err
}

// LastError returns the most recent error recorded on this session.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// StabilizedAt returns when the session last reached the open state.
func (s *Session) StabilizedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stabilizedAt
}

// AccountID returns the network account identifier, set once open.
func (s *Session) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// Socket returns the live socket, or nil when the session is not open.
func (s *Session) Socket() waproto.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOpen {
		return nil
	}
	return s.socket
}

// StatusNotification is the payload delivered to the external status
// collaborator whenever a session transitions.
type StatusNotification struct {
	StoreID                    string `json:"storeId"`
	Status                     string `json:"status"`
	WhatsappName               string `json:"whatsappName,omitempty"`
	WhatsappID                 string `json:"whatsappId,omitempty"`
	QRCode                     string `json:"qrCode,omitempty"`
	PairingCode                string `json:"pairingCode,omitempty"`
	Reason                     string `json:"reason,omitempty"`
	RequiresManualReconnection bool   `json:"requiresManualReconnection,omitempty"`
}

// StatusNotifier delivers status notifications to the downstream backend.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, notification StatusNotification) error
}

// MessageHandler is the external business-logic collaborator invoked for
// every fresh inbound message. It may mutate state and send replies through
// the manager; the intake pipeline persists state afterwards.
type MessageHandler interface {
	Handle(ctx context.Context, session *Session, msg *waproto.Message, state *ChatState) error
}

// MessageHandlerFunc adapts a function to the MessageHandler interface.
type MessageHandlerFunc func(ctx context.Context, session *Session, msg *waproto.Message, state *ChatState) error

func (f MessageHandlerFunc) Handle(
	ctx context.Context,
	session *Session,
	msg *waproto.Message,
	state *ChatState,
) error {
	return f(ctx, session, msg, state)
}

// Forwarder mirrors traffic to the downstream backend. Implemented by the
// delivery pipeline.
type Forwarder interface {
	Forward(ctx context.Context, storeID string, msg *waproto.Message, socket waproto.Socket) error
}
