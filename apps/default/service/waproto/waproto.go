// Package waproto defines the contract between the gateway and the external
// WhatsApp multi-device protocol library. The gateway never implements the
// wire protocol itself; a driver registers a SocketFactory at startup and
// everything else programs against these interfaces.
package waproto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// AuthMethod selects how a new device link is authorized.
type AuthMethod string

const (
	AuthMethodQR      AuthMethod = "qr"
	AuthMethodPairing AuthMethod = "pairing"
)

// ConnectionState mirrors the states reported by the protocol library.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClosed     ConnectionState = "close"
)

// CloseReason codes follow the multi-device status-code conventions.
type CloseReason int

const (
	ReasonNone            CloseReason = 0
	ReasonLoggedOut       CloseReason = 401
	ReasonForbidden       CloseReason = 403
	ReasonConnectionLost  CloseReason = 408
	ReasonDeviceRemoved   CloseReason = 411
	ReasonRateLimited     CloseReason = 429
	ReasonSessionExpired  CloseReason = 440
	ReasonInternalFailure CloseReason = 500
	ReasonRestartRequired CloseReason = 515
)

// IsFatalAuth reports whether the close reason means the stored credentials
// are no longer usable and reconnecting would loop forever.
func (r CloseReason) IsFatalAuth() bool {
	switch r {
	case ReasonLoggedOut, ReasonForbidden, ReasonDeviceRemoved, ReasonSessionExpired:
		return true
	default:
		return false
	}
}

// IsRateLimited reports whether the peer asked us to back off.
func (r CloseReason) IsRateLimited() bool {
	return r == ReasonRateLimited
}

// AuthState carries the opaque credential blob handed to the driver when
// resuming a previously authorized session. Nil means a fresh, unauthorized
// connection (QR scan or pairing code required).
type AuthState struct {
	Creds []byte
}

// Options tunes socket creation.
type Options struct {
	SessionID   string
	AuthMethod  AuthMethod
	PhoneNumber string
}

// Message is the normalized inbound/outbound message shape.
type Message struct {
	ID           string
	ChatID       string
	SenderID     string
	SenderName   string
	FromMe       bool
	Timestamp    time.Time
	Text         string
	MediaType    string // declared MIME type, empty for text-only messages
	MediaName    string // user-supplied filename, untrusted
	HasMedia     bool
	MediaLength  int64 // declared size in bytes, 0 when unknown
	RawTransport any   // driver-owned handle needed for media downloads
}

// HasContent reports whether there is anything worth processing.
func (m *Message) HasContent() bool {
	return m != nil && (m.Text != "" || m.HasMedia)
}

// SendPayload is the outbound message shape accepted by Socket.SendMessage.
type SendPayload struct {
	Text string
}

// Event is the tagged union delivered on the socket event stream. Exactly
// one concrete type below implements it.
type Event interface {
	isEvent()
}

// CredentialsUpdated carries the refreshed credential blob to persist.
type CredentialsUpdated struct {
	Creds []byte
}

// ConnectionStateChanged reports a state transition of the underlying socket.
type ConnectionStateChanged struct {
	State       ConnectionState
	Reason      CloseReason
	QRCode      string // set while waiting for a QR scan
	PushName    string // account display name, set once open
	AccountID   string // account JID, set once open
	ReasonError error  // driver-level detail, may be nil
}

// MessagesReceived carries a batch of inbound messages in arrival order.
type MessagesReceived struct {
	Messages []*Message
}

func (CredentialsUpdated) isEvent()     {}
func (ConnectionStateChanged) isEvent() {}
func (MessagesReceived) isEvent()       {}

// Socket is one live connection to the messaging network. All methods that
// touch the network take a context for cancellation.
type Socket interface {
	// SendMessage delivers an outbound payload to a chat and returns the
	// assigned message id.
	SendMessage(ctx context.Context, chatID string, payload SendPayload) (string, error)
	// RequestPairingCode asks the network for a pairing code bound to the
	// given phone number. Only valid before the session is authorized.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)
	// DownloadMedia fetches the media bytes attached to a message.
	DownloadMedia(ctx context.Context, msg *Message) ([]byte, error)
	// SendPresence publishes a presence update for a chat.
	SendPresence(ctx context.Context, chatID string, available bool) error
	// Logout invalidates the credentials on the network side and closes.
	Logout(ctx context.Context) error
	// End closes the socket without touching network-side state.
	End()
	// Events returns the stream of socket events. The channel is closed
	// when the socket terminates; events for one socket arrive in order.
	Events() <-chan Event
}

// SocketFactory opens sockets. Implemented by the protocol driver.
type SocketFactory interface {
	Open(ctx context.Context, auth *AuthState, opts Options) (Socket, error)
}

// ErrNoDriver is returned when opening a socket before any driver registered.
var ErrNoDriver = errors.New("waproto: no protocol driver registered")

//nolint:gochecknoglobals // driver registry mirrors the database/sql idiom
var (
	driversMu sync.RWMutex
	drivers   = make(map[string]SocketFactory)
)

// RegisterDriver makes a protocol implementation available under a name.
// It panics when called twice with the same name, like database/sql.Register.
func RegisterDriver(name string, factory SocketFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if factory == nil {
		panic("waproto: RegisterDriver called with nil factory")
	}
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("waproto: RegisterDriver called twice for driver %q", name))
	}
	drivers[name] = factory
}

// Driver returns the registered factory for name.
func Driver(name string) (SocketFactory, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()

	factory, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDriver, name)
	}
	return factory, nil
}
