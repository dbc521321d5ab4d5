package internal

const (
	// Webhook signature headers shared by message forwarding and status updates.
	HeaderSignature     = "x-signature"
	HeaderTimestamp     = "x-timestamp"
	HeaderNonce         = "x-nonce"
	HeaderCorrelationID = "x-correlation-id"

	// PlatformSessionID is the reserved sentinel session operated by the
	// platform itself. It never triggers per-tenant status notifications.
	PlatformSessionID = "platform"
)

// Chat identifier suffixes for addressing classes the intake pipeline
// never processes.
const (
	ChatSuffixGroup      = "@g.us"
	ChatSuffixBroadcast  = "@broadcast"
	ChatSuffixNewsletter = "@newsletter"
	ChatStatusBroadcast  = "status@broadcast"
)
