// Package delivery implements the outbound side of the gateway: signed
// webhook forwarding of messages, status notifications and dead-letter
// reprocessing.
package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/antinvestor/service-wagateway/internal"
	"github.com/google/uuid"
)

// Signer authenticates requests to the downstream backend with an
// HMAC-SHA256 signature over timestamp, nonce and body. The receiver
// recomputes the same digest with the shared secret and rejects mismatches
// and stale timestamps.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the shared secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign computes the signature over "timestamp.nonce.body" and stamps the
// request headers, including a fresh correlation id for tracing the request
// across systems.
func (s *Signer) Sign(req *http.Request, body []byte) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := uuid.NewString()

	req.Header.Set(internal.HeaderSignature, s.signature(timestamp, nonce, body))
	req.Header.Set(internal.HeaderTimestamp, timestamp)
	req.Header.Set(internal.HeaderNonce, nonce)
	req.Header.Set(internal.HeaderCorrelationID, uuid.NewString())
}

// Verify recomputes the digest for the given parts and compares it in
// constant time against the presented signature.
func (s *Signer) Verify(timestamp, nonce string, body []byte, signature string) bool {
	expected := s.signature(timestamp, nonce, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Signer) signature(timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
