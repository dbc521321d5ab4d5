package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/business"
	"github.com/antinvestor/service-wagateway/internal/resilience"
	"github.com/pitabwire/util"
)

// Notifier posts session status transitions to the backend's status endpoint
// as signed JSON, through the same per-destination breaker as message
// forwarding. Implements business.StatusNotifier.
type Notifier struct {
	client    *http.Client
	signer    *Signer
	breakers  *resilience.Registry
	statusURL string
	origin    string
}

// NewNotifier creates a status notifier for the given endpoint.
func NewNotifier(signer *Signer, breakers *resilience.Registry, statusURL string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Notifier{
		client:    &http.Client{Timeout: timeout},
		signer:    signer,
		breakers:  breakers,
		statusURL: statusURL,
		origin:    originOf(statusURL),
	}
}

// NotifyStatus delivers one status notification. Status updates are
// best-effort: there is no retry chain and no dead-lettering, the next
// transition supersedes a lost one.
func (n *Notifier) NotifyStatus(ctx context.Context, notification business.StatusNotification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encoding status notification: %w", err)
	}

	err = n.breakers.Execute(n.origin, func() error {
		return n.post(ctx, body)
	})
	if err != nil {
		return err
	}

	util.Log(ctx).WithFields(map[string]any{
		"store_id": notification.StoreID,
		"status":   notification.Status,
	}).Debug("status notification delivered")
	return nil
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.statusURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	n.signer.Sign(req, body)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("status endpoint responded with status %d", resp.StatusCode)
	}
	return nil
}
