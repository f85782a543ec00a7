package revocation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrNotAcked = errors.New("revocation: notice not acknowledged by subscriber")

// Channel delivers a signed revocation notice to subscribers. Delivery
// is at-least-once per dispatch attempt; subscribers must treat the
// notice ID as idempotency key.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, notice *Notice, token string) error
}

// WebhookChannel posts signed notices to a subscriber-operated HTTP
// endpoint. Any 2xx response acknowledges the notice.
type WebhookChannel struct {
	client *http.Client
	url    string
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

func (c *WebhookChannel) Name() string {
	return "webhook"
}

func (c *WebhookChannel) Deliver(
	ctx context.Context, notice *Notice, token string) error {

	body, err := json.Marshal(map[string]string{
		"id":       notice.ID.String(),
		"agent_id": notice.AgentID,
		"token":    token,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrNotAcked, c.url, resp.StatusCode)
	}
	return nil
}
