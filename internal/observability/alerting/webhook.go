package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPWebhookSender posts alerts as JSON to a configured operator webhook.
type HTTPWebhookSender struct {
	url    string
	client *http.Client
}

// NewHTTPWebhookSender returns nil when url is empty, so it can be passed
// straight into a WebhookNotifier.
func NewHTTPWebhookSender(url string) *HTTPWebhookSender {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	return &HTTPWebhookSender{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Send implements WebhookSender.
func (s *HTTPWebhookSender) Send(ctx context.Context, content string) error {
	if s == nil {
		return nil
	}
	body, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

var _ WebhookSender = (*HTTPWebhookSender)(nil)
