package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mkove/focusdeck/go/internal/focus"
)

// WebhookNotifier posts session notifications to an HTTP endpoint, for
// forwarding into chat tools or home automation.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// webhookPayload is the JSON body posted on every notification.
type webhookPayload struct {
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	SubjectName string    `json:"subject_name"`
	IsBreak     bool      `json:"is_break"`
	SentAt      time.Time `json:"sent_at"`
}

// NewWebhookNotifier creates a notifier posting to the given URL.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
	}
}

// SetHeader adds a header to every webhook request, e.g. an auth token.
func (n *WebhookNotifier) SetHeader(key, value string) {
	n.headers[key] = value
}

func (n *WebhookNotifier) Notify(ctx context.Context, kind focus.NotifyKind, subjectName string, isBreak bool) error {
	title, body := message(kind, subjectName, isBreak)
	payload, err := json.Marshal(webhookPayload{
		Kind:        string(kind),
		Title:       title,
		Body:        body,
		SubjectName: subjectName,
		IsBreak:     isBreak,
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned status code: %d, response: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
