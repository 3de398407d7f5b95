package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const expoEndpoint = "https://exp.host/--/api/v2/push/send"

// TokenSource lists the device push tokens currently registered by clients.
type TokenSource interface {
	PushTokens() []string
}

// ExpoNotifier sends alerts to mobile devices through the Expo push service.
type ExpoNotifier struct {
	tokens   TokenSource
	endpoint string
	client   *http.Client
}

// NewExpoNotifier returns a notifier that targets every token from src.
// An empty endpoint selects the public Expo API.
func NewExpoNotifier(src TokenSource, endpoint string) *ExpoNotifier {
	if endpoint == "" {
		endpoint = expoEndpoint
	}
	return &ExpoNotifier{
		tokens:   src,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type expoMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body"`
	Priority string            `json:"priority,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

// Notify implements Notifier. It is a no-op when no device is registered.
func (n *ExpoNotifier) Notify(ctx context.Context, alert Alert) error {
	if n.tokens == nil {
		return nil
	}
	tokens := n.tokens.PushTokens()
	if len(tokens) == 0 {
		return nil
	}

	priority := "default"
	if alert.Severity == SeverityError {
		priority = "high"
	}
	msgs := make([]expoMessage, 0, len(tokens))
	for _, token := range tokens {
		msgs = append(msgs, expoMessage{
			To:       token,
			Title:    alert.Title,
			Body:     alert.Body,
			Priority: priority,
			Data: map[string]string{
				"agentId":  alert.AgentID,
				"category": alert.Category,
				"severity": string(alert.Severity),
			},
		})
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("expo request build failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("expo request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("expo response %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
