package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// pushoverEndpoint is the Pushover API endpoint used for message delivery.
	pushoverEndpoint = "https://api.pushover.net/1/messages.json"
	// pushoverContentType is the HTTP form content type required by Pushover.
	pushoverContentType = "application/x-www-form-urlencoded"
	// defaultPushoverTimeout is the HTTP timeout used for Pushover requests.
	defaultPushoverTimeout = 10 * time.Second
)

// PushoverConfig describes the credentials and defaults for Pushover delivery.
type PushoverConfig struct {
	// Token is the application API token.
	Token string
	// UserKey is the destination user key.
	UserKey string
	// Cooldown is the minimum interval between alerts with the same category
	// for the same session.
	Cooldown time.Duration
	// Endpoint overrides the API URL. Empty means the public endpoint.
	Endpoint string
}

// PushoverNotifier sends alerts to the Pushover service.
type PushoverNotifier struct {
	token    string
	userKey  string
	cooldown time.Duration
	endpoint string

	client *http.Client

	mu        sync.Mutex
	lastSent  map[string]time.Time
	lastError error
}

// NewPushoverNotifier creates a notifier from cfg.
func NewPushoverNotifier(cfg PushoverConfig) (*PushoverNotifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("pushover token is required")
	}
	if strings.TrimSpace(cfg.UserKey) == "" {
		return nil, fmt.Errorf("pushover user key is required")
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("pushover cooldown must be non-negative")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = pushoverEndpoint
	}

	return &PushoverNotifier{
		token:    cfg.Token,
		userKey:  cfg.UserKey,
		cooldown: cfg.Cooldown,
		endpoint: endpoint,
		client: &http.Client{
			Timeout: defaultPushoverTimeout,
		},
		lastSent: make(map[string]time.Time),
	}, nil
}

// Notify sends alert unless an alert with the same key was sent within the
// cooldown window.
func (n *PushoverNotifier) Notify(ctx context.Context, alert Alert) error {
	if strings.TrimSpace(alert.Body) == "" {
		return fmt.Errorf("pushover message is required")
	}

	key := alert.key()
	now := time.Now()
	if !n.shouldSend(key, now) {
		return nil
	}

	if err := n.send(ctx, alert); err != nil {
		n.setLastError(err)
		return err
	}
	n.markSent(key, now)
	return nil
}

// LastError returns the most recent send error, if any.
func (n *PushoverNotifier) LastError() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastError
}

func (n *PushoverNotifier) shouldSend(key string, now time.Time) bool {
	if n.cooldown == 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	last, ok := n.lastSent[key]
	if !ok {
		return true
	}
	return now.Sub(last) >= n.cooldown
}

func (n *PushoverNotifier) markSent(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastSent[key] = now
	n.lastError = nil
}

func (n *PushoverNotifier) setLastError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastError = err
}

// pushoverPriority maps severity onto Pushover's -2..2 scale.
func pushoverPriority(s Severity) int {
	switch s {
	case SeverityError:
		return 1
	case SeverityInfo:
		return -1
	default:
		return 0
	}
}

func (n *PushoverNotifier) send(ctx context.Context, alert Alert) error {
	form := url.Values{}
	form.Set("token", n.token)
	form.Set("user", n.userKey)
	form.Set("message", alert.Body)
	if title := strings.TrimSpace(alert.Title); title != "" {
		form.Set("title", title)
	}
	if p := pushoverPriority(alert.Severity); p != 0 {
		form.Set("priority", fmt.Sprintf("%d", p))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("pushover request build failed: %w", err)
	}
	req.Header.Set("Content-Type", pushoverContentType)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushover request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("pushover response read failed: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("pushover response %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
