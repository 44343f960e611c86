// Package webhook posts signed run notifications to external endpoints.
//
// Each delivery is a JSON body {event, created_at, data} with the headers
//
//	X-Webhook-Event:     the event type
//	X-Webhook-ID:        the event id
//	X-Webhook-Signature: v1=<hex hmac-sha256 of the body>
//
// Receivers verify with Verify and the shared secret.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"go.uber.org/zap"
)

const signaturePrefix = "v1="

// Config configures the notifier.
type Config struct {
	URLs       []string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Payload is the JSON body of a delivery.
type Payload struct {
	Event     domain.EventType       `json:"event"`
	CreatedAt time.Time              `json:"created_at"`
	Data      map[string]interface{} `json:"data"`
}

// Notifier delivers terminal run events to every configured URL.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier. A nil client gets one with cfg.Timeout.
func NewNotifier(cfg Config, client *http.Client, logger *zap.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Notifier{cfg: cfg, client: client, logger: logger}
}

// Start subscribes to the terminal execution channels. Subscriptions end
// when ctx is cancelled.
func (n *Notifier) Start(ctx context.Context, bus ports.EventBus) error {
	if len(n.cfg.URLs) == 0 {
		return nil
	}
	for _, t := range []domain.EventType{
		domain.EventTypeExecutionCompleted,
		domain.EventTypeExecutionFailed,
		domain.EventTypeExecutionCancelled,
		domain.EventTypeExecutionPaused,
	} {
		if _, err := bus.Subscribe(ctx, string(t), n.handle); err != nil {
			return fmt.Errorf("failed to subscribe webhook to %s: %w", t, err)
		}
	}
	n.logger.Info("webhook notifier started", zap.Int("endpoints", len(n.cfg.URLs)))
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) handle(ctx context.Context, event domain.Event) error {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Notify(context.WithoutCancel(ctx), event)
	}()
	return nil
}

// Notify delivers event to every URL, logging failures.
func (n *Notifier) Notify(ctx context.Context, event domain.Event) {
	body, err := json.Marshal(NewPayload(event))
	if err != nil {
		n.logger.Error("failed to marshal webhook payload", zap.Error(err))
		return
	}
	for _, url := range n.cfg.URLs {
		if err := n.deliver(ctx, url, event, body); err != nil {
			n.logger.Warn("webhook delivery failed",
				zap.String("url", url),
				zap.String("event_type", string(event.Type)),
				zap.String("execution_id", event.ExecutionID),
				zap.Error(err))
		}
	}
}

// NewPayload builds the delivery body for event.
func NewPayload(event domain.Event) Payload {
	data := make(map[string]interface{}, len(event.Data)+2)
	for k, v := range event.Data {
		data[k] = v
	}
	data["executionId"] = event.ExecutionID
	if event.ThreadID != "" {
		data["threadId"] = event.ThreadID
	}
	return Payload{Event: event.Type, CreatedAt: event.Timestamp, Data: data}
}

// deliver posts body, retrying transport errors and 5xx responses.
func (n *Notifier) deliver(ctx context.Context, url string, event domain.Event, body []byte) error {
	signature := Sign(n.cfg.Secret, body)
	var lastErr error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.cfg.RetryDelay * time.Duration(1<<(attempt-1))):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Event", string(event.Type))
		req.Header.Set("X-Webhook-ID", event.ID)
		if signature != "" {
			req.Header.Set("X-Webhook-Signature", signature)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("endpoint returned %d", resp.StatusCode)
		default:
			return fmt.Errorf("endpoint rejected webhook with %d", resp.StatusCode)
		}
	}
	return lastErr
}

// Sign returns the signature header value for body, or "" without a secret.
func Sign(secret string, body []byte) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body in constant time.
func Verify(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
