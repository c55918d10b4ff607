package webhook

import (
	"bytes"
	"clai-chat/internal/events"
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	userAgent       = "CLAI-Chat-Webhook/1.0"
	eventHeader     = "X-CLAI-Event"
	signatureHeader = "X-CLAI-Signature"

	// DefaultTimeout bounds a single delivery
	DefaultTimeout = 5 * time.Second
	// MaxResponseBody is how many characters of a response body are logged
	MaxResponseBody = 1000
	// DefaultLogLimit is used when listing delivery logs without a limit
	DefaultLogLimit = 100
)

var (
	ErrInvalidURL   = errors.New("webhook url must be an absolute http or https url")
	ErrInvalidEvent = errors.New("unknown webhook event")
	ErrNoEvents     = errors.New("webhook must subscribe to at least one event")
)

// DeliveryResult is the outcome of one delivery attempt
type DeliveryResult struct {
	WebhookID  string `json:"webhook_id"`
	Event      string `json:"event"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Dispatcher delivers signed event notifications to subscribed endpoints
type Dispatcher struct {
	store  db.WebhookStore
	client *http.Client
	now    func() time.Time
}

// NewDispatcher creates a dispatcher. A non-positive timeout uses DefaultTimeout.
func NewDispatcher(store db.WebhookStore, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// BuildBody returns the canonical JSON body for an event. The payload is
// copied, never mutated; event and timestamp (unix seconds) are injected.
// Map keys are emitted sorted so the bytes are stable for signing.
func BuildBody(event string, payload map[string]any, timestamp int64) ([]byte, error) {
	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["event"] = event
	body["timestamp"] = timestamp

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error encoding webhook payload: %w", err)
	}
	return data, nil
}

// Dispatch delivers event to every active subscription of the organization
// that lists it. Subscribers are delivered concurrently and results keep
// subscription order. Delivery failures are reported in the results, never
// as an error; the error is only set when a subscription lookup or a
// delivery log write fails.
func (d *Dispatcher) Dispatch(ctx context.Context, organizationID, event string, payload map[string]any) ([]DeliveryResult, error) {
	hooks, err := d.store.ListActiveWebhooks(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("error loading webhooks: %w", err)
	}

	subscribed := lo.Filter(hooks, func(w db.Webhook, _ int) bool {
		return lo.Contains(w.Events, event)
	})
	if len(subscribed) == 0 {
		return []DeliveryResult{}, nil
	}

	body, err := BuildBody(event, payload, d.now().Unix())
	if err != nil {
		return nil, err
	}

	results := make([]DeliveryResult, len(subscribed))
	logErrs := make([]error, len(subscribed))

	var wg sync.WaitGroup
	for i, hook := range subscribed {
		wg.Add(1)
		go func(i int, hook db.Webhook) {
			defer wg.Done()
			results[i], logErrs[i] = d.deliver(ctx, hook, event, body)
		}(i, hook)
	}
	wg.Wait()

	logger.Log.WithFields(logrus.Fields{
		"organization_id": organizationID,
		"event":           event,
		"deliveries":      len(results),
		"failures":        lo.CountBy(results, func(r DeliveryResult) bool { return !r.Success }),
	}).Info("Dispatched webhook event")

	if err := errors.Join(logErrs...); err != nil {
		return results, err
	}
	return results, nil
}

// deliver performs one POST and writes exactly one delivery log
func (d *Dispatcher) deliver(ctx context.Context, hook db.Webhook, event string, body []byte) (DeliveryResult, error) {
	result := DeliveryResult{WebhookID: hook.ID, Event: event}
	entry := &db.WebhookLog{
		WebhookID:   hook.ID,
		Event:       event,
		RequestData: string(body),
	}

	status, respBody, err := d.post(ctx, hook, event, body)
	if err != nil {
		result.Error = err.Error()
		entry.Error = err.Error()
		entry.ResponseBody = truncate(err.Error(), MaxResponseBody)
	} else {
		result.StatusCode = status
		result.Success = status >= 200 && status < 300
		entry.ResponseStatus = status
		entry.ResponseBody = truncate(respBody, MaxResponseBody)
		if !result.Success {
			result.Error = fmt.Sprintf("endpoint returned status %d", status)
		}
	}
	entry.Success = result.Success

	fields := logrus.Fields{
		"webhook_id": hook.ID,
		"event":      event,
		"status":     status,
	}
	if result.Success {
		logger.Log.WithFields(fields).Debug("Webhook delivered")
	} else {
		logger.Log.WithFields(fields).WithField("error", result.Error).Warn("Webhook delivery failed")
	}

	// the log outlives a cancelled dispatch
	if _, err := d.store.AddWebhookLog(context.WithoutCancel(ctx), entry); err != nil {
		return result, fmt.Errorf("error writing delivery log for webhook %s: %w", hook.ID, err)
	}
	return result, nil
}

func (d *Dispatcher) post(ctx context.Context, hook db.Webhook, event string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("error creating request: %w", err)
	}

	for _, h := range hook.Headers {
		req.Header.Set(h.Name, h.Value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(eventHeader, event)
	if hook.Secret != "" {
		req.Header.Set(signatureHeader, Sign(hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	// MaxResponseBody characters are at most 4 bytes each
	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody*utf8.UTFMax))
	if err != nil {
		logger.Log.WithError(err).WithField("webhook_id", hook.ID).Debug("Error reading webhook response body")
	}
	return resp.StatusCode, string(raw), nil
}

func truncate(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars])
}

// TestEvent is the event name of a manual test delivery
const TestEvent = "test"

// SubscribeRequest describes a new webhook subscription
type SubscribeRequest struct {
	OrganizationID string      `json:"organization_id"`
	Name           string      `json:"name"`
	URL            string      `json:"url"`
	Secret         string      `json:"secret,omitempty"`
	Events         []string    `json:"events"`
	Headers        []db.Header `json:"headers,omitempty"`
}

// UpdateRequest changes the non-nil fields of a subscription
type UpdateRequest struct {
	Name    *string      `json:"name,omitempty"`
	URL     *string      `json:"url,omitempty"`
	Secret  *string      `json:"secret,omitempty"`
	Events  *[]string    `json:"events,omitempty"`
	Headers *[]db.Header `json:"headers,omitempty"`
	Active  *bool        `json:"active,omitempty"`
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	return u, nil
}

func validateEvents(requested []string) ([]string, error) {
	evs := lo.Uniq(requested)
	if len(evs) == 0 {
		return nil, ErrNoEvents
	}
	if unknown := lo.Without(evs, events.Names...); len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(unknown, ", "))
	}
	return evs, nil
}

// Subscribe validates and stores a webhook subscription
func (d *Dispatcher) Subscribe(ctx context.Context, req SubscribeRequest) (*db.Webhook, error) {
	u, err := parseURL(req.URL)
	if err != nil {
		return nil, err
	}

	evs, err := validateEvents(req.Events)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = u.Host
	}

	return d.store.CreateWebhook(ctx, &db.Webhook{
		OrganizationID: req.OrganizationID,
		Name:           name,
		URL:            u.String(),
		Secret:         req.Secret,
		Events:         evs,
		Headers:        req.Headers,
		Active:         true,
	})
}

// GetSubscription returns a webhook by id, active or not
func (d *Dispatcher) GetSubscription(ctx context.Context, webhookID string) (*db.Webhook, error) {
	return d.store.GetWebhook(ctx, webhookID)
}

// UpdateSubscription applies req to a webhook. Setting Active to false stops
// deliveries without losing the delivery history.
func (d *Dispatcher) UpdateSubscription(ctx context.Context, webhookID string, req UpdateRequest) (*db.Webhook, error) {
	hook, err := d.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	if req.URL != nil {
		u, err := parseURL(*req.URL)
		if err != nil {
			return nil, err
		}
		hook.URL = u.String()
	}
	if req.Events != nil {
		evs, err := validateEvents(*req.Events)
		if err != nil {
			return nil, err
		}
		hook.Events = evs
	}
	if req.Name != nil {
		if name := strings.TrimSpace(*req.Name); name != "" {
			hook.Name = name
		}
	}
	if req.Secret != nil {
		hook.Secret = *req.Secret
	}
	if req.Headers != nil {
		hook.Headers = *req.Headers
	}
	if req.Active != nil {
		hook.Active = *req.Active
	}

	if err := d.store.UpdateWebhook(ctx, hook); err != nil {
		return nil, err
	}
	return d.store.GetWebhook(ctx, webhookID)
}

// DeleteSubscription removes a webhook together with its delivery logs
func (d *Dispatcher) DeleteSubscription(ctx context.Context, webhookID string) error {
	return d.store.DeleteWebhook(ctx, webhookID)
}

// SendTestEvent sends a test event to one webhook, whether or not it is active or
// subscribed to anything, and logs the attempt like any other delivery.
func (d *Dispatcher) SendTestEvent(ctx context.Context, webhookID string) (DeliveryResult, error) {
	hook, err := d.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return DeliveryResult{}, err
	}

	body, err := BuildBody(TestEvent, map[string]any{
		"message":         "This is a test webhook event",
		"organization_id": hook.OrganizationID,
	}, d.now().Unix())
	if err != nil {
		return DeliveryResult{}, err
	}

	return d.deliver(ctx, *hook, TestEvent, body)
}

// ListDeliveryLogs returns a webhook's delivery logs newest first
func (d *Dispatcher) ListDeliveryLogs(ctx context.Context, webhookID string, limit int) ([]db.WebhookLog, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return d.store.ListWebhookLogs(ctx, webhookID, limit)
}

// ListSubscriptions returns all of the organization's webhooks, including
// deactivated ones
func (d *Dispatcher) ListSubscriptions(ctx context.Context, organizationID string) ([]db.Webhook, error) {
	return d.store.ListWebhooks(ctx, organizationID)
}
