// Package webhook delivers domain events to HTTP endpoints as signed JSON.
package webhook

import (
	"bytes"
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
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ils/insight/internal/platform/events"
)

const (
	SignatureHeader = "X-Insight-Signature"
	DeliveryHeader  = "X-Insight-Delivery"
	EventHeader     = "X-Insight-Event"
	TimestampHeader = "X-Insight-Timestamp"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a header value of the form "sha256=<hex>".
func VerifySignature(payload []byte, secret, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(header[len(prefix):]))
}

// DeliveryError reports a failed delivery after all attempts.
type DeliveryError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook %s: status %d after %d attempts", e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("webhook %s: %v after %d attempts", e.URL, e.Err, e.Attempts)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Option func(*Publisher)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.client = c }
}

func WithMaxRetries(n int) Option {
	return func(p *Publisher) { p.maxRetries = n }
}

// WithBackoff overrides the delay before each retry; the last entry repeats.
func WithBackoff(delays ...time.Duration) Option {
	return func(p *Publisher) { p.backoff = delays }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// Publisher implements events.Publisher by POSTing each event to every
// configured URL. 4xx responses other than 408 and 429 are not retried.
type Publisher struct {
	urls       []string
	secret     string
	client     *http.Client
	maxRetries int
	backoff    []time.Duration
	logger     zerolog.Logger
}

func NewPublisher(urls []string, secret string, opts ...Option) (*Publisher, error) {
	if len(urls) == 0 {
		return nil, errors.New("webhook: no target URLs")
	}
	if secret == "" {
		return nil, errors.New("webhook: secret is required")
	}
	for _, raw := range urls {
		if err := validateURL(raw); err != nil {
			return nil, err
		}
	}
	p := &Publisher{
		urls:       urls,
		secret:     secret,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    []time.Duration{time.Second, 10 * time.Second, time.Minute},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q: missing host", raw)
	}
	return nil
}

// Publish delivers e to every target and joins the failures.
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	var errs []error
	for _, target := range p.urls {
		if err := p.deliver(ctx, target, e.Type, payload); err != nil {
			p.logger.Warn().Err(err).Str("event", e.Type).Str("tenant", e.TenantID).Msg("webhook delivery failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) deliver(ctx context.Context, target, eventType string, payload []byte) error {
	deliveryID := uuid.NewString()
	sig := "sha256=" + SignPayload(payload, p.secret)

	var last DeliveryError
	last.URL = target
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.delay(attempt-1)); err != nil {
				last.Err = err
				return &last
			}
		}
		last.Attempts = attempt + 1
		status, err := p.post(ctx, target, eventType, deliveryID, sig, payload)
		last.StatusCode, last.Err = status, err
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		if err == nil && !retryable(status) {
			return &last
		}
	}
	return &last
}

func (p *Publisher) post(ctx context.Context, target, eventType, deliveryID, sig string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)
	req.Header.Set(DeliveryHeader, deliveryID)
	req.Header.Set(EventHeader, eventType)
	req.Header.Set(TimestampHeader, time.Now().UTC().Format(time.RFC3339))

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, nil
}

func (p *Publisher) delay(i int) time.Duration {
	if len(p.backoff) == 0 {
		return 0
	}
	if i >= len(p.backoff) {
		i = len(p.backoff) - 1
	}
	return p.backoff[i]
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
