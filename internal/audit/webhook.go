package audit

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
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, hex encoded
// and prefixed with "sha256=".
const SignatureHeader = "X-PrivacyChain-Signature"

// WebhookEndpoint is one subscriber. An empty Events list receives every
// event type.
type WebhookEndpoint struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

func (e WebhookEndpoint) wants(eventType string) bool {
	return len(e.Events) == 0 || slices.Contains(e.Events, eventType)
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Webhook delivers events as signed JSON POSTs. Delivery happens in the
// background with retries, so Emit never waits on a subscriber.
type Webhook struct {
	endpoints  []WebhookEndpoint
	httpClient *http.Client
	delays     []time.Duration // before attempts 2..n
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewWebhook creates a Webhook publisher for endpoints.
func NewWebhook(endpoints []WebhookEndpoint, logger *zap.Logger) (*Webhook, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("audit: at least one webhook endpoint is required")
	}
	for _, ep := range endpoints {
		u, err := url.ParseRequestURI(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("audit: invalid webhook url %q", ep.URL)
		}
		if ep.Secret == "" {
			return nil, fmt.Errorf("audit: webhook %s has no secret", ep.URL)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     []time.Duration{1 * time.Second, 5 * time.Second},
		logger:     logger,
	}, nil
}

// SetMetricsRecorder configures the metrics callback.
func (w *Webhook) SetMetricsRecorder(fn MetricsRecorder) {
	w.onMetrics = fn
}

// Emit implements Publisher. It fans e out to every subscribed endpoint.
func (w *Webhook) Emit(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	// Deliveries outlive the request that triggered them.
	ctx = context.WithoutCancel(ctx)
	for _, ep := range w.endpoints {
		if !ep.wants(e.Type) {
			continue
		}
		w.wg.Add(1)
		go func(ep WebhookEndpoint) {
			defer w.wg.Done()
			w.deliver(ctx, ep, e.Type, body)
		}(ep)
	}
	return nil
}

// Close waits for in-flight deliveries to finish.
func (w *Webhook) Close() {
	w.wg.Wait()
}

// deliver sends body to one endpoint, retrying on failure.
func (w *Webhook) deliver(ctx context.Context, ep WebhookEndpoint, eventType string, body []byte) {
	signature := signPayload(body, ep.Secret)

	for attempt := 1; attempt <= len(w.delays)+1; attempt++ {
		if attempt > 1 {
			time.Sleep(w.delays[attempt-2])
		}

		errMsg := w.post(ctx, ep.URL, body, signature)
		if w.onMetrics != nil {
			w.onMetrics(errMsg == "")
		}
		if errMsg == "" {
			return
		}

		w.logger.Warn("audit: webhook delivery failed",
			zap.String("url", ep.URL),
			zap.String("event", eventType),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
	w.logger.Error("audit: webhook delivery abandoned",
		zap.String("url", ep.URL),
		zap.String("event", eventType),
	)
}

// post performs a single delivery and returns "" on a 2xx response.
func (w *Webhook) post(ctx context.Context, target string, body []byte, signature string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return ""
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
// Subscribers can use it to authenticate deliveries.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(signature))
}

// Multi emits every event to each publisher in turn. All publishers are
// tried; their errors are joined.
type Multi []Publisher

// Emit implements Publisher.
func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
