package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/auditledger/internal/auditledger"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Ledger-Signature"

// DeliveryHeader carries a unique id per notification, shared by retries.
const DeliveryHeader = "X-Ledger-Delivery"

// WebhookConfig configures a WebhookPublisher.
type WebhookConfig struct {
	URLs     []string
	Secret   string        // HMAC key; empty disables signing
	Timeout  time.Duration // per attempt; default 10s
	Attempts int           // default 3
	Backoff  time.Duration // first retry delay, multiplied by 5 each retry; default 1s
}

// WebhookPublisher POSTs each notification to every configured URL.
type WebhookPublisher struct {
	cfg        WebhookConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookPublisher creates a WebhookPublisher.
func NewWebhookPublisher(cfg WebhookConfig, logger *zap.Logger) (*WebhookPublisher, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("webhook publisher needs at least one URL")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}
	return &WebhookPublisher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

// PublishSnapshot delivers to every URL and returns the joined failures.
func (p *WebhookPublisher) PublishSnapshot(ctx context.Context, snap *auditledger.Snapshot) error {
	body, err := encode(snap)
	if err != nil {
		return err
	}
	deliveryID := uuid.NewString()

	var errs []error
	for _, url := range p.cfg.URLs {
		if err := p.deliver(ctx, url, deliveryID, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

// deliver posts body to url, retrying with exponential backoff.
func (p *WebhookPublisher) deliver(ctx context.Context, url, deliveryID string, body []byte) error {
	delay := p.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 5
		}

		lastErr = p.post(ctx, url, deliveryID, body)
		if lastErr == nil {
			p.logger.Debug("webhook delivered", zap.String("url", url), zap.Int("attempt", attempt))
			return nil
		}
		p.logger.Warn("webhook delivery failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

func (p *WebhookPublisher) post(ctx context.Context, url, deliveryID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, deliveryID)
	if p.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, SignPayload(body, p.cfg.Secret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (p *WebhookPublisher) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// SignPayload computes the "sha256=<hex>" HMAC of body under secret.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload checks a SignatureHeader value in constant time.
func VerifyPayload(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(body, secret)), []byte(signature))
}
