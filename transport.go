package sentry

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-sentry/internal/clientreport"
	"github.com/your-org/roadrunner-sentry/internal/ratelimit"
)

// maxResponseBody bounds how much of an error response is kept.
const maxResponseBody = 4096

// Transport delivers envelopes.
type Transport interface {
	SendEnvelope(ctx context.Context, envelope *Envelope) error
	IsRateLimited(category ratelimit.Category) bool
	Close() error
}

// DeliveryError is returned when the server answered with a non-2xx status.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("sentry responded with status %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport sends envelopes to the DSN envelope endpoint
type HTTPTransport struct {
	cfg      TransportConfig
	dsn      *DSN
	client   *http.Client
	limiter  *ratelimit.Limiter
	recorder *clientreport.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewHTTPTransport creates a transport for dsn. httpClient may be nil, in
// which case one is built from cfg.
func NewHTTPTransport(dsn *DSN, cfg TransportConfig, httpClient *http.Client, recorder *clientreport.Recorder, logger *zap.Logger) (*HTTPTransport, error) {
	const op = errors.Op("sentry_http_transport")

	if dsn == nil {
		return nil, errors.E(op, errors.Str("DSN is required"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if httpClient == nil {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: cfg.ConnectTimeout,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
			},
		}

		if cfg.Proxy != "" {
			proxyURL, err := url.Parse(cfg.Proxy)
			if err != nil {
				return nil, errors.E(op, fmt.Errorf("invalid proxy URL: %w", err))
			}
			transport.Proxy = http.ProxyURL(proxyURL)
			if cfg.ProxyAuth != "" {
				transport.ProxyConnectHeader = http.Header{
					"Proxy-Authorization": []string{"Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.ProxyAuth))},
				}
			}
		}

		httpClient = &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		}
	}

	return &HTTPTransport{
		cfg:      cfg,
		dsn:      dsn,
		client:   httpClient,
		limiter:  ratelimit.NewLimiter(logger),
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SendEnvelope removes rate limited items and posts the rest. A non-2xx
// response returns a *DeliveryError.
func (t *HTTPTransport) SendEnvelope(ctx context.Context, envelope *Envelope) error {
	const op = errors.Op("sentry_send_envelope")

	hadPayload := envelope.HasPayload()
	removed := envelope.filter(func(item *EnvelopeItem) bool {
		return !t.limiter.IsRateLimited(item.category)
	})
	for _, item := range removed {
		if item.Type == itemTypeClientReport {
			continue
		}
		t.recorder.Record(clientreport.ReasonRateLimitBackoff, item.category, 1)
		t.logger.Debug("dropping rate limited item",
			zap.String("event_id", string(envelope.Header.EventID)),
			zap.String("category", item.category.String()),
			zap.Time("disabled_until", t.limiter.DisabledUntil(item.category)))
	}
	if len(envelope.Items) == 0 || (hadPayload && !envelope.HasPayload()) {
		return nil
	}

	req, err := t.createRequest(ctx, envelope)
	if err != nil {
		return errors.E(op, err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Error("HTTP request failed",
			zap.String("event_id", string(envelope.Header.EventID)),
			zap.Error(err))
		return errors.E(op, errors.Network, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		t.logger.Warn("failed to read response body",
			zap.String("event_id", string(envelope.Header.EventID)),
			zap.Error(err))
	}

	t.limiter.Update(resp)

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		t.logger.Debug("envelope sent",
			zap.String("event_id", string(envelope.Header.EventID)),
			zap.Int("status_code", resp.StatusCode))
		return nil
	}

	t.logger.Error("envelope send failed",
		zap.String("event_id", string(envelope.Header.EventID)),
		zap.Int("status_code", resp.StatusCode),
		zap.String("response", string(body)))

	return &DeliveryError{StatusCode: resp.StatusCode, Body: string(body)}
}

func (t *HTTPTransport) createRequest(ctx context.Context, envelope *Envelope) (*http.Request, error) {
	payload, err := envelope.Serialize()
	if err != nil {
		return nil, err
	}

	var body io.Reader = bytes.NewReader(payload)
	var contentEncoding string

	if !t.cfg.DisableCompression && len(payload) > t.cfg.CompressionThreshold {
		var buf bytes.Buffer
		gzipWriter := gzip.NewWriter(&buf)
		if _, err := gzipWriter.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		if err := gzipWriter.Close(); err != nil {
			return nil, fmt.Errorf("failed to close gzip writer: %w", err)
		}
		body = &buf
		contentEncoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.dsn.EnvelopeURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-sentry-envelope")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Sentry-Auth", t.dsn.AuthHeader(userAgent, t.now()))
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	return req, nil
}

// IsRateLimited reports whether category is currently rate limited.
func (t *HTTPTransport) IsRateLimited(category ratelimit.Category) bool {
	return t.limiter.IsRateLimited(category)
}

// Limiter returns the rate limit table.
func (t *HTTPTransport) Limiter() *ratelimit.Limiter {
	return t.limiter
}

// Close closes idle connections
func (t *HTTPTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	return nil
}

// dryRunTransport drops everything. Used when no DSN is configured.
type dryRunTransport struct {
	logger *zap.Logger
}

func (t *dryRunTransport) SendEnvelope(_ context.Context, envelope *Envelope) error {
	t.logger.Debug("no DSN configured, dropping envelope",
		zap.String("event_id", string(envelope.Header.EventID)),
		zap.Int("items", len(envelope.Items)))
	return nil
}

func (t *dryRunTransport) IsRateLimited(ratelimit.Category) bool {
	return false
}

func (t *dryRunTransport) Close() error {
	return nil
}
