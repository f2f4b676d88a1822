package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagsync/internal/remote"
)

const maxAckBytes = 1 << 20

// errMalformedAck marks a reply that arrived but could not be read. The
// batch was delivered, so it is not retried.
var errMalformedAck = errors.New("malformed reply")

// HTTPConfig holds configuration for the HTTP uploader.
type HTTPConfig struct {
	// BaseURL is the collection service root; batches go to {BaseURL}/usage
	// and {BaseURL}/metrics.
	BaseURL string
	// HTTPClient is optional; defaults to a client with an otelhttp transport.
	HTTPClient *http.Client
	Retry      RetryPolicy
}

// HTTPUploader posts batches as JSON.
type HTTPUploader struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
}

// NewHTTPUploader returns an HTTP uploader.
func NewHTTPUploader(cfg HTTPConfig) *HTTPUploader {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	retry := cfg.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}
	return &HTTPUploader{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: hc,
		retry:      retry,
	}
}

// SendUsage uploads a usage batch.
func (u *HTTPUploader) SendUsage(ctx context.Context, batch UsageBatch) (UsageAck, error) {
	var ack UsageAck
	err := u.post(ctx, "/usage", batch, &ack)
	return ack, err
}

// SendMetrics uploads a metrics batch.
func (u *HTTPUploader) SendMetrics(ctx context.Context, batch MetricsBatch) (MetricsAck, error) {
	var ack MetricsAck
	err := u.post(ctx, "/metrics", batch, &ack)
	return ack, err
}

// Close releases idle connections.
func (u *HTTPUploader) Close() error {
	u.httpClient.CloseIdleConnections()
	return nil
}

func (u *HTTPUploader) post(ctx context.Context, path string, body, reply any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("flagsync: marshal request: %w", err)
	}
	return u.retry.run(ctx, retryableHTTP, func(ctx context.Context) error {
		return u.do(ctx, path, payload, reply)
	})
}

func (u *HTTPUploader) do(ctx context.Context, path string, payload []byte, reply any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("flagsync: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("flagsync: http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if err != nil {
		return fmt.Errorf("flagsync: read response: %w: %w", errMalformedAck, err)
	}
	if resp.StatusCode >= 400 {
		return &remote.APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, reply); err != nil {
		return fmt.Errorf("flagsync: decode response: %w: %w", errMalformedAck, err)
	}
	return nil
}

func retryableHTTP(err error) bool {
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	if errors.Is(err, errMalformedAck) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
