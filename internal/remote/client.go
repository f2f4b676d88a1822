// Package remote talks to the definitions service: conditional definition
// fetches, live-update address lookup, and the live-update socket itself.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagsync/internal/core"
)

const maxResponseBytes = 8 << 20

// ErrNotModified is returned by do when the service answers 304.
var ErrNotModified = errors.New("definitions not modified")

// Config holds configuration for the definitions client.
type Config struct {
	// BaseURL is the definitions service root, e.g. "https://flags.example.com/api/".
	BaseURL     string
	AppKey      string
	Environment string
	// UserAgent is sent on every request when set.
	UserAgent string
	// HTTPClient is optional; defaults to a client with an otelhttp transport.
	HTTPClient *http.Client
}

// Client fetches definitions over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient returns a definitions client.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// FetchResult is the outcome of one conditional fetch.
type FetchResult struct {
	Definitions []core.FeatureDefinition
	ETag        string
	NotModified bool
}

// APIError is returned when the service responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagsync: HTTP %d: %s", e.StatusCode, e.Message)
}

type wireFilter struct {
	Name       string                     `json:"name"`
	Parameters map[string]json.RawMessage `json:"parameters"`
}

type wireDefinition struct {
	FeatureKey string       `json:"featureKey"`
	Filters    []wireFilter `json:"filters"`
	Metrics    []string     `json:"metrics"`
}

func (c *Client) scopePath(prefix string) string {
	return c.cfg.BaseURL + prefix + url.PathEscape(c.cfg.AppKey) + "/" + url.PathEscape(c.cfg.Environment)
}

func (c *Client) do(ctx context.Context, target string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("flagsync: create request: %w", err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagsync: http: %w", err)
	}
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil, ErrNotModified
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// Fetch requests the full definition list, sending etag as the cache
// validator when it is non-empty.
func (c *Client) Fetch(ctx context.Context, etag string) (FetchResult, error) {
	header := http.Header{"Accept": []string{"application/json"}}
	if etag != "" {
		header.Set("If-None-Match", etag)
	}

	resp, err := c.do(ctx, c.scopePath("/definitions/"), header)
	if errors.Is(err, ErrNotModified) {
		return FetchResult{ETag: etag, NotModified: true}, nil
	}
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	var wire []wireDefinition
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&wire); err != nil {
		return FetchResult{}, fmt.Errorf("flagsync: decode definitions: %w", err)
	}

	defs := make([]core.FeatureDefinition, 0, len(wire))
	for _, wd := range wire {
		if strings.TrimSpace(wd.FeatureKey) == "" {
			continue
		}
		defs = append(defs, decodeDefinition(wd))
	}

	return FetchResult{Definitions: defs, ETag: resp.Header.Get("ETag")}, nil
}

// LiveUpdateURL asks the service where to open the live-update socket. HTTP
// schemes are rewritten to their websocket equivalents.
func (c *Client) LiveUpdateURL(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, c.scopePath("/definitions/live-updates/"), http.Header{"Accept": []string{"text/plain"}})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("flagsync: read live-update url: %w", err)
	}

	raw := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if raw == "" {
		return "", errors.New("flagsync: empty live-update url")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("flagsync: parse live-update url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("flagsync: unsupported live-update scheme %q", parsed.Scheme)
	}
	return parsed.String(), nil
}

func decodeDefinition(wd wireDefinition) core.FeatureDefinition {
	def := core.FeatureDefinition{Key: wd.FeatureKey, Metrics: wd.Metrics}
	for _, wf := range wd.Filters {
		cfg := core.FilterConfig{Name: wf.Name}
		if len(wf.Parameters) > 0 {
			cfg.Parameters = make(map[string]string, len(wf.Parameters))
			for key, raw := range wf.Parameters {
				cfg.Parameters[key] = parameterString(raw)
			}
		}
		def.Filters = append(def.Filters, cfg)
	}
	return def
}

// parameterString unquotes JSON strings and keeps any other value as its
// compact JSON text.
func parameterString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err == nil {
		return compact.String()
	}
	return string(raw)
}
