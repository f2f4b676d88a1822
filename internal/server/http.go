// Package server exposes the agent's local HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/metrics"
)

const defaultMaxJSONBodyBytes = 1 << 20

// Metric kinds accepted by POST /v1/metrics.
const (
	KindMeasure = "measure"
	KindCounter = "counter"
	KindObserve = "observe"
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service          Service
	metrics          *metrics.Metrics
	maxJSONBodyBytes int64
}

type Option func(*HTTPServer)

// WithMetrics records request metrics on m and serves its registry at
// /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithMaxJSONBodySize caps request bodies at n bytes.
func WithMaxJSONBodySize(n int64) Option {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

type evaluateJSONRequest struct {
	Features    []string `json:"features"`
	Requirement string   `json:"requirement,omitempty"`
	Negate      bool     `json:"negate,omitempty"`
}

type evaluateJSONResponse struct {
	Enabled bool `json:"enabled"`
}

type featureJSONResponse struct {
	Key        string                 `json:"key"`
	Enabled    bool                   `json:"enabled"`
	Definition core.FeatureDefinition `json:"definition"`
}

type metricJSONRequest struct {
	Kind   string  `json:"kind"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

func NewHTTPHandler(svc Service, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:          svc,
		maxJSONBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	server.handle(mux, "POST /v1/evaluate", server.handleEvaluate)
	server.handle(mux, "GET /v1/features/{key}", server.handleGetFeature)
	server.handle(mux, "POST /v1/features/{key}/usage", server.handleRecordUsage)
	server.handle(mux, "POST /v1/metrics", server.handleRecordMetric)
	server.handle(mux, "GET /v1/definitions", server.handleListDefinitions)
	server.handle(mux, "GET /v1/status", server.handleStatus)
	server.handle(mux, "GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return mux
}

// handle registers h under pattern, recording its outcome against the
// pattern so path parameters do not inflate label cardinality.
func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	_, route, _ := strings.Cut(pattern, " ")
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r)
		s.metrics.ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	gate, err := parseGate(request)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{Enabled: s.service.EvaluateGate(r.Context(), gate)})
}

func (s *HTTPServer) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	enabled := s.service.IsEnabled(r.Context(), key)
	writeJSON(w, http.StatusOK, featureJSONResponse{
		Key:        key,
		Enabled:    enabled,
		Definition: s.service.Definition(r.Context(), key),
	})
}

func (s *HTTPServer) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	s.service.RecordUsage(r.Context(), key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRecordMetric(w http.ResponseWriter, r *http.Request) {
	var request metricJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	metric := strings.TrimSpace(request.Metric)
	if metric == "" {
		writeJSONError(w, http.StatusBadRequest, "metric is required")
		return
	}
	if math.IsNaN(request.Value) || math.IsInf(request.Value, 0) {
		writeJSONError(w, http.StatusBadRequest, "value must be finite")
		return
	}

	switch strings.ToLower(strings.TrimSpace(request.Kind)) {
	case KindMeasure:
		s.service.Measure(r.Context(), metric, request.Value)
	case KindCounter:
		s.service.IncrementCounter(r.Context(), metric, request.Value)
	case KindObserve:
		s.service.Observe(r.Context(), metric, request.Value)
	default:
		writeJSONError(w, http.StatusBadRequest, "kind must be measure, counter or observe")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Definitions(r.Context()))
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status())
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-s.service.Ready():
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
	}
}

func parseGate(request evaluateJSONRequest) (core.Gate, error) {
	requirement, err := core.ParseRequirement(request.Requirement)
	if err != nil {
		return core.Gate{}, err
	}

	features := make([]string, 0, len(request.Features))
	for idx, key := range request.Features {
		key = strings.TrimSpace(key)
		if key == "" {
			return core.Gate{}, fmt.Errorf("features[%d] is required", idx)
		}
		features = append(features, key)
	}

	return core.Gate{Features: features, Requirement: requirement, Negate: request.Negate}, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
