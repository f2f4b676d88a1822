// Package transport uploads usage and metrics batches to the collection
// service. Batches are JSON documents; the gRPC transport carries them with a
// JSON codec, the HTTP transport posts them.
package transport

import (
	"context"
	"time"
)

// Uploader sends batches. Implementations retry transient failures until the
// context deadline and never resend a batch after returning.
type Uploader interface {
	SendUsage(ctx context.Context, batch UsageBatch) (UsageAck, error)
	SendMetrics(ctx context.Context, batch MetricsBatch) (MetricsAck, error)
	Close() error
}

// UsageBatch is one usage flush.
type UsageBatch struct {
	AppKey           string        `json:"appKey"`
	Environment      string        `json:"environment"`
	Time             time.Time     `json:"time"`
	InstanceName     string        `json:"instanceName"`
	AppVersion       string        `json:"appVersion,omitempty"`
	ProcessStartTime time.Time     `json:"processStartTime"`
	Stats            []FeatureStat `json:"stats"`
}

// FeatureStat holds the counters of one feature since the previous flush.
// Unique identifier counts are cardinalities since the last daily reset.
type FeatureStat struct {
	Feature                              string `json:"feature"`
	EnabledCount                         int64  `json:"enabledCount"`
	DisabledCount                        int64  `json:"disabledCount"`
	UniqueRequestEnabledCount            int64  `json:"uniqueRequestEnabledCount"`
	UniqueRequestDisabledCount           int64  `json:"uniqueRequestDisabledCount"`
	UniqueContextIdentifierEnabledCount  int64  `json:"uniqueContextIdentifierEnabledCount"`
	UniqueContextIdentifierDisabledCount int64  `json:"uniqueContextIdentifierDisabledCount"`
	UsedCount                            int64  `json:"usedCount"`
	UniqueContextIdentifierUsedCount     int64  `json:"uniqueContextIdentifierUsedCount"`
}

// UsageAck is the service reply to a usage batch.
type UsageAck struct {
	FeatureCount int `json:"featureCount"`
}

// MetricsBatch is one metrics flush.
type MetricsBatch struct {
	AppKey       string        `json:"appKey"`
	Environment  string        `json:"environment"`
	Time         time.Time     `json:"time"`
	InstanceName string        `json:"instanceName"`
	Stats        []MetricValue `json:"stats"`
	Counters     []MetricValue `json:"counters"`
	Observations []Observation `json:"observations"`
}

// Len is the number of samples carried.
func (b MetricsBatch) Len() int {
	return len(b.Stats) + len(b.Counters) + len(b.Observations)
}

// MetricValue is a summed measurement or counter. Feature is empty for the
// unscoped sample; for experiment samples Value accumulates while the
// feature was enabled and ValueDisabled while it was disabled.
type MetricValue struct {
	Metric        string  `json:"metric"`
	Feature       string  `json:"feature,omitempty"`
	Value         float64 `json:"value"`
	ValueDisabled float64 `json:"valueDisabled"`
}

// Observation is a point-in-time sample.
type Observation struct {
	Metric  string    `json:"metric"`
	Feature string    `json:"feature,omitempty"`
	Enabled bool      `json:"enabled"`
	Time    time.Time `json:"time"`
	Value   float64   `json:"value"`
}

// MetricsAck is the service reply to a metrics batch.
type MetricsAck struct {
	Count int `json:"count"`
}
