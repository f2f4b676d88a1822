package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// Full gRPC method names served by the collection service.
const (
	ServiceName       = "flagsync.v1.Collector"
	SendUsageMethod   = "/" + ServiceName + "/SendUsage"
	SendMetricsMethod = "/" + ServiceName + "/SendMetrics"
)

// CodecName is the content subtype of upload calls.
const CodecName = "json"

// JSONCodec marshals gRPC messages as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

// GRPCConfig holds configuration for the gRPC uploader.
type GRPCConfig struct {
	// Address is the host:port of the collection service.
	Address string
	// DialOpts are additional dial options (e.g. TLS credentials). If empty,
	// insecure credentials are used.
	DialOpts []grpc.DialOption
	Retry    RetryPolicy
}

// GRPCUploader sends batches over gRPC.
type GRPCUploader struct {
	conn  *grpc.ClientConn
	retry RetryPolicy
}

// NewGRPCUploader creates the client connection. Dialing is lazy.
func NewGRPCUploader(cfg GRPCConfig) (*GRPCUploader, error) {
	opts := []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("flagsync: grpc dial: %w", err)
	}
	retry := cfg.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}
	return &GRPCUploader{conn: conn, retry: retry}, nil
}

// SendUsage uploads a usage batch.
func (u *GRPCUploader) SendUsage(ctx context.Context, batch UsageBatch) (UsageAck, error) {
	var ack UsageAck
	err := u.invoke(ctx, SendUsageMethod, batch, &ack)
	return ack, err
}

// SendMetrics uploads a metrics batch.
func (u *GRPCUploader) SendMetrics(ctx context.Context, batch MetricsBatch) (MetricsAck, error) {
	var ack MetricsAck
	err := u.invoke(ctx, SendMetricsMethod, batch, &ack)
	return ack, err
}

// Close closes the underlying connection.
func (u *GRPCUploader) Close() error {
	return u.conn.Close()
}

func (u *GRPCUploader) invoke(ctx context.Context, method string, req, reply any) error {
	err := u.retry.run(ctx, retryableGRPC, func(ctx context.Context) error {
		return u.conn.Invoke(ctx, method, req, reply)
	})
	if err != nil {
		return fmt.Errorf("flagsync: grpc %s: %w", method, err)
	}
	return nil
}

func retryableGRPC(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}
