package server

import (
	"context"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/definitions"
	"github.com/matt-riley/flagsync/internal/service"
)

type Service interface {
	IsEnabled(ctx context.Context, key string) bool
	EvaluateGate(ctx context.Context, gate core.Gate) bool
	RecordUsage(ctx context.Context, key string)
	Measure(ctx context.Context, metric string, value float64)
	IncrementCounter(ctx context.Context, metric string, value float64)
	Observe(ctx context.Context, metric string, value float64)
	Definition(ctx context.Context, key string) core.FeatureDefinition
	Definitions(ctx context.Context) []core.FeatureDefinition
	Status() definitions.Status
	Ready() <-chan struct{}
}

var _ Service = (*service.Service)(nil)
