package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matt-riley/flagsync/internal/core"
)

const redisKeyPrefix = "flagsync:snapshot:"

// Redis stores the snapshot under a single key.
type Redis struct {
	client redis.Cmdable
	scope  Scope
	ttl    time.Duration
}

// NewRedis returns a store on client. A zero ttl keeps the key forever.
func NewRedis(client redis.Cmdable, scope Scope, ttl time.Duration) *Redis {
	return &Redis{client: client, scope: scope, ttl: ttl}
}

func (r *Redis) key() string {
	return redisKeyPrefix + r.scope.Key()
}

func (r *Redis) Save(ctx context.Context, defs []core.FeatureDefinition) error {
	payload, err := encode(r.scope, defs, nowUTC())
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context) ([]core.FeatureDefinition, error) {
	payload, err := r.client.Get(ctx, r.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decode(r.scope, payload)
}

// ConnectRedis parses url and pings the server before returning a client.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
