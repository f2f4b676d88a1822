package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storeContract(t, NewRedis(client, testScope, 0))

	if !srv.Exists(redisKeyPrefix + "app/Production") {
		t.Fatal("snapshot key not written")
	}
}

func TestRedisStoreTTL(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedis(client, testScope, time.Hour)
	if err := store.Save(context.Background(), sampleDefinitions()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if ttl := srv.TTL(redisKeyPrefix + "app/Production"); ttl != time.Hour {
		t.Fatalf("TTL = %v, want %v", ttl, time.Hour)
	}
}

func TestConnectRedis(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), "redis://"+srv.Addr()+"/0")
	if err != nil {
		t.Fatalf("ConnectRedis() error = %v", err)
	}
	_ = client.Close()

	if _, err := ConnectRedis(context.Background(), "not a url"); err == nil {
		t.Fatal("ConnectRedis() error = nil for invalid url")
	}
}
