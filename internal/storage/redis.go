package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/hookvault/internal/catalog"
	"github.com/maneesh/hookvault/internal/errs"
)

const (
	// DefaultShareTTL is how long a shared catalog snapshot stays fetchable
	DefaultShareTTL = 24 * time.Hour

	shareKeyPrefix = "hookvault:catalog:"
)

// RedisShare publishes catalog snapshots under a key so another instance can
// import them
type RedisShare struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisShare initializes a new Redis client
func NewRedisShare(addr, password string, db int, ttl time.Duration) (*RedisShare, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultShareTTL
	}
	return &RedisShare{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection
func (rs *RedisShare) Close() error {
	return rs.client.Close()
}

// Publish stores a compressed snapshot under key, replacing any previous one
func (rs *RedisShare) Publish(ctx context.Context, key string, snap catalog.Snapshot) error {
	ctx, span := tracer.Start(ctx, "redis.publish_snapshot",
		trace.WithAttributes(
			attribute.String("share_key", key),
			attribute.Int("file_count", len(snap.Files)),
		),
	)
	defer span.End()

	var buf bytes.Buffer
	if err := catalog.EncodeSnapshot(&buf, snap, true); err != nil {
		span.RecordError(err)
		return err
	}

	if err := rs.client.Set(ctx, shareKey(key), buf.Bytes(), rs.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set snapshot: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("publish_success", true),
		attribute.Int64("ttl_seconds", int64(rs.ttl.Seconds())),
	)
	return nil
}

// Fetch reads the snapshot stored under key
func (rs *RedisShare) Fetch(ctx context.Context, key string) (catalog.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "redis.fetch_snapshot",
		trace.WithAttributes(
			attribute.String("share_key", key),
		),
	)
	defer span.End()

	data, err := rs.client.Get(ctx, shareKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("found", false))
		return catalog.Snapshot{}, &errs.NotFoundError{ID: key}
	} else if err != nil {
		span.RecordError(err)
		return catalog.Snapshot{}, fmt.Errorf("failed to get snapshot: %w", err)
	}

	snap, err := catalog.DecodeSnapshot(bytes.NewReader(data))
	if err != nil {
		span.RecordError(err)
		return catalog.Snapshot{}, err
	}

	span.SetAttributes(
		attribute.Bool("found", true),
		attribute.Int("file_count", len(snap.Files)),
	)
	return snap, nil
}

func shareKey(key string) string {
	return shareKeyPrefix + key
}
