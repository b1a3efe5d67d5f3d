package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedisClient implements EphemeralStore and JobEnqueuer with tracing.
// Partial-upload state lives here and only here: losing a key to TTL
// expiry means the upload restarts from zero, by design.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client.
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection.
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func uploadKey(ownerID int64, uploadID string) string {
	return fmt.Sprintf("upload:%d:%s", ownerID, uploadID)
}

// PutState stores partial-upload state under its TTL.
func (rc *RedisClient) PutState(ctx context.Context, st *models.PartialUploadState, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.put_upload_state",
		trace.WithAttributes(
			attribute.Int64("owner_id", st.OwnerID),
			attribute.String("upload_id", st.UploadID),
			attribute.Int64("ttl_seconds", int64(ttl.Seconds())),
		),
	)
	defer span.End()

	data, err := json.Marshal(st)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal upload state: %w", err)
	}

	if err := rc.client.Set(ctx, uploadKey(st.OwnerID, st.UploadID), data, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("put upload state: %w: %v", bridgerr.ErrBackendUnavailable, err)
	}

	span.SetAttributes(attribute.Bool("put_success", true))
	return nil
}

// GetState fetches partial-upload state. A missing key means the TTL
// passed and the upload must restart.
func (rc *RedisClient) GetState(ctx context.Context, ownerID int64, uploadID string) (*models.PartialUploadState, error) {
	ctx, span := tracer.Start(ctx, "redis.get_upload_state",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.String("upload_id", uploadID),
		),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, uploadKey(ownerID, uploadID)).Result()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("expired", true))
		return nil, fmt.Errorf("upload %s: %w", uploadID, bridgerr.ErrPartialUploadExpired)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get upload state: %w: %v", bridgerr.ErrBackendUnavailable, err)
	}

	var st models.PartialUploadState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal upload state: %w", err)
	}

	return &st, nil
}

// AppendChunk records another received chunk, preserving the key's
// remaining TTL.
func (rc *RedisClient) AppendChunk(ctx context.Context, ownerID int64, uploadID string, bytes int64) (*models.PartialUploadState, error) {
	ctx, span := tracer.Start(ctx, "redis.append_chunk",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.String("upload_id", uploadID),
			attribute.Int64("chunk_bytes", bytes),
		),
	)
	defer span.End()

	st, err := rc.GetState(ctx, ownerID, uploadID)
	if err != nil {
		return nil, err
	}

	st.ReceivedBytes += bytes
	st.ChunkCount++

	data, err := json.Marshal(st)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to marshal upload state: %w", err)
	}

	if err := rc.client.Set(ctx, uploadKey(ownerID, uploadID), data, redis.KeepTTL).Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("append chunk: %w: %v", bridgerr.ErrBackendUnavailable, err)
	}

	span.SetAttributes(
		attribute.Int64("received_bytes", st.ReceivedBytes),
		attribute.Int("chunk_count", st.ChunkCount),
	)
	return st, nil
}

// DeleteState discards partial-upload state after completion or abort.
func (rc *RedisClient) DeleteState(ctx context.Context, ownerID int64, uploadID string) error {
	ctx, span := tracer.Start(ctx, "redis.delete_upload_state",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.String("upload_id", uploadID),
		),
	)
	defer span.End()

	if err := rc.client.Del(ctx, uploadKey(ownerID, uploadID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete upload state: %w: %v", bridgerr.ErrBackendUnavailable, err)
	}

	return nil
}

// jobEnvelope is the wire shape consumed by the background workers.
type jobEnvelope struct {
	Kind       string    `json:"kind"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Payload    any       `json:"payload"`
}

// Enqueue pushes a job for the background collaborators. Fire and
// forget: the bridge never waits on the result.
func (rc *RedisClient) Enqueue(ctx context.Context, kind string, payload any) error {
	ctx, span := tracer.Start(ctx, "redis.enqueue_job",
		trace.WithAttributes(attribute.String("job_kind", kind)),
	)
	defer span.End()

	data, err := json.Marshal(jobEnvelope{
		Kind:       kind,
		EnqueuedAt: time.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := rc.client.LPush(ctx, "jobs:"+kind, data).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("enqueue job: %w: %v", bridgerr.ErrBackendUnavailable, err)
	}

	span.SetAttributes(attribute.Bool("enqueue_success", true))
	return nil
}
