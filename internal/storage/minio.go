package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("drivebridge-storage")

// MinioClient implements BlobStore over MinIO with tracing.
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinioClient initializes a new MinIO client.
func NewMinioClient(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	mc := &MinioClient{
		client:     client,
		bucketName: bucketName,
	}

	// Ensure bucket exists
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.Printf("Creating bucket: %s", bucketName)
		err = client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Printf("Bucket %s created successfully", bucketName)
	}

	return mc, nil
}

// wrapBlob maps a MinIO failure onto the error taxonomy: a missing key
// is NotFound, anything else means the blob store itself is unhealthy.
func wrapBlob(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", op, bridgerr.ErrNotFound)
	}
	return fmt.Errorf("%s: %v: %w", op, err, bridgerr.ErrBackendUnavailable)
}

// Put streams content into the bucket and returns its hex SHA256.
func (mc *MinioClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.put",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	hasher := sha256.New()
	_, err := mc.client.PutObject(ctx, mc.bucketName, key, io.TeeReader(r, hasher), size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return "", wrapBlob("put object", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	span.SetAttributes(
		attribute.Bool("put_success", true),
		attribute.String("checksum", checksum),
	)
	return checksum, nil
}

// Get opens the object for reading. The caller owns the stream.
func (mc *MinioClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "minio.get",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, wrapBlob("get object", err)
	}

	// GetObject defers the request until the first read, so a missing
	// key would otherwise surface mid-stream. Stat forces it here.
	if _, err := object.Stat(); err != nil {
		object.Close()
		span.RecordError(err)
		return nil, wrapBlob("stat object", err)
	}

	return object, nil
}

// Delete removes the object.
func (mc *MinioClient) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio.delete",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	err := mc.client.RemoveObject(ctx, mc.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return wrapBlob("delete object", err)
	}

	return nil
}

// Copy duplicates an object server-side; no bytes pass through the
// bridge.
func (mc *MinioClient) Copy(ctx context.Context, srcKey, dstKey string) error {
	ctx, span := tracer.Start(ctx, "minio.copy",
		trace.WithAttributes(
			attribute.String("src_key", srcKey),
			attribute.String("dst_key", dstKey),
		),
	)
	defer span.End()

	_, err := mc.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: mc.bucketName, Object: dstKey},
		minio.CopySrcOptions{Bucket: mc.bucketName, Object: srcKey},
	)
	if err != nil {
		span.RecordError(err)
		return wrapBlob("copy object", err)
	}

	span.SetAttributes(attribute.Bool("copy_success", true))
	return nil
}

// Presign issues a time-limited direct download URL so large transfers
// bypass the bridge entirely.
func (mc *MinioClient) Presign(ctx context.Context, key, filename string, ttl time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.presign",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("ttl_seconds", int64(ttl.Seconds())),
		),
	)
	defer span.End()

	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}

	signed, err := mc.client.PresignedGetObject(ctx, mc.bucketName, key, ttl, params)
	if err != nil {
		span.RecordError(err)
		return "", wrapBlob("presign object", err)
	}

	span.SetAttributes(attribute.Bool("presign_success", true))
	return signed.String(), nil
}
