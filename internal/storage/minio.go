package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/transport"
)

var tracer = otel.Tracer("hookvault-storage")

// MinioScheme is the URL scheme for object-store endpoints and locators:
// minio://bucket/prefix for endpoints, minio://bucket/key for locators.
const MinioScheme = "minio"

// MinioClient stores chunks as objects in S3-compatible buckets
type MinioClient struct {
	client  *minio.Client
	logger  *zap.Logger
	buckets sync.Map
}

// NewMinioClient initializes a new MinIO client
func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool, logger *zap.Logger) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &MinioClient{client: client, logger: logger}, nil
}

// Upload implements transport.Transport
func (mc *MinioClient) Upload(ctx context.Context, endpointURL, name string, payload []byte) (transport.Receipt, error) {
	bucket, prefix, err := parseMinioURL(endpointURL)
	if err != nil {
		return transport.Receipt{}, &errs.TransportError{Op: "upload", URL: endpointURL, Err: err}
	}
	objectKey := path.Join(prefix, name)

	ctx, span := tracer.Start(ctx, "minio.upload_chunk",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("object_key", objectKey),
			attribute.Int("size_bytes", len(payload)),
		),
	)
	defer span.End()

	if err := mc.ensureBucket(ctx, bucket); err != nil {
		span.RecordError(err)
		return transport.Receipt{}, minioError("upload", endpointURL, err)
	}

	info, err := mc.client.PutObject(ctx, bucket, objectKey, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return transport.Receipt{}, minioError("upload", endpointURL, fmt.Errorf("failed to upload chunk: %w", err))
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	locator := url.URL{Scheme: MinioScheme, Host: bucket, Path: "/" + objectKey}
	return transport.Receipt{Locator: locator.String(), Size: info.Size}, nil
}

// Download implements transport.Transport
func (mc *MinioClient) Download(ctx context.Context, locator string) ([]byte, error) {
	bucket, objectKey, err := parseMinioURL(locator)
	if err != nil {
		return nil, &errs.TransportError{Op: "download", URL: locator, Err: err}
	}

	ctx, span := tracer.Start(ctx, "minio.download_chunk",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("object_key", objectKey),
		),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, minioError("download", locator, fmt.Errorf("failed to get object: %w", err))
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		span.RecordError(err)
		return nil, minioError("download", locator, fmt.Errorf("failed to read object data: %w", err))
	}

	span.SetAttributes(
		attribute.Int("size_bytes", len(data)),
		attribute.Bool("download_success", true),
	)
	return data, nil
}

func (mc *MinioClient) ensureBucket(ctx context.Context, bucket string) error {
	if _, ok := mc.buckets.Load(bucket); ok {
		return nil
	}

	exists, err := mc.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		mc.logger.Info("creating bucket", zap.String("bucket", bucket))
		if err := mc.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	mc.buckets.Store(bucket, struct{}{})
	return nil
}

// parseMinioURL splits minio://bucket/key into its bucket and key.
func parseMinioURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != MinioScheme || u.Host == "" {
		return "", "", fmt.Errorf("not a %s URL: %s", MinioScheme, raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// minioError maps S3 error responses onto transport errors: missing objects
// and access denials are permanent, server-side failures are retried.
func minioError(op, rawURL string, err error) error {
	var resp minio.ErrorResponse
	errors.As(err, &resp)
	te := &errs.TransportError{Op: op, URL: rawURL, StatusCode: resp.StatusCode, Err: err}

	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.Code == "AccessDenied":
		te.Transient = false
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		te.Transient = true
	case resp.StatusCode == 0:
		// no S3 error body: network level failure
		te.Transient = true
	}
	return te
}
