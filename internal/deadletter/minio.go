package deadletter

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
	"github.com/burhanwani/WhatsAppSimulator/pkg/resilience"
)

// MinIOConfig configures the object store sink
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOSink writes each record as a JSON object
type MinIOSink struct {
	client  *minio.Client
	bucket  string
	breaker *resilience.CircuitBreaker
	backoff resilience.Backoff
}

// NewMinIOSink connects to MinIO and makes sure the bucket exists
func NewMinIOSink(ctx context.Context, cfg MinIOConfig) (*MinIOSink, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("Created dead-letter bucket", zap.String("bucket", cfg.Bucket))
	}

	return &MinIOSink{
		client:  client,
		bucket:  cfg.Bucket,
		breaker: resilience.NewCircuitBreaker("minio-deadletter", 5, 30*time.Second),
		backoff: resilience.Backoff{
			Initial:     200 * time.Millisecond,
			Max:         2 * time.Second,
			Multiplier:  2,
			MaxAttempts: 3,
		},
	}, nil
}

// Write uploads rec to {bucket}/deadletter/{recipient}/{messageId}.json
func (s *MinIOSink) Write(ctx context.Context, rec *Record) error {
	body, err := rec.Marshal()
	if err != nil {
		metrics.DeadLetterWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to encode dead-letter record: %w", err)
	}
	key := rec.ObjectKey()

	_, err = resilience.Retry(ctx, s.backoff, "deadletter_put", func(ctx context.Context) error {
		err := s.breaker.Execute(func() error {
			_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
				minio.PutObjectOptions{ContentType: "application/json"})
			return err
		})
		if err == resilience.ErrCircuitOpen {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		metrics.DeadLetterWritesTotal.WithLabelValues("error").Inc()
		return apperrors.StorageError(fmt.Errorf("failed to write dead-letter object %s: %w", key, err))
	}

	metrics.DeadLetterWritesTotal.WithLabelValues("success").Inc()
	logger.Info("Dead-lettered message",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.String("reason", rec.Reason))
	return nil
}
