package contentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/config"
)

// S3 stores content in an S3-compatible bucket under its locally computed
// reference.
type S3 struct {
	client   *minio.Client
	bucket   string
	prefix   string
	maxBytes int
	logger   *slog.Logger
}

// NewS3 connects to the bucket described by cfg, creating it if missing.
func NewS3(ctx context.Context, cfg config.S3Config, maxBytes int, logger *slog.Logger) (*S3, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created content bucket", "bucket", cfg.Bucket)
	}

	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, maxBytes: maxBytes, logger: logger}, nil
}

func (s *S3) Name() string  { return "s3" }
func (s *S3) MaxBytes() int { return s.maxBytes }

func (s *S3) key(ref string) string { return s.prefix + ref }

// Put uploads data unless an object with the same reference already exists.
func (s *S3) Put(ctx context.Context, data []byte) (string, error) {
	const op = "s3-put"
	ref := Reference(data)

	_, err := s.client.StatObject(ctx, s.bucket, s.key(ref), minio.StatObjectOptions{})
	if err == nil {
		return ref, nil
	}
	if !isNoSuchKey(err) {
		return "", classifyS3Error(op, err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.key(ref), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", classifyS3Error(op, err)
	}
	return ref, nil
}

func (s *S3) Get(ctx context.Context, ref string) ([]byte, error) {
	const op = "s3-get"
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3Error(op, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, apperr.NotFound(op, "no content %s", ref)
		}
		return nil, classifyS3Error(op, err)
	}
	return data, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func classifyS3Error(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey":
		return apperr.NotFound(op, "%s", resp.Message)
	case resp.StatusCode != 0:
		return apperr.FromStatus(op, resp.StatusCode, resp.Message)
	}
	return classifyTransportError(op, err)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
