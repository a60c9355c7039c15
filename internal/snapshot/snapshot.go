// Package snapshot archives rendered vendor pages to S3-compatible storage
// so extraction results can be audited and heuristics replayed offline.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// putter is the subset of the S3 client the store needs.
type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Store struct {
	client putter
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewS3Store builds a client for cfg. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies. A custom
// endpoint switches to path-style addressing for MinIO-like backends.
func NewS3Store(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("snapshot bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, cfg, logger), nil
}

func newS3Store(client putter, cfg Config, logger *slog.Logger) *S3Store {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "snapshots"
	}
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger.With("component", "snapshot"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Save uploads html and returns the object key.
func (s *S3Store) Save(ctx context.Context, pageURL string, html []byte) (string, error) {
	key := s.key(pageURL)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(html),
		ContentType: aws.String("text/html; charset=utf-8"),
		Metadata:    map[string]string{"source-url": pageURL},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}

	s.logger.Debug("snapshot uploaded", "bucket", s.bucket, "key", key, "bytes", len(html))
	return key, nil
}

// key is <prefix>/<host>/<yyyy>/<mm>/<dd>/<unix-nanos>-<url-hash>.html
func (s *S3Store) key(pageURL string) string {
	host := "unknown"
	if u, err := url.Parse(pageURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	sum := sha256.Sum256([]byte(pageURL))
	now := s.now()
	return fmt.Sprintf("%s/%s/%s/%d-%s.html",
		s.prefix, host, now.Format("2006/01/02"), now.UnixNano(), hex.EncodeToString(sum[:6]))
}
