// Package logstore persists build logs reported by builders to an
// S3-compatible object store. Logs are fetched from the builder's log URI,
// zstd-compressed, and keyed by build identifier.
package logstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
)

// Store uploads and serves compressed build logs.
type Store struct {
	api    *s3.Client
	bucket string
	fetch  *http.Client
}

// NewFromEnv initialises a Store using environment variables.
//
// Required:
//   - LOGSTORE_ENDPOINT: host:port or full URL to the S3 endpoint.
//   - LOGSTORE_ACCESS_KEY / LOGSTORE_SECRET_KEY: static credentials.
//   - LOGSTORE_BUCKET: bucket receiving log objects.
//
// Optional:
//   - LOGSTORE_REGION (default "us-east-1").
//   - LOGSTORE_DISABLE_TLS (bool; default false).
func NewFromEnv() (*Store, error) {
	endpoint := strings.TrimSpace(os.Getenv("LOGSTORE_ENDPOINT"))
	accessKey := os.Getenv("LOGSTORE_ACCESS_KEY")
	secretKey := os.Getenv("LOGSTORE_SECRET_KEY")
	bucket := strings.TrimSpace(os.Getenv("LOGSTORE_BUCKET"))
	region := os.Getenv("LOGSTORE_REGION")
	if region == "" {
		region = "us-east-1"
	}

	if endpoint == "" {
		return nil, errors.New("LOGSTORE_ENDPOINT is required")
	}
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("LOGSTORE_ACCESS_KEY and LOGSTORE_SECRET_KEY are required")
	}
	if bucket == "" {
		return nil, errors.New("LOGSTORE_BUCKET is required")
	}

	disableTLS, _ := strconv.ParseBool(os.Getenv("LOGSTORE_DISABLE_TLS"))
	scheme := "https"
	if disableTLS {
		scheme = "http"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	cfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Store{
		api:    client,
		bucket: bucket,
		fetch:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Stash downloads the log at uri, compresses it, and uploads it under
// logs/<buildID>.log.zst. It returns the object key.
func (s *Store) Stash(ctx context.Context, buildID, uri string) (string, error) {
	if s == nil {
		return "", errors.New("nil log store")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("build log request: %w", err)
	}

	resp, err := s.fetch.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch build log: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch build log: unexpected status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(enc, resp.Body); err != nil {
		enc.Close()
		return "", fmt.Errorf("compress build log: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("compress build log: %w", err)
	}

	key := fmt.Sprintf("logs/%s.log.zst", buildID)
	size := int64(buf.Len())

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: &size,
	})
	if err != nil {
		return "", fmt.Errorf("upload build log: %w", err)
	}

	return key, nil
}

// Open returns a reader over the decompressed log stored under key.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil {
		return nil, errors.New("nil log store")
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("get build log: %w", err)
	}

	dec, err := zstd.NewReader(out.Body)
	if err != nil {
		out.Body.Close()
		return nil, err
	}

	return &decompressedLog{reader: dec, body: out.Body}, nil
}

type decompressedLog struct {
	reader *zstd.Decoder
	body   io.ReadCloser
}

func (d *decompressedLog) Read(p []byte) (int, error) { return d.reader.Read(p) }

func (d *decompressedLog) Close() error {
	d.reader.Close()
	return d.body.Close()
}
