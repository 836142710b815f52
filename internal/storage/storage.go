// Package storage publishes final artifacts to object storage. Uploads
// compare content hashes first so a replayed export never re-transfers
// unchanged data.
package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/courtscribe/internal/config"
	"github.com/snarg/courtscribe/internal/metrics"
)

// ObjectStore abstracts result storage backends.
type ObjectStore interface {
	// Put stores data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// ContentHash returns the hex MD5 of the stored object. ok is false when
	// the object does not exist.
	ContentHash(ctx context.Context, key string) (hash string, ok bool, err error)

	// URL returns a retrievable location for the object: a presigned URL for
	// S3, a file:// URL for local storage.
	URL(ctx context.Context, key string) (string, error)

	// Open returns a reader for the object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Type returns "local" or "s3".
	Type() string
}

// New creates an ObjectStore based on config. Returns an error if S3 is
// configured but unreachable.
func New(cfg config.S3Config, resultsDir string, log zerolog.Logger) (ObjectStore, error) {
	if !cfg.Enabled() {
		return NewLocalStore(resultsDir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")
	return s3store, nil
}

// Hash returns the hex MD5 used for upload deduplication.
func Hash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SafeUpload puts data unless an object with the same content hash already
// exists under key. It reports whether a transfer happened.
func SafeUpload(ctx context.Context, store ObjectStore, key string, data []byte, contentType string) (bool, error) {
	remote, ok, err := store.ContentHash(ctx, key)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	if ok && remote == Hash(data) {
		metrics.UploadsTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}
	if err := store.Put(ctx, key, data, contentType); err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("put %s: %w", key, err)
	}
	metrics.UploadsTotal.WithLabelValues("uploaded").Inc()
	return true, nil
}
