//go:build gcp

package evidence

import (
	"context"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"

	"github.com/brandmeonline/integrity-spine/pkg/config"
)

// GCSStore keeps packs in a Google Cloud Storage bucket. Credentials come
// from application default credentials.
type GCSStore struct {
	client *gcs.Client
	bucket string
}

func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	w := s.client.Bucket(s.bucket).Object(cleaned).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("evidence: gcs write %s: %w", cleaned, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("evidence: gcs commit %s: %w", cleaned, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, cleaned), nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(cleaned).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: gcs get %s: %w", cleaned, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func newGCSFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.EvidenceGCSBucket == "" {
		return nil, fmt.Errorf("evidence: EVIDENCE_GCS_BUCKET is required for the gcs backend")
	}
	return NewGCSStore(ctx, cfg.EvidenceGCSBucket)
}
