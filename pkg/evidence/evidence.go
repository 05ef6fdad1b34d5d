// Package evidence stores exported audit packs in a pluggable object
// store. Packs are written once under a caller-chosen key and never
// mutated; the filesystem backend serves local and development nodes,
// with S3 and GCS for deployments.
package evidence

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/brandmeonline/integrity-spine/pkg/config"
)

// Store persists evidence packs under hierarchical keys such as
// packs/<subject>/<timestamp>.zip. Put returns a backend-specific
// location (path, s3://, or gs:// URI).
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// NewFromConfig selects the backend named by EVIDENCE_STORE.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.EvidenceStore {
	case "", "fs":
		return NewFileStore(filepath.Join(cfg.DataDir, "evidence"))
	case "s3":
		if cfg.EvidenceS3Bucket == "" {
			return nil, fmt.Errorf("evidence: EVIDENCE_S3_BUCKET is required for the s3 backend")
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.EvidenceS3Bucket,
			Region:   cfg.EvidenceS3Region,
			Endpoint: cfg.EvidenceS3Endpoint,
		})
	case "gcs":
		return newGCSFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("evidence: unsupported store backend %q", cfg.EvidenceStore)
	}
}

// cleanKey validates a storage key and normalizes separators. Keys are
// built from subject ids and timestamps; anything escaping the store
// root is rejected.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("evidence: empty key")
	}
	cleaned := path.Clean(key)
	if strings.HasPrefix(cleaned, "/") || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("evidence: key %q escapes the store root", key)
	}
	return cleaned, nil
}

// FileStore writes packs under a base directory, creating intermediate
// directories per key. Writes go through a temp file and rename so a
// crash never leaves a half-written pack at the final path.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("evidence: ensure store dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := filepath.Join(s.baseDir, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("evidence: ensure key dir: %w", err)
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("evidence: write pack: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("evidence: commit pack: %w", err)
	}
	return dest, nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(cleaned)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("evidence: pack not found: %s", key)
		}
		return nil, fmt.Errorf("evidence: read pack: %w", err)
	}
	return data, nil
}
