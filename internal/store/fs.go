package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

var _ KV = (*FSKV)(nil)

// FSKV stores one JSON document per key under a base directory. Any afs URL
// works as the base (file://, mem://, gs://, s3://). Writes go to a temporary
// object that is then renamed over the key, so readers in other processes see
// either the old or the new document.
type FSKV struct {
	basePath string
	fs       afs.Service
	mu       sync.RWMutex
}

// NewFSKV creates the base directory if needed and returns a filesystem store.
func NewFSKV(ctx context.Context, basePath string) (*FSKV, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := afs.New()
	exists, _ := fs.Exists(ctx, basePath)
	if !exists {
		if err := fs.Create(ctx, basePath, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	}

	return &FSKV{
		basePath: url.Normalize(basePath, file.Scheme),
		fs:       fs,
	}, nil
}

func (s *FSKV) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filePath := s.keyPath(key)
	exists, err := s.fs.Exists(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrUnavailable, filePath, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	data, err := s.fs.DownloadWithURL(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrUnavailable, filePath, err)
	}
	return data, nil
}

func (s *FSKV) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.keyPath(key)
	tmpPath := filePath + ".tmp-" + uuid.NewString()
	if err := s.fs.Upload(ctx, tmpPath, file.DefaultFileOsMode, bytes.NewReader(value)); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrUnavailable, tmpPath, err)
	}
	if err := s.replace(ctx, tmpPath, filePath); err != nil {
		_ = s.fs.Delete(ctx, tmpPath)
		return fmt.Errorf("%w: rename %s: %w", ErrUnavailable, filePath, err)
	}
	return nil
}

// replace moves src over dst. afs file.Move removes dst before renaming, which
// leaves a window where the key is missing, so local files use os.Rename.
func (s *FSKV) replace(ctx context.Context, src, dst string) error {
	if url.Scheme(dst, file.Scheme) == file.Scheme {
		return os.Rename(file.Path(src), file.Path(dst))
	}
	return s.fs.Move(ctx, src, dst)
}

func (s *FSKV) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.keyPath(key)
	exists, err := s.fs.Exists(ctx, filePath)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrUnavailable, filePath, err)
	}
	if !exists {
		return ErrNotFound
	}
	if err := s.fs.Delete(ctx, filePath); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrUnavailable, filePath, err)
	}
	return nil
}

func (s *FSKV) Close() error { return nil }

// keyPath flattens hierarchical keys into one file name per key.
func (s *FSKV) keyPath(key string) string {
	name := strings.ReplaceAll(key, "/", "__")
	return url.Join(s.basePath, name+".json")
}
