// Package blob stores uploaded objects under deterministic keys and hands
// out stable URLs for them.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidKey is returned for keys that are empty, absolute or escape the root.
	ErrInvalidKey = errors.New("blob: invalid key")
	// ErrNotFound is returned by URL for keys with no stored object.
	ErrNotFound = errors.New("blob: object not found")
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("blob: object exceeds size limit")
)

// Store is upload-by-path with overwrite-on-conflict.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	URL(ctx context.Context, key string) (string, error)
}

// FileStore keeps objects on the local filesystem below root and serves
// them from baseURL.
type FileStore struct {
	root     string
	baseURL  string
	maxBytes int64
}

// NewFileStore creates root when missing.
func NewFileStore(root, baseURL string, maxBytes int64) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root %s: %w", root, err)
	}
	return &FileStore{root: root, baseURL: strings.TrimRight(baseURL, "/"), maxBytes: maxBytes}, nil
}

// Root is the directory objects live under.
func (s *FileStore) Root() string {
	return s.root
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// Put writes r to key. The object becomes visible only once fully written,
// replacing any previous object at that key.
func (s *FileStore) Put(ctx context.Context, key string, r io.Reader, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}

	target := filepath.Join(s.root, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("blob: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("blob: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	written, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("blob: write %s: %w", cleaned, err)
	}
	if s.maxBytes > 0 && written > s.maxBytes {
		tmp.Close()
		return ErrTooLarge
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blob: close %s: %w", cleaned, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("blob: publish %s: %w", cleaned, err)
	}
	return nil
}

// URL returns the public URL for key, failing when nothing is stored there.
func (s *FileStore) URL(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(cleaned))); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("blob: stat %s: %w", cleaned, err)
	}
	return s.baseURL + "/" + cleaned, nil
}
