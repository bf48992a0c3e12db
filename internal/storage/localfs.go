package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// LocalFileStore keeps media files under a directory on local disk and
// serves them from PublicBaseURL.
type LocalFileStore struct {
	root    string
	baseURL string
}

// NewLocalFileStore creates the root directory if needed.
func NewLocalFileStore(root, publicBaseURL string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &LocalFileStore{
		root:    root,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Root returns the directory files are stored under.
func (s *LocalFileStore) Root() string {
	return s.root
}

// Save writes r to key atomically; readers never observe a partial file.
func (s *LocalFileStore) Save(ctx context.Context, key string, r io.Reader, contentType string) (int64, error) {
	dst, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	pending, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o644))
	if err != nil {
		return 0, fmt.Errorf("failed to create pending file for %s: %w", key, err)
	}
	defer func() { _ = pending.Cleanup() }()

	written, err := io.Copy(pending, contextReader{ctx: ctx, r: r})
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", key, err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("failed to commit %s: %w", key, err)
	}

	return written, nil
}

// Fetch copies the object at key to destPath.
func (s *LocalFileStore) Fetch(ctx context.Context, key, destPath string) error {
	src, err := s.path(key)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}

	if _, err := io.Copy(out, contextReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		os.Remove(destPath)
		return fmt.Errorf("failed to copy %s: %w", key, err)
	}

	return out.Close()
}

// Delete removes the object at key, returning ErrObjectNotFound when there
// was none.
func (s *LocalFileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// URL returns the public URL of key.
func (s *LocalFileStore) URL(_ context.Context, key string) (string, error) {
	if _, err := s.path(key); err != nil {
		return "", err
	}
	return s.baseURL + "/" + key, nil
}

func (s *LocalFileStore) path(key string) (string, error) {
	if !filepath.IsLocal(key) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
