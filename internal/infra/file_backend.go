package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

var errBadKey = errors.New("invalid storage key")

// FileBackend implements domain.Backend with one file per key under a
// root directory. Writes are atomic per key (temp + rename).
type FileBackend struct {
	fs   afero.Fs
	root string
}

// NewFileBackend creates a backend rooted at dir on the OS filesystem.
func NewFileBackend(dir string) (*FileBackend, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileBackend{fs: fs, root: dir}, nil
}

// NewFileBackendWithFs creates a backend on a custom filesystem (for testing).
func NewFileBackendWithFs(fs afero.Fs, dir string) *FileBackend {
	return &FileBackend{fs: fs, root: dir}
}

func (b *FileBackend) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(b.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrNotFound)
	}
	return data, err
}

func (b *FileBackend) Write(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.keyPath(key)
	if err != nil {
		return err
	}
	return atomicWrite(b.fs, p, value, 0o600)
}

func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := afero.Walk(b.fs, b.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.keyPath(key)
	if err != nil {
		return err
	}
	if err := b.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close is a no-op for files.
func (b *FileBackend) Close() error { return nil }

// Root returns the store directory.
func (b *FileBackend) Root() string { return b.root }

func (b *FileBackend) keyPath(key string) (string, error) {
	if key == "" || path.IsAbs(key) || path.Clean(key) != key || key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("%w: %q", errBadKey, key)
	}
	return filepath.Join(b.root, filepath.FromSlash(key)), nil
}

// Ensure FileBackend implements domain.Backend.
var _ domain.Backend = (*FileBackend)(nil)
