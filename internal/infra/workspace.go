package infra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

var errOutsideWorkspace = errors.New("path is outside the workspace")

// Workspace implements domain.Workspace over an afero filesystem rooted
// at the project directory.
type Workspace struct {
	fs   afero.Fs
	root string
}

// NewWorkspace creates a workspace on the OS filesystem.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return &Workspace{fs: afero.NewOsFs(), root: abs}, nil
}

// NewWorkspaceWithFs creates a workspace on a custom filesystem (for testing).
func NewWorkspaceWithFs(fs afero.Fs, root string) *Workspace {
	return &Workspace{fs: fs, root: filepath.Clean(root)}
}

func (w *Workspace) Root() string { return w.root }

// Fs exposes the underlying filesystem.
func (w *Workspace) Fs() afero.Fs { return w.fs }

// Rel converts path to a root-relative slash path.
func (w *Workspace) Rel(path string) (string, error) {
	p := filepath.Clean(path)
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return "", err
		}
		p = rel
	}
	if p == "." || p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideWorkspace, path)
	}
	return filepath.ToSlash(p), nil
}

func (w *Workspace) Abs(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(rel))
}

func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	return afero.ReadFile(w.fs, w.Abs(rel))
}

// WriteFile atomically replaces rel, keeping the mode of an existing file.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	perm := os.FileMode(0o644)
	if info, err := w.fs.Stat(w.Abs(rel)); err == nil {
		perm = info.Mode().Perm()
	}
	return atomicWrite(w.fs, w.Abs(rel), data, perm)
}

func (w *Workspace) Exists(rel string) bool {
	_, err := w.fs.Stat(w.Abs(rel))
	return err == nil
}

// Ensure Workspace implements domain.Workspace.
var _ domain.Workspace = (*Workspace)(nil)
