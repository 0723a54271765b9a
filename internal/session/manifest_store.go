package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

const (
	manifestPrefix = "sessions/"
	manifestSuffix = ".json"
)

// BackendManifestStore persists manifests as sessions/<id>.json.
type BackendManifestStore struct {
	backend domain.Backend
	mu      sync.Mutex
}

// NewManifestStore creates a manifest store over backend.
func NewManifestStore(backend domain.Backend) *BackendManifestStore {
	return &BackendManifestStore{backend: backend}
}

// Put writes m once. A second Put with the same id fails with ErrAlreadyExists.
func (s *BackendManifestStore) Put(ctx context.Context, m domain.SessionManifest) error {
	if m.ID == "" || strings.ContainsAny(m.ID, `/\`) {
		return fmt.Errorf("invalid session id: %q", m.ID)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.backend.Read(ctx, manifestKey(m.ID))
	switch {
	case err == nil:
		return fmt.Errorf("session %s: %w", m.ID, domain.ErrAlreadyExists)
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("failed to check session %s: %w", m.ID, err)
	}
	return s.backend.Write(ctx, manifestKey(m.ID), data)
}

// Get returns the manifest with id, or nil, nil when absent.
func (s *BackendManifestStore) Get(ctx context.Context, id string) (*domain.SessionManifest, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, nil
	}
	data, err := s.backend.Read(ctx, manifestKey(id))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m domain.SessionManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &m, nil
}

// List returns every manifest, most recently ended first.
func (s *BackendManifestStore) List(ctx context.Context) ([]domain.SessionManifest, error) {
	keys, err := s.backend.List(ctx, manifestPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionManifest, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, manifestPrefix), manifestSuffix)
		m, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, *m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EndedAt.Equal(out[j].EndedAt) {
			return out[i].EndedAt.After(out[j].EndedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func manifestKey(id string) string { return manifestPrefix + id + manifestSuffix }

// Ensure BackendManifestStore implements domain.ManifestStore.
var _ domain.ManifestStore = (*BackendManifestStore)(nil)

// Restore restores the snapshot of every file in m. Files that fail are
// reported together; the others are still restored.
func Restore(ctx context.Context, snapshots domain.SnapshotStore, m domain.SessionManifest) error {
	var errs []error
	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if seen[f.SnapshotID] {
			continue
		}
		seen[f.SnapshotID] = true
		if err := snapshots.Restore(ctx, f.SnapshotID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.URI, err))
		}
	}
	return errors.Join(errs...)
}
