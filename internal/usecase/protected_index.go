package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

const protectedIndexKey = "protected/index.json"

// ProtectedFiles is the persisted index of files holding a protection level.
// The whole index is rewritten on every change.
type ProtectedFiles struct {
	backend domain.Backend

	mu      sync.Mutex
	loaded  bool
	entries map[string]domain.ProtectedFileEntry
}

// NewProtectedFiles creates an index stored through backend.
func NewProtectedFiles(backend domain.Backend) *ProtectedFiles {
	return &ProtectedFiles{backend: backend, entries: make(map[string]domain.ProtectedFileEntry)}
}

// Track creates or updates the entry for path. An existing entry is only
// rewritten when the level changes or a new snapshot id is given.
func (p *ProtectedFiles) Track(ctx context.Context, path string, level domain.ProtectionLevel, snapshotID string, at time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return false, err
	}

	entry, ok := p.entries[path]
	if ok && entry.ProtectionLevel == level && (snapshotID == "" || snapshotID == entry.LastSnapshotID) {
		return false, nil
	}
	entry.Path = path
	entry.ProtectionLevel = level
	entry.LastProtectedAt = at.UTC()
	if snapshotID != "" {
		entry.LastSnapshotID = snapshotID
	}
	p.entries[path] = entry
	return true, p.saveLocked(ctx)
}

// Remove drops path. Reports whether an entry existed.
func (p *ProtectedFiles) Remove(ctx context.Context, path string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return false, err
	}
	if _, ok := p.entries[path]; !ok {
		return false, nil
	}
	delete(p.entries, path)
	return true, p.saveLocked(ctx)
}

// Get returns the entry for path.
func (p *ProtectedFiles) Get(ctx context.Context, path string) (domain.ProtectedFileEntry, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return domain.ProtectedFileEntry{}, false, err
	}
	e, ok := p.entries[path]
	return e, ok, nil
}

// List returns every entry sorted by path.
func (p *ProtectedFiles) List(ctx context.Context) ([]domain.ProtectedFileEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.ProtectedFileEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (p *ProtectedFiles) loadLocked(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	data, err := p.backend.Read(ctx, protectedIndexKey)
	if errors.Is(err, domain.ErrNotFound) {
		p.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read protected index: %w", err)
	}
	var list []domain.ProtectedFileEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("failed to decode protected index: %w", err)
	}
	for _, e := range list {
		p.entries[e.Path] = e
	}
	p.loaded = true
	return nil
}

func (p *ProtectedFiles) saveLocked(ctx context.Context) error {
	list := make([]domain.ProtectedFileEntry, 0, len(p.entries))
	for _, e := range p.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode protected index: %w", err)
	}
	if err := p.backend.Write(ctx, protectedIndexKey, data); err != nil {
		return fmt.Errorf("failed to write protected index: %w", err)
	}
	return nil
}
