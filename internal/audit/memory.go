package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

// MemoryStore is an in-process domain.AuditStore for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.entries); n > 0 && e.Seq <= s.entries[n-1].Seq {
		return fmt.Errorf("seq %d: %w", e.Seq, domain.ErrAlreadyExists)
	}
	e.Metadata = copyMetadata(e.Metadata)
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) Last(_ context.Context) (*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	e := s.entries[len(s.entries)-1]
	return &e, nil
}

// Query applies the filter; with a limit the newest entries are kept.
func (s *MemoryStore) Query(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for _, e := range s.entries {
		if matches(e, f) {
			e.Metadata = copyMetadata(e.Metadata)
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func matches(e domain.AuditEntry, f domain.AuditFilter) bool {
	if f.PathPrefix != "" && !strings.HasPrefix(e.Path, f.PathPrefix) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if e.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Ensure MemoryStore implements domain.AuditStore.
var _ domain.AuditStore = (*MemoryStore)(nil)
