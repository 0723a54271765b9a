// Package cooldown tracks per-file debounce and cooldown windows.
package cooldown

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

// Default windows. All are overridable through Config.
const (
	DefaultDebounce      = 500 * time.Millisecond
	DefaultCooldown      = 30 * time.Second
	DefaultBlockCooldown = 5 * time.Minute
	defaultStateCapacity = 64
)

// Config holds the window lengths.
type Config struct {
	Debounce      time.Duration
	Cooldown      time.Duration
	BlockCooldown time.Duration
}

// DefaultConfig returns the standard windows.
func DefaultConfig() Config {
	return Config{Debounce: DefaultDebounce, Cooldown: DefaultCooldown, BlockCooldown: DefaultBlockCooldown}
}

// Service holds CooldownState per absolute path. Memory resident; rebuild
// from the audit log after a restart.
type Service struct {
	cfg    Config
	clock  domain.Clock
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]*domain.CooldownState
}

// NewService creates a cooldown service. Zero windows fall back to defaults.
func NewService(cfg Config, clk domain.Clock, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.BlockCooldown <= 0 {
		cfg.BlockCooldown = def.BlockCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		states: make(map[string]*domain.CooldownState, defaultStateCapacity),
	}
}

// Config returns the effective windows.
func (s *Service) Config() Config { return s.cfg }

// ShouldDebounce reports whether a snapshot of path was taken less than
// the debounce window ago.
func (s *Service) ShouldDebounce(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key(path)]
	if !ok || st.LastSnapshotAt.IsZero() {
		return false
	}
	return s.clock.Now().Sub(st.LastSnapshotAt) < s.cfg.Debounce
}

// RecordSnapshotTime marks now as the last snapshot time of path.
func (s *Service) RecordSnapshotTime(path string) {
	s.Seed(path, s.clock.Now())
}

// Seed sets the last snapshot time of path to at. Later values win.
func (s *Service) Seed(path string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(key(path))
	if at.After(st.LastSnapshotAt) {
		st.LastSnapshotAt = at
	}
}

// IsInCooldown reports whether a decision on path is still in force.
func (s *Service) IsInCooldown(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key(path)]
	if !ok {
		return false
	}
	return s.clock.Now().Before(st.CooldownUntil)
}

// SetCooldown starts a cooldown for path. Block-level decisions use the
// longer block window.
func (s *Service) SetCooldown(path string, level domain.ProtectionLevel, action domain.ProtectionAction, snapshotID string) {
	window := s.cfg.Cooldown
	if level == domain.Block {
		window = s.cfg.BlockCooldown
	}

	s.mu.Lock()
	st := s.stateLocked(key(path))
	st.CooldownUntil = s.clock.Now().Add(window)
	st.Level = level
	st.Action = action
	st.SnapshotID = snapshotID
	until := st.CooldownUntil
	s.mu.Unlock()

	s.logger.Debug("cooldown set",
		zap.String("path", path),
		zap.Stringer("level", level),
		zap.Time("until", until))
}

// State returns a copy of the state for path.
func (s *Service) State(path string) (domain.CooldownState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key(path)]
	if !ok {
		return domain.CooldownState{}, false
	}
	return *st, true
}

// Forget drops all state for path.
func (s *Service) Forget(path string) {
	s.mu.Lock()
	delete(s.states, key(path))
	s.mu.Unlock()
}

// SnapshotHistory is the audit view needed to rebuild debounce state.
type SnapshotHistory interface {
	LatestSnapshots(ctx context.Context) (map[string]time.Time, error)
}

// Rebuild seeds debounce state from the latest snapshot per path.
func (s *Service) Rebuild(ctx context.Context, history SnapshotHistory) error {
	latest, err := history.LatestSnapshots(ctx)
	if err != nil {
		return err
	}
	for path, at := range latest {
		s.Seed(path, at)
	}
	s.logger.Info("cooldown state rebuilt", zap.Int("paths", len(latest)))
	return nil
}

func (s *Service) stateLocked(k string) *domain.CooldownState {
	st, ok := s.states[k]
	if !ok {
		st = &domain.CooldownState{}
		s.states[k] = st
	}
	return st
}

func key(path string) string {
	return filepath.Clean(path)
}
