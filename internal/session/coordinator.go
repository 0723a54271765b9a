// Package session groups related file changes into sealed, restorable sessions.
package session

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
	"github.com/eliteGoblin/focusd/snapguard/internal/metrics"
)

// AuditPathPrefix prefixes the audit path of a finalized session.
const AuditPathPrefix = "session:"

// Options configures optional coordinator collaborators.
type Options struct {
	// IdleTimeout finalizes the open session after this long without a
	// new candidate. Zero disables it. Requires Timers.
	IdleTimeout time.Duration
	Timers      domain.TimerService
	Audit       domain.AuditRecorder
	Metrics     *metrics.Metrics
}

// Coordinator collects session candidates and seals them into manifests.
type Coordinator struct {
	store  domain.ManifestStore
	clock  domain.Clock
	logger *zap.Logger
	opts   Options

	mu         sync.Mutex
	candidates map[string]domain.SessionCandidate
	startedAt  time.Time
	idle       domain.Timer
	idleGen    uint64
	closed     bool

	obsMu       sync.RWMutex
	observers   []func(domain.SessionManifest)
	subscribers []chan domain.SessionManifest
}

// NewCoordinator creates a coordinator persisting through store.
func NewCoordinator(store domain.ManifestStore, clk domain.Clock, logger *zap.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:      store,
		clock:      clk,
		logger:     logger,
		opts:       opts,
		candidates: make(map[string]domain.SessionCandidate),
	}
}

// AddCandidate records the latest snapshot of uri in the open session.
// Repeated calls for the same uri replace the previous candidate.
func (c *Coordinator) AddCandidate(uri, snapshotID string, stats domain.ChangeStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.candidates) == 0 {
		c.startedAt = c.clock.Now().UTC()
	}
	c.candidates[uri] = domain.SessionCandidate{URI: uri, SnapshotID: snapshotID, ChangeStats: stats}
	c.armIdleLocked()
}

// Pending returns the open session's candidates sorted by URI.
func (c *Coordinator) Pending() []domain.SessionCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedCandidates(c.candidates)
}

// Finalize seals the open session. With no candidates it returns ("", nil)
// and persists nothing. Candidates added while the manifest is being
// persisted belong to the next session.
func (c *Coordinator) Finalize(ctx context.Context, reason domain.SessionReason) (string, error) {
	return c.finalize(ctx, reason, "", nil)
}

// HandleWindowBlur finalizes because the editor lost focus.
func (c *Coordinator) HandleWindowBlur(ctx context.Context) (string, error) {
	return c.Finalize(ctx, domain.ReasonWindowBlur)
}

// HandleGitCommit finalizes because the repository HEAD moved.
func (c *Coordinator) HandleGitCommit(ctx context.Context) (string, error) {
	return c.Finalize(ctx, domain.ReasonGitCommit)
}

// HandleTaskCompletion finalizes because a build or test task finished.
func (c *Coordinator) HandleTaskCompletion(ctx context.Context) (string, error) {
	return c.Finalize(ctx, domain.ReasonTaskCompletion)
}

// HandleManualFinalization finalizes on user request with an optional
// summary and tags.
func (c *Coordinator) HandleManualFinalization(ctx context.Context, summary string, tags []string) (string, error) {
	return c.finalize(ctx, domain.ReasonManual, summary, tags)
}

func (c *Coordinator) finalize(ctx context.Context, reason domain.SessionReason, summary string, tags []string) (string, error) {
	if !reason.Valid() {
		return "", fmt.Errorf("unknown session reason: %q", reason)
	}

	c.mu.Lock()
	if len(c.candidates) == 0 {
		c.mu.Unlock()
		return "", nil
	}
	taken, started := c.candidates, c.startedAt
	c.candidates = make(map[string]domain.SessionCandidate)
	c.startedAt = time.Time{}
	c.stopIdleLocked()
	c.mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		c.mergeBack(taken, started)
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}

	files := sortedCandidates(taken)
	manifest := domain.SessionManifest{
		ID:        id.String(),
		StartedAt: started,
		EndedAt:   c.clock.Now().UTC(),
		Reason:    reason,
		Files:     make([]domain.SessionFileEntry, len(files)),
		Summary:   summary,
		Tags:      append([]string(nil), tags...),
	}
	for i, f := range files {
		manifest.Files[i] = domain.SessionFileEntry{URI: f.URI, SnapshotID: f.SnapshotID, ChangeStats: f.ChangeStats}
	}
	if manifest.Summary == "" {
		manifest.Summary = Summarize(manifest.Files)
	}

	if err := c.store.Put(ctx, manifest); err != nil {
		c.mergeBack(taken, started)
		c.opts.Metrics.FinalizeError()
		c.logger.Error("failed to persist session manifest",
			zap.String("session", manifest.ID),
			zap.String("reason", string(reason)),
			zap.Int("candidates", len(taken)),
			zap.Error(err))
		return "", &domain.FinalizationPersistError{SessionID: manifest.ID, Candidates: len(taken), Err: err}
	}

	c.opts.Metrics.SessionFinalized(string(reason))
	if c.opts.Audit != nil {
		c.opts.Audit.Record(ctx, AuditPathPrefix+manifest.ID, domain.Unprotected, domain.ActionSessionFinalized,
			map[string]string{"reason": string(reason), "files": strconv.Itoa(len(manifest.Files))}, "")
	}
	c.logger.Info("session finalized",
		zap.String("session", manifest.ID),
		zap.String("reason", string(reason)),
		zap.Int("files", len(manifest.Files)))

	c.notify(manifest)
	return manifest.ID, nil
}

// mergeBack returns taken candidates to the open session. Entries added
// since the swap are newer and win.
func (c *Coordinator) mergeBack(taken map[string]domain.SessionCandidate, started time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uri, cand := range taken {
		if _, newer := c.candidates[uri]; !newer {
			c.candidates[uri] = cand
		}
	}
	if c.startedAt.IsZero() || started.Before(c.startedAt) {
		c.startedAt = started
	}
	c.armIdleLocked()
}

func (c *Coordinator) armIdleLocked() {
	if c.opts.IdleTimeout <= 0 || c.opts.Timers == nil || c.closed {
		return
	}
	c.stopIdleLocked()
	gen := c.idleGen
	c.idle = c.opts.Timers.AfterFunc(c.opts.IdleTimeout, func() { c.onIdle(gen) })
}

func (c *Coordinator) stopIdleLocked() {
	c.idleGen++
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}

func (c *Coordinator) onIdle(gen uint64) {
	c.mu.Lock()
	stale := gen != c.idleGen || c.closed
	c.mu.Unlock()
	if stale {
		return
	}
	if _, err := c.Finalize(context.Background(), domain.ReasonIdleTimeout); err != nil {
		c.logger.Warn("idle finalization failed", zap.Error(err))
	}
}

// OnFinalized registers fn to run synchronously after each successful
// finalization.
func (c *Coordinator) OnFinalized(fn func(domain.SessionManifest)) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// Subscribe returns a channel receiving finalized manifests. Delivery never
// blocks; a full channel drops the manifest.
func (c *Coordinator) Subscribe(buffer int) <-chan domain.SessionManifest {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.SessionManifest, buffer)
	c.obsMu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.obsMu.Unlock()
	return ch
}

func (c *Coordinator) notify(m domain.SessionManifest) {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	for _, fn := range c.observers {
		fn(m)
	}
	for _, ch := range c.subscribers {
		select {
		case ch <- m:
		default:
			c.logger.Warn("session subscriber is full, dropping manifest", zap.String("session", m.ID))
		}
	}
}

// Close stops the idle timer and closes subscriber channels. The open
// session is left as is; call Finalize first to keep it.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopIdleLocked()
	c.mu.Unlock()

	c.obsMu.Lock()
	for _, ch := range c.subscribers {
		close(ch)
	}
	c.subscribers = nil
	c.obsMu.Unlock()
}

// Summarize describes a set of session files in one line.
func Summarize(files []domain.SessionFileEntry) string {
	var added, deleted int
	for _, f := range files {
		added += f.ChangeStats.Added
		deleted += f.ChangeStats.Deleted
	}
	noun := "files"
	if len(files) == 1 {
		noun = "file"
	}
	return fmt.Sprintf("%d %s changed, +%d -%d", len(files), noun, added, deleted)
}

func sortedCandidates(m map[string]domain.SessionCandidate) []domain.SessionCandidate {
	out := make([]domain.SessionCandidate, 0, len(m))
	for _, cand := range m {
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}
