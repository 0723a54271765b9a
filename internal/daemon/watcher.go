// Package daemon runs the file watcher that feeds saves into the engine.
package daemon

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/snapguard/internal/config"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

// SaveHandler is the protector surface the watcher drives.
type SaveHandler interface {
	HandleSave(ctx context.Context, path string, content []byte) (domain.Decision, error)
	FileRemoved(ctx context.Context, path string)
}

// SessionTriggers closes sessions on repository and lifecycle events.
type SessionTriggers interface {
	HandleGitCommit(ctx context.Context) (string, error)
	HandleManualFinalization(ctx context.Context, summary string, tags []string) (string, error)
}

// Retainer enforces snapshot retention.
type Retainer interface {
	EnforceRetention(ctx context.Context, policy domain.RetentionPolicy) ([]string, error)
}

// Debouncer coalesces bursts of writes per path.
type Debouncer interface {
	Trigger(path string, fn func())
	Cancel(path string) bool
	Stop()
}

// WatcherConfig holds watcher daemon configuration.
type WatcherConfig struct {
	Root              string
	PolicyFile        string
	Retention         domain.RetentionPolicy
	RetentionInterval time.Duration // How often to enforce retention
	SkipDirs          []string      // Directory names never watched
}

// DefaultWatcherConfig returns default watcher configuration for root.
func DefaultWatcherConfig(root string) WatcherConfig {
	return WatcherConfig{
		Root:              root,
		PolicyFile:        filepath.Join(root, config.StateDirName, "policy.yaml"),
		RetentionInterval: time.Hour,
		SkipDirs:          []string{".git", config.StateDirName, "node_modules", "vendor"},
	}
}

// Watcher turns filesystem events into saves, git HEAD moves into session
// finalization, and runs retention on a schedule.
type Watcher struct {
	config    WatcherConfig
	saves     SaveHandler
	sessions  SessionTriggers
	retainer  Retainer
	debouncer Debouncer
	reload    func() error
	logger    *zap.Logger

	fsw      *fsnotify.Watcher
	finalize chan struct{}
}

// NewWatcher creates a new watcher daemon. reload may be nil.
func NewWatcher(
	config WatcherConfig,
	saves SaveHandler,
	sessions SessionTriggers,
	retainer Retainer,
	debouncer Debouncer,
	reload func() error,
	logger *zap.Logger,
) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		config:    config,
		saves:     saves,
		sessions:  sessions,
		retainer:  retainer,
		debouncer: debouncer,
		reload:    reload,
		logger:    logger,
		finalize:  make(chan struct{}, 1),
	}
}

// RequestFinalize asks the running loop to seal the open session.
// Requests made while one is pending are coalesced.
func (w *Watcher) RequestFinalize() {
	select {
	case w.finalize <- struct{}{}:
	default:
	}
}

// Run starts the watcher daemon loop.
// This blocks until context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	defer fsw.Close()
	defer w.debouncer.Stop()

	if err := w.addTree(w.config.Root); err != nil {
		return err
	}
	w.watchGit()
	w.watchPolicy()

	w.logger.Info("watcher daemon started",
		zap.Int("pid", os.Getpid()),
		zap.String("root", w.config.Root))

	// Run retention immediately on startup
	w.runRetention(ctx)

	interval := w.config.RetentionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	retentionTicker := time.NewTicker(interval)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher daemon stopping")
			w.finalizeOnShutdown()
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))

		case <-retentionTicker.C:
			w.runRetention(ctx)

		case <-w.finalize:
			w.finalizeManual(ctx)
		}
	}
}

// handleEvent routes one fsnotify event.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	switch {
	case w.isGitRef(path):
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				// New branch namespace, e.g. refs/heads/feature/.
				w.watchRefs(path)
				return
			}
		}
		if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
			w.onGitCommit(ctx)
		}
		return
	case path == filepath.Clean(w.config.PolicyFile):
		if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
			w.reloadPolicy()
		}
		return
	case w.skipped(path):
		return
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.debouncer.Cancel(path)
		w.saves.FileRemoved(ctx, path)

	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if event.Has(fsnotify.Create) {
				if err := w.addTree(path); err != nil {
					w.logger.Warn("failed to watch new directory", zap.String("path", path), zap.Error(err))
				}
			}
			return
		}
		w.debouncer.Trigger(path, func() { w.onSave(ctx, path) })
	}
}

func (w *Watcher) onSave(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	dec, err := w.saves.HandleSave(ctx, path, nil)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.logger.Debug("saved file vanished", zap.String("path", path))
			return
		}
		w.logger.Warn("failed to handle save", zap.String("path", path), zap.Error(err))
	}
	if dec.Level == domain.Unprotected {
		return
	}

	fields := []zap.Field{
		zap.String("path", dec.Path),
		zap.Stringer("level", dec.Level),
		zap.String("verdict", string(dec.Verdict)),
		zap.String("reason", dec.Reason),
		zap.String("snapshot", dec.SnapshotID),
	}
	if dec.Verdict == domain.VerdictBlock {
		w.logger.Warn("save blocked", fields...)
		return
	}
	w.logger.Info("save handled", fields...)
}

func (w *Watcher) onGitCommit(ctx context.Context) {
	id, err := w.sessions.HandleGitCommit(ctx)
	if err != nil {
		w.logger.Warn("failed to finalize session on commit", zap.Error(err))
		return
	}
	if id != "" {
		w.logger.Info("session finalized on commit", zap.String("session", id))
	}
}

func (w *Watcher) reloadPolicy() {
	if w.reload == nil {
		return
	}
	if err := w.reload(); err != nil {
		w.logger.Warn("policy reload failed, keeping previous rules", zap.Error(err))
		return
	}
	w.logger.Info("policy reloaded", zap.String("file", w.config.PolicyFile))
}

// runRetention enforces the snapshot retention bounds.
func (w *Watcher) runRetention(ctx context.Context) {
	if w.retainer == nil {
		return
	}
	evicted, err := w.retainer.EnforceRetention(ctx, w.config.Retention)
	if err != nil {
		w.logger.Warn("retention failed", zap.Error(err))
		return
	}
	if len(evicted) > 0 {
		w.logger.Info("retention completed", zap.Int("evicted", len(evicted)))
	}
}

func (w *Watcher) finalizeManual(ctx context.Context) {
	id, err := w.sessions.HandleManualFinalization(ctx, "", nil)
	if err != nil {
		w.logger.Warn("failed to finalize session on request", zap.Error(err))
		return
	}
	w.logger.Info("session finalized on request", zap.String("session", id))
}

// finalizeOnShutdown seals the open session so no candidate is lost.
func (w *Watcher) finalizeOnShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := w.sessions.HandleManualFinalization(ctx, "", []string{"shutdown"})
	if err != nil {
		w.logger.Warn("failed to finalize session on shutdown", zap.Error(err))
		return
	}
	if id != "" {
		w.logger.Info("session finalized on shutdown", zap.String("session", id))
	}
}

// addTree watches dir and every subdirectory not skipped.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.skipped(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug("failed to watch directory", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) watchGit() {
	gitDir := filepath.Join(w.config.Root, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		return
	}
	if err := w.fsw.Add(gitDir); err != nil {
		w.logger.Debug("failed to watch git directory", zap.String("path", gitDir), zap.Error(err))
	}
	w.watchRefs(filepath.Join(gitDir, "refs", "heads"))
}

// watchRefs watches dir and every directory below it, so branches such as
// feature/x are seen too.
func (w *Watcher) watchRefs(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug("failed to watch git directory", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) watchPolicy() {
	dir := filepath.Dir(w.config.PolicyFile)
	if _, err := os.Stat(dir); err != nil {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Debug("failed to watch policy directory", zap.String("path", dir), zap.Error(err))
	}
}

// isGitRef reports whether path is HEAD, a branch ref or packed-refs.
func (w *Watcher) isGitRef(path string) bool {
	gitDir := filepath.Join(w.config.Root, ".git")
	rel, err := filepath.Rel(gitDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel == "HEAD" || rel == "packed-refs" || strings.HasPrefix(rel, "refs/heads/")
}

// skipped reports whether any path element below root is a skipped dir.
func (w *Watcher) skipped(path string) bool {
	rel, err := filepath.Rel(w.config.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, skip := range w.config.SkipDirs {
			if part == skip {
				return true
			}
		}
	}
	return false
}
