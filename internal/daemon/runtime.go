package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/snapguard/internal/audit"
	"github.com/eliteGoblin/focusd/snapguard/internal/clock"
	"github.com/eliteGoblin/focusd/snapguard/internal/config"
	"github.com/eliteGoblin/focusd/snapguard/internal/cooldown"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
	"github.com/eliteGoblin/focusd/snapguard/internal/infra"
	"github.com/eliteGoblin/focusd/snapguard/internal/metrics"
	"github.com/eliteGoblin/focusd/snapguard/internal/policy"
	"github.com/eliteGoblin/focusd/snapguard/internal/session"
	"github.com/eliteGoblin/focusd/snapguard/internal/snapshot"
	"github.com/eliteGoblin/focusd/snapguard/internal/usecase"
)

// badgerDiscardRatio is passed to badger value log GC after retention.
const badgerDiscardRatio = 0.5

// RuntimeOptions tunes how a Runtime is opened.
type RuntimeOptions struct {
	// Version is recorded in the store lock.
	Version string

	// ReadOnly skips the store lock. Only use for commands that never write.
	ReadOnly bool
}

// Runtime is the wired engine for one workspace. Build it once per process.
type Runtime struct {
	Config  config.Config
	Logger  *zap.Logger
	Clock   clock.Real
	Metrics *metrics.Metrics

	Lock       *infra.StoreLock
	Backend    domain.Backend
	Workspace  *infra.Workspace
	Presets    *policy.Registry
	Policy     *policy.Engine
	Cooldown   *cooldown.Service
	Debouncer  *cooldown.Debouncer
	Snapshots  *snapshot.Store
	AuditStore domain.AuditStore
	Audit      *audit.Log
	Manifests  *session.BackendManifestStore
	Sessions   *session.Coordinator
	Index      *usecase.ProtectedFiles
	Protector  *usecase.Protector

	closers []func() error
}

// NewRuntime opens storage and wires every component from cfg.
// On error everything opened so far is closed.
func NewRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger, opts RuntimeOptions) (_ *Runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Clock:   clock.NewReal(),
		Metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	if !opts.ReadOnly {
		lock := infra.NewStoreLock(cfg.Store.Dir)
		if err := lock.Acquire(opts.Version); err != nil {
			return nil, err
		}
		r.Lock = lock
		r.closers = append(r.closers, lock.Release)
	}

	if r.Workspace, err = infra.NewWorkspace(cfg.Workspace.Root); err != nil {
		return nil, err
	}

	if r.Backend, err = r.openBackend(); err != nil {
		return nil, err
	}
	r.closers = append(r.closers, r.Backend.Close)

	r.Presets = policy.NewRegistry()
	rules, err := r.loadRules()
	if err != nil {
		return nil, err
	}
	r.Policy = policy.NewEngine(cfg.Workspace.Root, rules, policy.DefaultMatcher(), r.Clock, logger.Named("policy"))
	for _, p := range r.Policy.Problems() {
		logger.Warn("policy entry rejected", zap.Error(p))
	}

	if r.AuditStore, err = r.openAuditStore(); err != nil {
		return nil, err
	}
	r.closers = append(r.closers, r.AuditStore.Close)
	r.Audit = audit.NewLog(r.AuditStore, r.Clock, logger.Named("audit"), r.Metrics)

	r.Cooldown = cooldown.NewService(cfg.CooldownSettings(), r.Clock, logger.Named("cooldown"))
	if err := r.Cooldown.Rebuild(ctx, r.Audit); err != nil {
		logger.Warn("failed to rebuild cooldown state", zap.Error(err))
	}
	r.Debouncer = cooldown.NewDebouncer(r.Cooldown.Config().Debounce, r.Clock)

	var space domain.SpaceChecker
	if cfg.Store.MinFreeMB > 0 {
		space = infra.NewDiskGuard(cfg.Store.Dir, uint64(cfg.MinFreeBytes()))
	}
	r.Snapshots = snapshot.NewStore(r.Backend, r.Workspace, r.Clock, logger.Named("snapshot"), snapshot.Options{
		Compression: cfg.Compression(),
		Space:       space,
		Metrics:     r.Metrics,
	})

	r.Manifests = session.NewManifestStore(r.Backend)
	r.Sessions = session.NewCoordinator(r.Manifests, r.Clock, logger.Named("session"), session.Options{
		IdleTimeout: cfg.Session.IdleTimeout,
		Timers:      r.Clock,
		Audit:       r.Audit,
		Metrics:     r.Metrics,
	})
	r.closers = append(r.closers, func() error { r.Sessions.Close(); return nil })

	r.Index = usecase.NewProtectedFiles(r.Backend)

	var risk domain.RiskAssessor
	if cfg.Risk.Command != "" {
		if risk, err = infra.NewCommandRiskAssessor(cfg.Risk.Command, cfg.Risk.Timeout, logger.Named("risk")); err != nil {
			return nil, &domain.ConfigError{Kind: "risk", Index: -1, Err: err}
		}
	}

	r.Protector = usecase.NewProtector(usecase.Deps{
		Workspace: r.Workspace,
		Policy:    r.Policy,
		Cooldown:  r.Cooldown,
		Snapshots: r.Snapshots,
		Sessions:  r.Sessions,
		Audit:     r.Audit,
		Index:     r.Index,
		Risk:      risk,
		Pending:   r.Debouncer,
		Clock:     r.Clock,
		Logger:    logger.Named("protector"),
		Metrics:   r.Metrics,
	})

	logger.Debug("runtime ready",
		zap.String("workspace", cfg.Workspace.Root),
		zap.String("backend", cfg.Store.Backend),
		zap.Bool("read_only", opts.ReadOnly))
	return r, nil
}

func (r *Runtime) openBackend() (domain.Backend, error) {
	cfg := r.Config
	switch cfg.Store.Backend {
	case config.BackendBadger:
		bc := infra.DefaultBadgerConfig(filepath.Join(cfg.Store.Dir, "badger"))
		bc.Logger = r.Logger.Named("badger")
		return infra.OpenBadgerBackend(bc)
	case config.BackendSQLite:
		key, err := r.key()
		if err != nil {
			return nil, err
		}
		return infra.NewSQLiteBackend(cfg.Store.Dir, key, r.Clock)
	default:
		return infra.NewFileBackend(cfg.Store.Dir)
	}
}

func (r *Runtime) openAuditStore() (domain.AuditStore, error) {
	if !r.Config.Audit.Enabled {
		r.Logger.Info("persistent audit disabled, keeping entries in memory")
		return audit.NewMemoryStore(), nil
	}
	key, err := r.key()
	if err != nil {
		return nil, err
	}
	return infra.NewEncryptedAuditStore(r.Config.Audit.Dir, key)
}

func (r *Runtime) key() ([]byte, error) {
	key, err := infra.EnsureKey(infra.ResolveKeyProvider(r.Config.Audit.KeyDir))
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return key, nil
}

// LoadRules reads the policy file, falling back to the built-in presets
// when none exists.
func LoadRules(file string, presets *policy.Registry, logger *zap.Logger) (domain.RuleSet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		logger.Debug("no policy file, using defaults", zap.String("file", file))
		return policy.DefaultRuleSet(presets), nil
	}
	rules, report, err := policy.LoadFile(file, presets, logger)
	if err != nil {
		return domain.RuleSet{}, &domain.ConfigError{Kind: "policy", Index: -1, Err: err}
	}
	if len(report.Skipped) > 0 {
		logger.Warn("policy entries skipped", zap.String("file", file), zap.Int("count", len(report.Skipped)))
	}
	return rules, nil
}

func (r *Runtime) loadRules() (domain.RuleSet, error) {
	return LoadRules(r.Config.Policy.File, r.Presets, r.Logger.Named("policy"))
}

// ReloadPolicy re-reads the policy file and swaps the active rules.
// Runtime overrides added since startup are dropped.
func (r *Runtime) ReloadPolicy() error {
	rules, err := r.loadRules()
	if err != nil {
		return err
	}
	r.Policy.Replace(rules)
	for _, p := range r.Policy.Problems() {
		r.Logger.Warn("policy entry rejected", zap.Error(p))
	}
	return nil
}

// EnforceRetention evicts snapshots and reclaims badger value log space.
func (r *Runtime) EnforceRetention(ctx context.Context, policy domain.RetentionPolicy) ([]string, error) {
	ids, err := r.Snapshots.EnforceRetention(ctx, policy)
	if err != nil {
		return ids, err
	}
	if b, ok := r.Backend.(*infra.BadgerBackend); ok && len(ids) > 0 {
		if err := b.RunGC(badgerDiscardRatio); err != nil {
			r.Logger.Warn("badger value log gc failed", zap.Error(err))
		}
	}
	return ids, nil
}

// Watcher builds the file watcher daemon for this runtime.
func (r *Runtime) Watcher() *Watcher {
	wc := DefaultWatcherConfig(r.Config.Workspace.Root)
	wc.PolicyFile = r.Config.Policy.File
	wc.Retention = r.Config.RetentionPolicy()
	if r.Config.Retention.Interval > 0 {
		wc.RetentionInterval = r.Config.Retention.Interval
	}
	return NewWatcher(wc, r.Protector, r.Sessions, r, r.Debouncer, r.ReloadPolicy, r.Logger.Named("watcher"))
}

// ServeMetrics exposes /metrics on addr until ctx is canceled.
func (r *Runtime) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	r.Logger.Info("metrics listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases everything in reverse order of opening.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

var _ Retainer = (*Runtime)(nil)
