// Package usecase contains application business logic.
package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/snapguard/internal/cooldown"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
	"github.com/eliteGoblin/focusd/snapguard/internal/metrics"
)

// Audit metadata reasons.
const (
	ReasonRiskPass       = "risk_pass"
	ReasonRiskFail       = "risk_fail"
	ReasonNoAssessor     = "no_risk_assessor"
	ReasonSnapshotFailed = "snapshot_failed"
	ReasonUserConfirmed  = "user_confirmed"
	reasonUserOverride   = "user_override_"
)

// Classifier is the policy surface the protector needs.
type Classifier interface {
	Classify(path string) domain.Classification
	AddOverride(o domain.PolicyOverride) error
}

// CandidateSink receives snapshot candidates for the open session.
type CandidateSink interface {
	AddCandidate(uri, snapshotID string, stats domain.ChangeStats)
}

// PendingCanceler drops scheduled work for a path (trailing debounce).
type PendingCanceler interface {
	Cancel(path string) bool
}

// Deps wires a Protector. Risk, Pending and Metrics are optional.
type Deps struct {
	Workspace domain.Workspace
	Policy    Classifier
	Cooldown  *cooldown.Service
	Snapshots domain.SnapshotStore
	Sessions  CandidateSink
	Audit     domain.AuditRecorder
	Index     *ProtectedFiles
	Risk      domain.RiskAssessor
	Pending   PendingCanceler
	Clock     domain.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Protector handles observed writes: classify, snapshot, decide, audit.
type Protector struct {
	Deps
	logger *zap.Logger
}

// NewProtector creates a protector from its collaborators.
func NewProtector(d Deps) *Protector {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protector{Deps: d, logger: logger}
}

// target is a path resolved against the workspace.
type target struct {
	abs string
	rel string
}

func (p *Protector) resolve(path string) (target, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = p.Workspace.Abs(path)
	}
	abs = filepath.Clean(abs)
	rel, err := p.Workspace.Rel(abs)
	if err != nil {
		return target{}, err
	}
	return target{abs: abs, rel: rel}, nil
}

// HandleSave processes one observed write of path. content may be nil, in
// which case the file is read from the workspace. A snapshot failure is
// returned together with the decision.
func (p *Protector) HandleSave(ctx context.Context, path string, content []byte) (domain.Decision, error) {
	t, err := p.resolve(path)
	if err != nil {
		return domain.Decision{}, err
	}

	cls := p.Policy.Classify(t.abs)
	dec := domain.Decision{
		Path:           t.rel,
		Level:          cls.Level,
		Reason:         cls.Reason,
		MatchedPattern: cls.MatchedPattern,
	}

	if cls.Level == domain.Unprotected {
		dec.Verdict = domain.VerdictAllow
		if cls.FromOverride {
			p.untrack(ctx, t.rel)
			p.Audit.Record(ctx, t.abs, cls.Level, domain.ActionSaveAllowed,
				map[string]string{"reason": cls.Reason}, "")
		}
		p.Metrics.Decision(cls.Level.String(), string(dec.Verdict))
		return dec, nil
	}

	prev, tracked := p.entry(ctx, t.rel)
	p.track(ctx, t.rel, cls.Level, "")

	dec.InCooldown = p.Cooldown.IsInCooldown(t.abs)

	var snapErr error
	if p.Cooldown.ShouldDebounce(t.abs) {
		dec.Debounced = true
		if tracked {
			dec.SnapshotID = prev.LastSnapshotID
		}
	} else {
		if content == nil {
			if content, err = p.Workspace.ReadFile(t.rel); err != nil {
				content, snapErr = nil, &domain.IOError{Op: "read", Path: t.rel, Err: err}
			}
		}
		if snapErr == nil {
			dec.SnapshotID, snapErr = p.capture(ctx, t, cls, content, prev.LastSnapshotID)
		}
	}

	switch {
	case dec.InCooldown:
		dec.Verdict = domain.VerdictAllow
	case cls.Level == domain.Watch:
		dec.Verdict = domain.VerdictAllow
		p.allow(ctx, t, cls, cls.Reason, dec.SnapshotID)
	case cls.Level == domain.Warn:
		dec.Verdict = domain.VerdictConfirm
	case dec.SnapshotID == "" && snapErr != nil:
		dec.Verdict = domain.VerdictBlock
		p.Audit.Record(ctx, t.abs, cls.Level, domain.ActionSaveBlocked,
			map[string]string{"reason": ReasonSnapshotFailed}, "")
	default:
		dec.Verdict = p.assess(ctx, t, cls, content, dec.SnapshotID)
	}

	p.Metrics.Decision(cls.Level.String(), string(dec.Verdict))
	p.logger.Debug("save handled",
		zap.String("path", t.rel),
		zap.Stringer("level", cls.Level),
		zap.String("verdict", string(dec.Verdict)),
		zap.String("snapshot", dec.SnapshotID),
		zap.Bool("debounced", dec.Debounced),
		zap.Bool("in_cooldown", dec.InCooldown))
	return dec, snapErr
}

// capture snapshots one file and feeds the session and the audit log.
func (p *Protector) capture(ctx context.Context, t target, cls domain.Classification, content []byte, prevID string) (string, error) {
	snap, err := p.Snapshots.Create(ctx, []domain.FileContent{{Path: t.rel, Content: content}}, domain.SnapshotMeta{
		Description: "save " + t.rel,
		Protected:   cls.Level == domain.Block,
		Tags:        []string{"auto", cls.Level.String()},
	})
	if snap == nil {
		p.logger.Warn("snapshot failed", zap.String("path", t.rel), zap.Error(err))
		return "", err
	}

	p.Cooldown.RecordSnapshotTime(t.abs)
	p.track(ctx, t.rel, cls.Level, snap.ID)
	p.Sessions.AddCandidate(FileURI(t.abs), snap.ID, p.changeStats(ctx, prevID, t.rel, content))
	p.Audit.Record(ctx, t.abs, cls.Level, domain.ActionSnapshotCreated,
		map[string]string{"reason": cls.Reason}, snap.ID)
	return snap.ID, err
}

// assess decides a Block-level save through the risk assessor.
func (p *Protector) assess(ctx context.Context, t target, cls domain.Classification, content []byte, snapshotID string) domain.Verdict {
	reason := ReasonNoAssessor
	if p.Risk != nil {
		v, err := p.Risk.Assess(ctx, t.abs, content)
		switch {
		case err != nil:
			p.logger.Warn("risk assessment failed", zap.String("path", t.rel), zap.Error(err))
			reason = ReasonRiskFail
		case v.Pass:
			p.allow(ctx, t, cls, ReasonRiskPass, snapshotID)
			return domain.VerdictAllow
		default:
			reason = ReasonRiskFail
		}
	}

	meta := map[string]string{"reason": reason}
	p.Audit.Record(ctx, t.abs, cls.Level, domain.ActionSaveBlocked, meta, snapshotID)
	return domain.VerdictBlock
}

func (p *Protector) allow(ctx context.Context, t target, cls domain.Classification, reason, snapshotID string) {
	p.Audit.Record(ctx, t.abs, cls.Level, domain.ActionSaveAllowed, map[string]string{"reason": reason}, snapshotID)
	p.Cooldown.SetCooldown(t.abs, cls.Level, domain.ActionSaveAllowed, snapshotID)
}

// ConfirmSave records that the user accepted a Warn-level save.
func (p *Protector) ConfirmSave(ctx context.Context, path string) (domain.Decision, error) {
	return p.release(ctx, path, ReasonUserConfirmed, nil)
}

// OverrideBlockedSave lets a Block-level save through. A known rationale
// is mandatory.
func (p *Protector) OverrideBlockedSave(ctx context.Context, path string, rationale domain.OverrideRationale, note string) (domain.Decision, error) {
	if !rationale.Valid() {
		return domain.Decision{}, &domain.ConfigError{
			Kind:   "override",
			Index:  -1,
			Detail: fmt.Sprintf("missing or unknown rationale %q", rationale),
		}
	}
	var extra map[string]string
	if note != "" {
		extra = map[string]string{"note": note}
	}
	return p.release(ctx, path, reasonUserOverride+string(rationale), extra)
}

func (p *Protector) release(ctx context.Context, path, reason string, extra map[string]string) (domain.Decision, error) {
	t, err := p.resolve(path)
	if err != nil {
		return domain.Decision{}, err
	}
	cls := p.Policy.Classify(t.abs)
	entry, _ := p.entry(ctx, t.rel)

	meta := map[string]string{"reason": reason}
	for k, v := range extra {
		meta[k] = v
	}
	p.Audit.Record(ctx, t.abs, cls.Level, domain.ActionSaveAllowed, meta, entry.LastSnapshotID)
	p.Cooldown.SetCooldown(t.abs, cls.Level, domain.ActionSaveAllowed, entry.LastSnapshotID)
	p.Metrics.Decision(cls.Level.String(), string(domain.VerdictAllow))

	p.logger.Info("save released",
		zap.String("path", t.rel),
		zap.Stringer("level", cls.Level),
		zap.String("reason", reason))
	return domain.Decision{
		Path:           t.rel,
		Level:          cls.Level,
		Reason:         reason,
		MatchedPattern: cls.MatchedPattern,
		Verdict:        domain.VerdictAllow,
		SnapshotID:     entry.LastSnapshotID,
	}, nil
}

// AddPolicyOverride installs a runtime override. Later classifications
// honour it; cooldowns already in force are kept.
func (p *Protector) AddPolicyOverride(o domain.PolicyOverride) error {
	return p.Policy.AddOverride(o)
}

// Unprotect forgets path: index entry, cooldown state and pending work.
func (p *Protector) Unprotect(ctx context.Context, path string) error {
	t, err := p.resolve(path)
	if err != nil {
		return err
	}
	p.forget(t)
	if _, err := p.Index.Remove(ctx, t.rel); err != nil {
		return err
	}
	p.logger.Info("file unprotected", zap.String("path", t.rel))
	return nil
}

// FileRemoved handles deletion of path on disk.
func (p *Protector) FileRemoved(ctx context.Context, path string) {
	t, err := p.resolve(path)
	if err != nil {
		return
	}
	p.forget(t)
	if removed, err := p.Index.Remove(ctx, t.rel); err != nil {
		p.logger.Warn("failed to drop protected entry", zap.String("path", t.rel), zap.Error(err))
	} else if removed {
		p.logger.Info("protected file removed", zap.String("path", t.rel))
	}
}

// ProtectedFiles returns the current index.
func (p *Protector) ProtectedFiles(ctx context.Context) ([]domain.ProtectedFileEntry, error) {
	return p.Index.List(ctx)
}

func (p *Protector) forget(t target) {
	p.Cooldown.Forget(t.abs)
	if p.Pending != nil {
		p.Pending.Cancel(t.abs)
	}
}

func (p *Protector) entry(ctx context.Context, rel string) (domain.ProtectedFileEntry, bool) {
	e, ok, err := p.Index.Get(ctx, rel)
	if err != nil {
		p.logger.Warn("failed to read protected index", zap.Error(err))
	}
	return e, ok
}

// track updates the index. Best effort: failures are logged.
func (p *Protector) track(ctx context.Context, rel string, level domain.ProtectionLevel, snapshotID string) {
	if _, err := p.Index.Track(ctx, rel, level, snapshotID, p.Clock.Now()); err != nil {
		p.logger.Warn("failed to update protected index", zap.String("path", rel), zap.Error(err))
	}
}

func (p *Protector) untrack(ctx context.Context, rel string) {
	if _, err := p.Index.Remove(ctx, rel); err != nil {
		p.logger.Warn("failed to update protected index", zap.String("path", rel), zap.Error(err))
	}
}

// changeStats compares content with the previous snapshot of rel.
func (p *Protector) changeStats(ctx context.Context, prevID, rel string, content []byte) domain.ChangeStats {
	var old []byte
	if prevID != "" {
		data, err := p.Snapshots.Read(ctx, prevID, rel)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			p.logger.Debug("previous snapshot unreadable", zap.String("snapshot", prevID), zap.Error(err))
		}
		old = data
	}
	return LineStats(old, content)
}

// LineStats counts lines present only in next (added) and only in prev
// (deleted), comparing line multisets.
func LineStats(prev, next []byte) domain.ChangeStats {
	counts := make(map[string]int)
	for _, l := range splitLines(prev) {
		counts[l]++
	}
	var stats domain.ChangeStats
	for _, l := range splitLines(next) {
		if counts[l] > 0 {
			counts[l]--
			continue
		}
		stats.Added++
	}
	for _, n := range counts {
		stats.Deleted += n
	}
	return stats
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	b = bytes.TrimSuffix(b, []byte("\n"))
	parts := bytes.Split(b, []byte("\n"))
	out := make([]string, len(parts))
	for i, part := range parts {
		out[i] = string(bytes.TrimSuffix(part, []byte("\r")))
	}
	return out
}

// FileURI returns the file:// URI of an absolute path.
func FileURI(abs string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String()
}
