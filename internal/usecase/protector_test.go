package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/snapguard/internal/audit"
	"github.com/eliteGoblin/focusd/snapguard/internal/clock"
	"github.com/eliteGoblin/focusd/snapguard/internal/cooldown"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
	"github.com/eliteGoblin/focusd/snapguard/internal/infra"
	"github.com/eliteGoblin/focusd/snapguard/internal/policy"
	"github.com/eliteGoblin/focusd/snapguard/internal/session"
	"github.com/eliteGoblin/focusd/snapguard/internal/snapshot"
)

var epoch = time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)

const root = "/repo"

// mockRisk implements domain.RiskAssessor for testing
type mockRisk struct {
	verdict domain.RiskVerdict
	err     error
	calls   int
}

func (m *mockRisk) Assess(context.Context, string, []byte) (domain.RiskVerdict, error) {
	m.calls++
	return m.verdict, m.err
}

// mockPending implements PendingCanceler for testing
type mockPending struct {
	canceled []string
}

func (m *mockPending) Cancel(path string) bool {
	m.canceled = append(m.canceled, path)
	return true
}

type harness struct {
	p          *Protector
	clk        *clock.Fake
	ws         *infra.Workspace
	backend    *infra.FileBackend
	cool       *cooldown.Service
	snaps      *snapshot.Store
	sessions   *session.Coordinator
	manifests  *session.BackendManifestStore
	auditStore *audit.MemoryStore
	pending    *mockPending
}

func newHarness(t *testing.T, risk domain.RiskAssessor) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	clk := clock.NewFake(epoch)
	logger := zap.NewNop()

	ws := infra.NewWorkspaceWithFs(fs, root)
	backend := infra.NewFileBackendWithFs(fs, "/state/store")
	engine := policy.NewEngine(root, policy.DefaultRuleSet(policy.NewRegistry()), policy.NewMatcher(false), clk, logger)
	cool := cooldown.NewService(cooldown.DefaultConfig(), clk, logger)
	snaps := snapshot.NewStore(backend, ws, clk, logger, snapshot.Options{Compression: snapshot.CompressionZstd})
	auditStore := audit.NewMemoryStore()
	auditLog := audit.NewLog(auditStore, clk, logger, nil)
	manifests := session.NewManifestStore(backend)
	sessions := session.NewCoordinator(manifests, clk, logger, session.Options{Audit: auditLog})
	pending := &mockPending{}

	p := NewProtector(Deps{
		Workspace: ws,
		Policy:    engine,
		Cooldown:  cool,
		Snapshots: snaps,
		Sessions:  sessions,
		Audit:     auditLog,
		Index:     NewProtectedFiles(backend),
		Risk:      risk,
		Pending:   pending,
		Clock:     clk,
		Logger:    logger,
	})
	return &harness{
		p: p, clk: clk, ws: ws, backend: backend, cool: cool, snaps: snaps,
		sessions: sessions, manifests: manifests, auditStore: auditStore, pending: pending,
	}
}

func (h *harness) save(t *testing.T, rel, content string) domain.Decision {
	t.Helper()
	require.NoError(t, h.ws.WriteFile(rel, []byte(content)))
	dec, err := h.p.HandleSave(context.Background(), root+"/"+rel, nil)
	require.NoError(t, err)
	return dec
}

func (h *harness) actions(t *testing.T) []domain.ProtectionAction {
	t.Helper()
	entries, err := h.auditStore.Query(context.Background(), domain.AuditFilter{})
	require.NoError(t, err)
	out := make([]domain.ProtectionAction, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func (h *harness) lastAudit(t *testing.T) domain.AuditEntry {
	t.Helper()
	entries, err := h.auditStore.Query(context.Background(), domain.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func (h *harness) snapshotCount(t *testing.T, rel string) int {
	t.Helper()
	list, err := h.snaps.List(context.Background(), rel)
	require.NoError(t, err)
	return len(list)
}

func TestHandleSave_Unprotected(t *testing.T) {
	h := newHarness(t, nil)
	dec := h.save(t, "main.go", "package main\n")

	assert.Equal(t, domain.VerdictAllow, dec.Verdict)
	assert.Equal(t, domain.Unprotected, dec.Level)
	assert.Equal(t, policy.ReasonNoRuleMatched, dec.Reason)
	assert.Empty(t, dec.SnapshotID)
	assert.Empty(t, h.actions(t))
	assert.Equal(t, 0, h.snapshotCount(t, "main.go"))
	assert.Empty(t, h.sessions.Pending())
}

func TestHandleSave_Watch(t *testing.T) {
	h := newHarness(t, nil)
	dec := h.save(t, "go.mod", "module x\n")

	assert.Equal(t, domain.VerdictAllow, dec.Verdict)
	assert.Equal(t, domain.Watch, dec.Level)
	assert.Equal(t, "**/go.mod", dec.MatchedPattern)
	require.NotEmpty(t, dec.SnapshotID)
	assert.Equal(t, []domain.ProtectionAction{domain.ActionSnapshotCreated, domain.ActionSaveAllowed}, h.actions(t))
	assert.Equal(t, root+"/go.mod", h.lastAudit(t).Path)

	pending := h.sessions.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "file:///repo/go.mod", pending[0].URI)
	assert.Equal(t, dec.SnapshotID, pending[0].SnapshotID)
	assert.Equal(t, domain.ChangeStats{Added: 1}, pending[0].ChangeStats)

	entries, err := h.p.ProtectedFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "go.mod", entries[0].Path)
	assert.Equal(t, domain.Watch, entries[0].ProtectionLevel)
	assert.Equal(t, dec.SnapshotID, entries[0].LastSnapshotID)

	assert.True(t, h.cool.IsInCooldown(root+"/go.mod"))
}

func TestHandleSave_WarnNeedsConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	dec := h.save(t, "go.sum", "a v1\n")
	assert.Equal(t, domain.VerdictConfirm, dec.Verdict)
	assert.Equal(t, []domain.ProtectionAction{domain.ActionSnapshotCreated}, h.actions(t))

	confirmed, err := h.p.ConfirmSave(ctx, "go.sum")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAllow, confirmed.Verdict)
	assert.Equal(t, dec.SnapshotID, confirmed.SnapshotID)
	last := h.lastAudit(t)
	assert.Equal(t, domain.ActionSaveAllowed, last.Action)
	assert.Equal(t, ReasonUserConfirmed, last.Metadata["reason"])

	h.clk.Advance(time.Second)
	again := h.save(t, "go.sum", "a v2\n")
	assert.True(t, again.InCooldown)
	assert.Equal(t, domain.VerdictAllow, again.Verdict)
	assert.NotEqual(t, dec.SnapshotID, again.SnapshotID, "cooldown does not suppress snapshots")

	h.clk.Advance(cooldown.DefaultCooldown)
	expired := h.save(t, "go.sum", "a v3\n")
	assert.False(t, expired.InCooldown)
	assert.Equal(t, domain.VerdictConfirm, expired.Verdict)
}

func TestHandleSave_SecretsBlockThenOverride(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	blocked := h.save(t, "secrets.json", `{"token":"abc"}`)
	assert.Equal(t, domain.Block, blocked.Level)
	assert.Equal(t, domain.VerdictBlock, blocked.Verdict)
	require.NotEmpty(t, blocked.SnapshotID)
	assert.Equal(t, domain.ActionSaveBlocked, h.lastAudit(t).Action)
	assert.Equal(t, ReasonNoAssessor, h.lastAudit(t).Metadata["reason"])

	snap, err := h.snaps.Get(ctx, blocked.SnapshotID)
	require.NoError(t, err)
	assert.True(t, snap.Meta.Protected, "block-level snapshots survive retention")

	require.NoError(t, h.p.AddPolicyOverride(domain.PolicyOverride{
		Pattern:    "secrets.json",
		Level:      domain.Watch,
		Rationale:  domain.RationaleTemporaryFix,
		TTLUnixMs:  epoch.Add(time.Hour).UnixMilli(),
		Precedence: 1000,
	}))

	h.clk.Advance(time.Second)
	allowed := h.save(t, "secrets.json", `{"token":"def"}`)
	assert.Equal(t, domain.VerdictAllow, allowed.Verdict)
	assert.Equal(t, domain.Watch, allowed.Level)
	last := h.lastAudit(t)
	assert.Equal(t, domain.ActionSaveAllowed, last.Action)
	assert.Equal(t, "override: temporary_fix", last.Metadata["reason"])

	assert.Equal(t, []domain.ProtectionAction{
		domain.ActionSnapshotCreated, domain.ActionSaveBlocked,
		domain.ActionSnapshotCreated, domain.ActionSaveAllowed,
	}, h.actions(t))

	// Past the TTL the rule applies again.
	h.clk.Advance(time.Hour)
	again := h.save(t, "secrets.json", `{"token":"ghi"}`)
	assert.Equal(t, domain.Block, again.Level)
}

func TestOverrideBlockedSave(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	blocked := h.save(t, ".env", "KEY=1\n")
	require.Equal(t, domain.VerdictBlock, blocked.Verdict)

	_, err := h.p.OverrideBlockedSave(ctx, ".env", "because", "")
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = h.p.OverrideBlockedSave(ctx, ".env", "", "")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, domain.ActionSaveBlocked, h.lastAudit(t).Action, "rejected overrides are not audited")

	dec, err := h.p.OverrideBlockedSave(ctx, ".env", domain.RationaleTesting, "fixture refresh")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAllow, dec.Verdict)
	last := h.lastAudit(t)
	assert.Equal(t, domain.ActionSaveAllowed, last.Action)
	assert.Equal(t, "user_override_testing", last.Metadata["reason"])
	assert.Equal(t, "fixture refresh", last.Metadata["note"])
	assert.Equal(t, blocked.SnapshotID, last.SnapshotID)

	st, ok := h.cool.State(root + "/.env")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(cooldown.DefaultBlockCooldown), st.CooldownUntil)

	h.clk.Advance(time.Minute)
	next := h.save(t, ".env", "KEY=2\n")
	assert.True(t, next.InCooldown)
	assert.Equal(t, domain.VerdictAllow, next.Verdict)
}

func TestHandleSave_RiskAssessor(t *testing.T) {
	tests := []struct {
		name    string
		risk    *mockRisk
		verdict domain.Verdict
		action  domain.ProtectionAction
		reason  string
	}{
		{"pass", &mockRisk{verdict: domain.RiskVerdict{Pass: true}}, domain.VerdictAllow, domain.ActionSaveAllowed, ReasonRiskPass},
		{"fail", &mockRisk{verdict: domain.RiskVerdict{Pass: false, Reason: "token"}}, domain.VerdictBlock, domain.ActionSaveBlocked, ReasonRiskFail},
		{"error", &mockRisk{err: errors.New("timeout")}, domain.VerdictBlock, domain.ActionSaveBlocked, ReasonRiskFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.risk)
			dec := h.save(t, "deploy/server.pem", "-----BEGIN-----\n")
			assert.Equal(t, tt.verdict, dec.Verdict)
			assert.Equal(t, 1, tt.risk.calls)
			last := h.lastAudit(t)
			assert.Equal(t, tt.action, last.Action)
			assert.Equal(t, tt.reason, last.Metadata["reason"])
		})
	}
}

func TestHandleSave_BlockWithoutSnapshotIsBlocked(t *testing.T) {
	h := newHarness(t, &mockRisk{verdict: domain.RiskVerdict{Pass: true}})
	dec, err := h.p.HandleSave(context.Background(), "missing.env", nil)

	var ioErr *domain.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, domain.VerdictBlock, dec.Verdict)
	last := h.lastAudit(t)
	assert.Equal(t, domain.ActionSaveBlocked, last.Action)
	assert.Equal(t, ReasonSnapshotFailed, last.Metadata["reason"])
}

func TestHandleSave_Debounce(t *testing.T) {
	t.Run("three saves within 200ms make one snapshot", func(t *testing.T) {
		h := newHarness(t, nil)
		first := h.save(t, "go.mod", "v1")
		h.clk.Advance(100 * time.Millisecond)
		second := h.save(t, "go.mod", "v2")
		h.clk.Advance(100 * time.Millisecond)
		third := h.save(t, "go.mod", "v3")

		assert.False(t, first.Debounced)
		assert.True(t, second.Debounced)
		assert.True(t, third.Debounced)
		assert.Equal(t, first.SnapshotID, third.SnapshotID)
		assert.Equal(t, 1, h.snapshotCount(t, "go.mod"))
	})

	t.Run("three saves ten minutes apart make three snapshots", func(t *testing.T) {
		h := newHarness(t, nil)
		ids := make(map[string]bool)
		for i := 0; i < 3; i++ {
			dec := h.save(t, "go.mod", "v"+string(rune('1'+i)))
			assert.False(t, dec.Debounced)
			ids[dec.SnapshotID] = true
			h.clk.Advance(10 * time.Minute)
		}
		assert.Len(t, ids, 3)
		assert.Equal(t, 3, h.snapshotCount(t, "go.mod"))
	})
}

func TestHandleSave_FeedsSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.save(t, "go.mod", "module x\n\ngo 1.22\n")
	h.clk.Advance(time.Second)
	last := h.save(t, "go.mod", "module x\n\ngo 1.24\nrequire y v1\n")

	id, err := h.sessions.HandleGitCommit(ctx)
	require.NoError(t, err)
	m, err := h.manifests.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Len(t, m.Files, 1)
	assert.Equal(t, last.SnapshotID, m.Files[0].SnapshotID)
	assert.Equal(t, domain.ChangeStats{Added: 2, Deleted: 1}, m.Files[0].ChangeStats)

	assert.Equal(t, domain.ActionSessionFinalized, h.lastAudit(t).Action)
}

func TestHandleSave_OutsideWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.p.HandleSave(context.Background(), "/etc/passwd", []byte("x"))
	assert.Error(t, err)
}

func TestFileRemovedAndUnprotect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.save(t, "go.mod", "module x\n")
	h.save(t, "go.sum", "a v1\n")

	h.p.FileRemoved(ctx, root+"/go.mod")
	assert.Equal(t, []string{root + "/go.mod"}, h.pending.canceled)
	_, ok := h.cool.State(root + "/go.mod")
	assert.False(t, ok)

	require.NoError(t, h.p.Unprotect(ctx, "go.sum"))
	entries, err := h.p.ProtectedFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Removing an untracked file is harmless.
	h.p.FileRemoved(ctx, root+"/nothing.txt")
}

func TestProtectedFiles_Persisted(t *testing.T) {
	backend := infra.NewFileBackendWithFs(afero.NewMemMapFs(), "/store")
	ctx := context.Background()
	idx := NewProtectedFiles(backend)

	changed, err := idx.Track(ctx, "a.env", domain.Block, "s1", epoch)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = idx.Track(ctx, "a.env", domain.Block, "", epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed, "same level without a snapshot is a no-op")
	changed, err = idx.Track(ctx, "a.env", domain.Warn, "", epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)

	reloaded := NewProtectedFiles(backend)
	e, ok, err := reloaded.Get(ctx, "a.env")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.Warn, e.ProtectionLevel)
	assert.Equal(t, "s1", e.LastSnapshotID)
	assert.Equal(t, epoch.Add(time.Minute), e.LastProtectedAt)

	removed, err := reloaded.Remove(ctx, "a.env")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = reloaded.Remove(ctx, "a.env")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLineStats(t *testing.T) {
	tests := []struct {
		name       string
		prev, next string
		want       domain.ChangeStats
	}{
		{"new file", "", "a\nb\n", domain.ChangeStats{Added: 2}},
		{"deleted content", "a\nb\n", "", domain.ChangeStats{Deleted: 2}},
		{"unchanged", "a\nb\n", "a\nb\n", domain.ChangeStats{}},
		{"modified line", "a\nb\nc\n", "a\nB\nc\n", domain.ChangeStats{Added: 1, Deleted: 1}},
		{"crlf", "a\r\nb\r\n", "a\nb\n", domain.ChangeStats{}},
		{"duplicates", "x\n", "x\nx\n", domain.ChangeStats{Added: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LineStats([]byte(tt.prev), []byte(tt.next)))
		})
	}
}

func TestFileURI(t *testing.T) {
	assert.Equal(t, "file:///repo/a%20b.go", FileURI("/repo/a b.go"))
}
