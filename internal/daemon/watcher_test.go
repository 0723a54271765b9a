package daemon

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/snapguard/internal/clock"
	"github.com/eliteGoblin/focusd/snapguard/internal/config"
	"github.com/eliteGoblin/focusd/snapguard/internal/cooldown"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

type mockSaves struct {
	mu      sync.Mutex
	saves   []string
	removed []string
	err     error
}

func (m *mockSaves) HandleSave(ctx context.Context, path string, content []byte) (domain.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, path)
	return domain.Decision{Path: path, Level: domain.Watch, Verdict: domain.VerdictAllow}, m.err
}

func (m *mockSaves) FileRemoved(ctx context.Context, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
}

type mockSessions struct {
	commits int
	manual  [][]string
	err     error
}

func (m *mockSessions) HandleGitCommit(ctx context.Context) (string, error) {
	m.commits++
	return "s-commit", m.err
}

func (m *mockSessions) HandleManualFinalization(ctx context.Context, summary string, tags []string) (string, error) {
	m.manual = append(m.manual, tags)
	return "s-manual", m.err
}

type mockRetainer struct {
	calls  int
	policy domain.RetentionPolicy
	err    error
}

func (m *mockRetainer) EnforceRetention(ctx context.Context, policy domain.RetentionPolicy) ([]string, error) {
	m.calls++
	m.policy = policy
	return []string{"old"}, m.err
}

type watcherFixture struct {
	w        *Watcher
	root     string
	clock    *clock.Fake
	saves    *mockSaves
	sessions *mockSessions
	retainer *mockRetainer
	reloads  int
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	root := t.TempDir()
	f := &watcherFixture{
		root:     root,
		clock:    clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		saves:    &mockSaves{},
		sessions: &mockSessions{},
		retainer: &mockRetainer{},
	}
	cfg := DefaultWatcherConfig(root)
	cfg.Retention = domain.RetentionPolicy{MaxSnapshots: 3}
	f.w = NewWatcher(cfg, f.saves, f.sessions, f.retainer,
		cooldown.NewDebouncer(500*time.Millisecond, f.clock),
		func() error { f.reloads++; return nil }, nil)

	fsw, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	t.Cleanup(func() { fsw.Close() })
	f.w.fsw = fsw
	return f
}

func (f *watcherFixture) event(name string, op fsnotify.Op) {
	f.w.handleEvent(context.Background(), fsnotify.Event{Name: filepath.Join(f.root, name), Op: op})
}

func TestWatchGit_NestedBranches(t *testing.T) {
	f := newWatcherFixture(t)
	heads := filepath.Join(f.root, ".git", "refs", "heads")
	require.NoError(t, os.MkdirAll(filepath.Join(heads, "feature", "team"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(heads, "feature", "team", "x"), []byte("abc\n"), 0o644))

	f.w.watchGit()
	watched := f.w.fsw.WatchList()
	assert.Contains(t, watched, filepath.Join(f.root, ".git"))
	assert.Contains(t, watched, heads)
	assert.Contains(t, watched, filepath.Join(heads, "feature"))
	assert.Contains(t, watched, filepath.Join(heads, "feature", "team"))

	f.event(".git/refs/heads/feature/team/x", fsnotify.Write)
	assert.Equal(t, 1, f.sessions.commits)

	// A new branch namespace is watched without counting as a commit.
	require.NoError(t, os.MkdirAll(filepath.Join(heads, "bugfix"), 0o755))
	f.event(".git/refs/heads/bugfix", fsnotify.Create)
	assert.Equal(t, 1, f.sessions.commits)
	assert.Contains(t, f.w.fsw.WatchList(), filepath.Join(heads, "bugfix"))

	f.event(".git/refs/heads/bugfix/y", fsnotify.Create)
	assert.Equal(t, 2, f.sessions.commits)
}

func TestDefaultWatcherConfig(t *testing.T) {
	cfg := DefaultWatcherConfig("/repo")

	assert.Equal(t, "/repo", cfg.Root)
	assert.Equal(t, filepath.Join("/repo", config.StateDirName, "policy.yaml"), cfg.PolicyFile)
	assert.Equal(t, time.Hour, cfg.RetentionInterval)
	assert.Contains(t, cfg.SkipDirs, ".git")
	assert.Contains(t, cfg.SkipDirs, config.StateDirName)
}

func TestHandleEvent_WritesAreDebounced(t *testing.T) {
	f := newWatcherFixture(t)

	f.event("main.go", fsnotify.Write)
	f.clock.Advance(100 * time.Millisecond)
	f.event("main.go", fsnotify.Write)
	f.clock.Advance(100 * time.Millisecond)
	f.event("main.go", fsnotify.Create)
	assert.Empty(t, f.saves.saves, "nothing fires inside the window")

	f.clock.Advance(500 * time.Millisecond)
	assert.Equal(t, []string{filepath.Join(f.root, "main.go")}, f.saves.saves)
}

func TestHandleEvent_RemoveCancelsPendingSave(t *testing.T) {
	f := newWatcherFixture(t)

	f.event("a.go", fsnotify.Write)
	f.event("a.go", fsnotify.Remove)
	f.clock.Advance(time.Second)

	assert.Empty(t, f.saves.saves)
	assert.Equal(t, []string{filepath.Join(f.root, "a.go")}, f.saves.removed)

	f.event("b.go", fsnotify.Rename)
	assert.Len(t, f.saves.removed, 2)
}

func TestHandleEvent_Routing(t *testing.T) {
	f := newWatcherFixture(t)

	f.event(".git/HEAD", fsnotify.Write)
	f.event(".git/refs/heads/main", fsnotify.Create)
	f.event(".git/packed-refs", fsnotify.Write)
	f.event(".git/index", fsnotify.Write)
	f.event(".git/HEAD", fsnotify.Chmod)
	assert.Equal(t, 3, f.sessions.commits)

	f.event(".snapguard/policy.yaml", fsnotify.Write)
	assert.Equal(t, 1, f.reloads)

	f.event(".snapguard/store/blobs/abc", fsnotify.Write)
	f.event("node_modules/x/index.js", fsnotify.Write)
	f.event(".git/objects/ab/cdef", fsnotify.Create)
	f.clock.Advance(time.Second)
	assert.Empty(t, f.saves.saves, "state, vendored and git internals are skipped")
}

func TestHandleEvent_NewDirectoryIsWatched(t *testing.T) {
	f := newWatcherFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "pkg", "sub"), 0o755))

	f.event("pkg", fsnotify.Create)
	f.clock.Advance(time.Second)

	assert.Empty(t, f.saves.saves)
	assert.ElementsMatch(t,
		[]string{filepath.Join(f.root, "pkg"), filepath.Join(f.root, "pkg", "sub")},
		f.w.fsw.WatchList())
}

func TestOnSave_ErrorsAreLogged(t *testing.T) {
	f := newWatcherFixture(t)
	f.saves.err = &domain.IOError{Op: "read", Path: "gone.go", Err: fs.ErrNotExist}

	f.event("gone.go", fsnotify.Write)
	assert.NotPanics(t, func() { f.clock.Advance(time.Second) })
	assert.Len(t, f.saves.saves, 1)
}

func TestRequestFinalize_Coalesces(t *testing.T) {
	f := newWatcherFixture(t)

	f.w.RequestFinalize()
	f.w.RequestFinalize()
	assert.Len(t, f.w.finalize, 1)

	<-f.w.finalize
	f.w.finalizeManual(context.Background())
	require.Len(t, f.sessions.manual, 1)
	assert.Nil(t, f.sessions.manual[0])
}

func TestRun_RetentionAndShutdown(t *testing.T) {
	f := newWatcherFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, f.retainer.calls, "retention runs on startup")
	assert.Equal(t, 3, f.retainer.policy.MaxSnapshots)
	require.Len(t, f.sessions.manual, 1)
	assert.Equal(t, []string{"shutdown"}, f.sessions.manual[0])
}

func TestRun_MissingRoot(t *testing.T) {
	f := newWatcherFixture(t)
	f.w.config.Root = filepath.Join(f.root, "missing")

	err := f.w.Run(context.Background())
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestSkipped(t *testing.T) {
	f := newWatcherFixture(t)

	tests := []struct {
		path string
		want bool
	}{
		{"src/app.go", false},
		{".env", false},
		{".git/config", true},
		{"web/node_modules/react/index.js", true},
		{"vendor/github.com/x/y.go", true},
		{".snapguard/store/x", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, f.w.skipped(filepath.Join(f.root, tt.path)))
		})
	}
	assert.True(t, f.w.skipped("/elsewhere/file"), "outside the root")
}
