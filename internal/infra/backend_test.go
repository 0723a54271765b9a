package infra

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

func TestBackends_Conformance(t *testing.T) {
	ctx := context.Background()

	for _, f := range allBackends() {
		t.Run(f.name, func(t *testing.T) {
			t.Run("read missing key", func(t *testing.T) {
				b := f.open(t)
				_, err := b.Read(ctx, "snapshots/none.json")
				assert.ErrorIs(t, err, domain.ErrNotFound)
			})

			t.Run("write then read", func(t *testing.T) {
				b := f.open(t)
				require.NoError(t, b.Write(ctx, "blobs/abc", []byte("hello")))
				got, err := b.Read(ctx, "blobs/abc")
				require.NoError(t, err)
				assert.Equal(t, []byte("hello"), got)
			})

			t.Run("overwrite replaces value", func(t *testing.T) {
				b := f.open(t)
				require.NoError(t, b.Write(ctx, "k", []byte("one")))
				require.NoError(t, b.Write(ctx, "k", []byte("two")))
				got, err := b.Read(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, []byte("two"), got)
			})

			t.Run("empty value", func(t *testing.T) {
				b := f.open(t)
				require.NoError(t, b.Write(ctx, "empty", nil))
				got, err := b.Read(ctx, "empty")
				require.NoError(t, err)
				assert.Empty(t, got)
			})

			t.Run("list by prefix is sorted", func(t *testing.T) {
				b := f.open(t)
				for _, k := range []string{"snapshots/b.json", "blobs/2", "snapshots/a.json", "blobs/1"} {
					require.NoError(t, b.Write(ctx, k, []byte(k)))
				}
				keys, err := b.List(ctx, "snapshots/")
				require.NoError(t, err)
				assert.Equal(t, []string{"snapshots/a.json", "snapshots/b.json"}, keys)

				all, err := b.List(ctx, "")
				require.NoError(t, err)
				assert.Equal(t, []string{"blobs/1", "blobs/2", "snapshots/a.json", "snapshots/b.json"}, all)
			})

			t.Run("list with non-ascii prefix", func(t *testing.T) {
				b := f.open(t)
				for _, k := range []string{"notes/jürgen/a", "notes/jürgen/b", "notes/jurgen/c"} {
					require.NoError(t, b.Write(ctx, k, []byte(k)))
				}
				keys, err := b.List(ctx, "notes/jürgen/")
				require.NoError(t, err)
				assert.Equal(t, []string{"notes/jürgen/a", "notes/jürgen/b"}, keys)
			})

			t.Run("list on empty store", func(t *testing.T) {
				b := f.open(t)
				keys, err := b.List(ctx, "sessions/")
				require.NoError(t, err)
				assert.Empty(t, keys)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				b := f.open(t)
				require.NoError(t, b.Write(ctx, "blobs/x", []byte("x")))
				require.NoError(t, b.Delete(ctx, "blobs/x"))
				require.NoError(t, b.Delete(ctx, "blobs/x"))
				_, err := b.Read(ctx, "blobs/x")
				assert.ErrorIs(t, err, domain.ErrNotFound)
			})

			t.Run("canceled context", func(t *testing.T) {
				b := f.open(t)
				cctx, cancel := context.WithCancel(ctx)
				cancel()
				assert.Error(t, b.Write(cctx, "k", []byte("v")))
			})
		})
	}
}

func TestFileBackend_RejectsEscapingKeys(t *testing.T) {
	b := NewFileBackendWithFs(afero.NewMemMapFs(), "/store")
	ctx := context.Background()
	for _, key := range []string{"", "../etc/passwd", "/abs", "a/../../b", "a//b"} {
		assert.ErrorIs(t, b.Write(ctx, key, []byte("x")), errBadKey, key)
	}
}

func TestFileBackend_ListSkipsTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	b := NewFileBackendWithFs(fs, "/store")
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "blobs/a", []byte("a")))
	require.NoError(t, afero.WriteFile(fs, "/store/blobs/"+tempPrefix+"123", []byte("partial"), 0o600))

	keys, err := b.List(ctx, "blobs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"blobs/a"}, keys)
}

func TestBadgerBackend_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := OpenBadgerBackend(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, "sessions/1.json", []byte("{}")))
	require.NoError(t, b.RunGC(0.5))
	require.NoError(t, b.Close())

	b, err = OpenBadgerBackend(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Read(ctx, "sessions/1.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), got)

	_, err = OpenBadgerBackend(BadgerConfig{})
	assert.Error(t, err)
}

func TestSQLiteBackend_WrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)

	b, err := NewSQLiteBackend(dir, key, nil)
	require.NoError(t, err)
	require.NoError(t, b.Write(context.Background(), "k", []byte("v")))
	require.NoError(t, b.Close())

	other, err := GenerateKey()
	require.NoError(t, err)
	_, err = NewSQLiteBackend(dir, other, nil)
	assert.Error(t, err)
}
