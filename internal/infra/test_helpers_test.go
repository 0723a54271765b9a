package infra

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/snapguard/internal/clock"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

var testEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// backendFactory builds a fresh backend for the conformance suite.
type backendFactory struct {
	name string
	open func(t *testing.T) domain.Backend
}

func allBackends() []backendFactory {
	return []backendFactory{
		{name: "file-memfs", open: func(t *testing.T) domain.Backend {
			return NewFileBackendWithFs(afero.NewMemMapFs(), "/store")
		}},
		{name: "file-os", open: func(t *testing.T) domain.Backend {
			b, err := NewFileBackend(t.TempDir())
			require.NoError(t, err)
			return b
		}},
		{name: "badger", open: func(t *testing.T) domain.Backend {
			b, err := OpenBadgerBackend(InMemoryBadgerConfig())
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		}},
		{name: "sqlite", open: func(t *testing.T) domain.Backend {
			return newTestSQLiteBackend(t)
		}},
	}
}

func newTestSQLiteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	b, err := NewSQLiteBackend(t.TempDir(), key, clock.NewFake(testEpoch))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestAuditStore(t *testing.T) (*EncryptedAuditStore, string, []byte) {
	t.Helper()
	dataDir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewEncryptedAuditStore(dataDir, key)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dataDir, key
}
