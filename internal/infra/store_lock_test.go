package infra

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

func TestStoreLock_AcquireRelease(t *testing.T) {
	dir := t.TempDir()
	lock := NewStoreLock(dir)

	require.NoError(t, lock.Acquire("1.2.3"))

	holder, err := lock.Holder()
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, os.Getpid(), holder.PID)
	assert.Equal(t, "1.2.3", holder.Version)

	alive, _, err := lock.HolderAlive()
	require.NoError(t, err)
	assert.True(t, alive)

	second := NewStoreLock(dir)
	err = second.Acquire("1.2.3")
	assert.ErrorIs(t, err, domain.ErrStoreLocked)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	holder, err = lock.Holder()
	require.NoError(t, err)
	assert.Nil(t, holder)

	require.NoError(t, second.Acquire("1.2.4"))
	require.NoError(t, second.Release())
}

func TestStoreLock_HolderAliveUsesPidCheck(t *testing.T) {
	lock := NewStoreLock(t.TempDir())
	require.NoError(t, lock.Acquire("dev"))
	defer lock.Release()

	lock.exists = func(int32) (bool, error) { return false, nil }
	alive, holder, err := lock.HolderAlive()
	require.NoError(t, err)
	assert.False(t, alive)
	require.NotNil(t, holder)

	_, err = lock.SignalHolder()
	assert.ErrorIs(t, err, ErrNoHolder)
	_, err = lock.RequestFinalize()
	assert.ErrorIs(t, err, ErrNoHolder)

	boom := errors.New("proc unavailable")
	lock.exists = func(int32) (bool, error) { return false, boom }
	_, _, err = lock.HolderAlive()
	assert.ErrorIs(t, err, boom)
}

func TestStoreLock_NoLockFile(t *testing.T) {
	lock := NewStoreLock(t.TempDir())
	alive, holder, err := lock.HolderAlive()
	require.NoError(t, err)
	assert.False(t, alive)
	assert.Nil(t, holder)
}
