package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

const lockFileName = "snapguard.lock"

// ErrNoHolder is returned when signaling a store no live process holds.
var ErrNoHolder = errors.New("no running process holds the store")

// LockHolder describes the process that owns a store.
type LockHolder struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// StoreLock guards a store directory against a second engine process.
// The flock is released by the kernel if the holder dies; the JSON body
// is informational (status, stop).
type StoreLock struct {
	path   string
	file   *os.File
	exists func(pid int32) (bool, error)
}

// NewStoreLock creates a lock for storeDir. Nothing is acquired yet.
func NewStoreLock(storeDir string) *StoreLock {
	return &StoreLock{path: filepath.Join(storeDir, lockFileName), exists: process.PidExists}
}

// Path returns the lock file path.
func (l *StoreLock) Path() string { return l.path }

// Acquire takes the lock without blocking. If another process holds it
// the error wraps domain.ErrStoreLocked.
func (l *StoreLock) Acquire(version string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if holder, herr := l.Holder(); herr == nil && holder != nil {
				return fmt.Errorf("%w (pid %d since %s)", domain.ErrStoreLocked, holder.PID,
					holder.StartedAt.Format(time.RFC3339))
			}
			return domain.ErrStoreLocked
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	hostname, _ := os.Hostname()
	data, _ := json.Marshal(LockHolder{
		PID:       os.Getpid(),
		Hostname:  hostname,
		Version:   version,
		StartedAt: time.Now().UTC(),
	})
	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt(data, 0)
		if err == nil {
			err = f.Sync()
		}
		if err != nil {
			_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
			f.Close()
			return fmt.Errorf("failed to write lock file: %w", err)
		}
	}
	l.file = f
	return nil
}

// Release drops the lock and removes the lock file.
func (l *StoreLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	_ = os.Remove(l.path)
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// Holder reads the recorded owner. Returns nil, nil when no lock file exists.
func (l *StoreLock) Holder() (*LockHolder, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var h LockHolder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode lock file: %w", err)
	}
	return &h, nil
}

// HolderAlive reports whether the recorded owner process still exists.
func (l *StoreLock) HolderAlive() (bool, *LockHolder, error) {
	h, err := l.Holder()
	if err != nil || h == nil {
		return false, h, err
	}
	alive, err := l.exists(int32(h.PID))
	if err != nil {
		return false, h, err
	}
	return alive, h, nil
}

// SignalHolder asks the owning process to shut down (SIGTERM).
func (l *StoreLock) SignalHolder() (int, error) {
	return l.signal(syscall.SIGTERM)
}

// RequestFinalize asks the owning process to seal its open session (SIGUSR1).
func (l *StoreLock) RequestFinalize() (int, error) {
	return l.signal(syscall.SIGUSR1)
}

func (l *StoreLock) signal(sig syscall.Signal) (int, error) {
	alive, h, err := l.HolderAlive()
	if err != nil {
		return 0, err
	}
	if h == nil || !alive {
		return 0, fmt.Errorf("%w: %s", ErrNoHolder, l.path)
	}
	p, err := process.NewProcess(int32(h.PID))
	if err != nil {
		return h.PID, err
	}
	return h.PID, p.SendSignal(sig)
}
