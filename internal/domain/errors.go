package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by backends and stores for missing keys.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientSpace is returned when the store volume is too full.
	ErrInsufficientSpace = errors.New("insufficient disk space")

	// ErrStoreLocked is returned when another live process owns the store.
	ErrStoreLocked = errors.New("store is locked by another process")

	// ErrAlreadyExists is returned by write-once stores.
	ErrAlreadyExists = errors.New("already exists")
)

// ConfigError is a bad policy entry (malformed glob, missing rationale).
// It is recovered locally: the entry is skipped and logged.
type ConfigError struct {
	Kind   string // "rule", "override", "ignore", "settings"
	Index  int
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config %s[%d]: %s", e.Kind, e.Index, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IOError is a snapshot read/write failure. Always surfaced to the caller.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// AuditWriteError is an audit append failure. Always recovered locally.
type AuditWriteError struct {
	Path   string
	Action ProtectionAction
	Err    error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit %s %s: %v", e.Action, e.Path, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// FinalizationPersistError reports that a session manifest could not be
// persisted. The candidates were returned to the open session.
type FinalizationPersistError struct {
	SessionID  string
	Candidates int
	Err        error
}

func (e *FinalizationPersistError) Error() string {
	return fmt.Sprintf("persist session %s (%d candidates kept): %v", e.SessionID, e.Candidates, e.Err)
}

func (e *FinalizationPersistError) Unwrap() error { return e.Err }

// Retryable is always true: candidates are intact and finalize can be retried.
func (e *FinalizationPersistError) Retryable() bool { return true }
