package domain

import (
	"context"
	"time"
)

// Clock supplies the current time. Injected everywhere time matters so
// tests can run against a virtual clock.
type Clock interface {
	Now() time.Time
}

// Timer is a scheduled callback that can be canceled.
type Timer interface {
	// Stop cancels the callback. Returns false if it already fired or was stopped.
	Stop() bool
}

// TimerService schedules callbacks (debounce, idle timeout).
type TimerService interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Matcher matches a slash-separated path against a glob pattern.
// Implementation: doublestar with optional case folding.
type Matcher interface {
	Match(pattern, path string) (bool, error)
}

// Backend is the narrow key/value storage surface the core persists through.
// Implementations: flat files, BadgerDB, SQLCipher. Each Write is atomic per key.
type Backend interface {
	// Read returns the value for key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores value under key, replacing any previous value.
	Write(ctx context.Context, key string, value []byte) error

	// List returns all keys with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources (e.g., database handle).
	Close() error
}

// Workspace reads and writes project files on behalf of the core.
// Implementation: afero filesystem rooted at the project directory.
type Workspace interface {
	// Root returns the absolute project root.
	Root() string

	// Rel converts an absolute or relative path to a root-relative slash path.
	Rel(path string) (string, error)

	// Abs converts a root-relative path to an absolute one.
	Abs(rel string) string

	// ReadFile returns the content of a root-relative file.
	ReadFile(rel string) ([]byte, error)

	// WriteFile atomically replaces a root-relative file, creating parents.
	WriteFile(rel string, data []byte) error

	// Exists checks if a root-relative path exists.
	Exists(rel string) bool
}

// SnapshotStore persists restorable snapshots of file content.
type SnapshotStore interface {
	Create(ctx context.Context, files []FileContent, meta SnapshotMeta) (*Snapshot, error)
	Get(ctx context.Context, id string) (*Snapshot, error)
	Read(ctx context.Context, id, path string) ([]byte, error)
	List(ctx context.Context, filterPath string) ([]Snapshot, error)
	Restore(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	EnforceRetention(ctx context.Context, policy RetentionPolicy) ([]string, error)
}

// AuditStore is the append-only persistence behind the audit log.
// Implementations: in-memory, SQLCipher.
type AuditStore interface {
	// Append persists an entry. Seq and hashes are assigned by the caller.
	Append(ctx context.Context, entry AuditEntry) error

	// Last returns the most recent entry, or nil if the log is empty.
	Last(ctx context.Context) (*AuditEntry, error)

	// Query returns matching entries in arrival order.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)

	// Close releases resources.
	Close() error
}

// AuditRecorder is the write side of the audit log. Recording never fails
// the caller; write errors are handled by the implementation.
type AuditRecorder interface {
	Record(ctx context.Context, path string, level ProtectionLevel, action ProtectionAction,
		metadata map[string]string, snapshotID string)
}

// ManifestStore persists finalized session manifests. Put is write-once.
type ManifestStore interface {
	Put(ctx context.Context, manifest SessionManifest) error
	Get(ctx context.Context, id string) (*SessionManifest, error)
	List(ctx context.Context) ([]SessionManifest, error)
}

// RiskAssessor is the external analysis collaborator consulted for
// Block-level files. Only its pass/fail verdict is used.
type RiskAssessor interface {
	Assess(ctx context.Context, path string, content []byte) (RiskVerdict, error)
}

// SpaceChecker refuses writes when the store volume is too full.
type SpaceChecker interface {
	// EnsureFree returns ErrInsufficientSpace if fewer than need bytes
	// (plus the configured reserve) are available.
	EnsureFree(need int64) error
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
