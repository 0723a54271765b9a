// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProtectionLevel classifies how strictly writes to a file are guarded.
// Values are ordered: a higher value is stricter.
type ProtectionLevel int

const (
	Unprotected ProtectionLevel = iota
	Watch
	Warn
	Block
)

func (l ProtectionLevel) String() string {
	switch l {
	case Unprotected:
		return "unprotected"
	case Watch:
		return "watch"
	case Warn:
		return "warn"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseProtectionLevel parses the lowercase name of a level.
// "none" is accepted as an alias for unprotected.
func ParseProtectionLevel(s string) (ProtectionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unprotected", "none":
		return Unprotected, nil
	case "watch":
		return Watch, nil
	case "warn":
		return Warn, nil
	case "block":
		return Block, nil
	default:
		return Unprotected, fmt.Errorf("unknown protection level: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l ProtectionLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *ProtectionLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseProtectionLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// OverrideRationale is the mandatory justification for a policy override.
type OverrideRationale string

const (
	RationaleTesting      OverrideRationale = "testing"
	RationaleTemporaryFix OverrideRationale = "temporary_fix"
	RationaleLegacyCompat OverrideRationale = "legacy_compat"
	RationalePerformance  OverrideRationale = "performance"
)

// Valid reports whether r is one of the known rationales.
func (r OverrideRationale) Valid() bool {
	switch r {
	case RationaleTesting, RationaleTemporaryFix, RationaleLegacyCompat, RationalePerformance:
		return true
	default:
		return false
	}
}

// PolicyRule maps a glob pattern to a protection level.
// Rules are immutable once loaded.
type PolicyRule struct {
	Pattern    string
	Level      ProtectionLevel
	Reason     string
	Precedence int
}

// PolicyOverride is a time-boxed exception to the standing rules.
type PolicyOverride struct {
	Pattern    string
	Level      ProtectionLevel
	Rationale  OverrideRationale
	TTLUnixMs  int64 // 0 means no expiry
	Precedence int
	Metadata   map[string]string
}

// ActiveAt reports whether the override is still in force at t.
func (o PolicyOverride) ActiveAt(t time.Time) bool {
	return o.TTLUnixMs == 0 || t.UnixMilli() < o.TTLUnixMs
}

// RuleSet is the full policy consumed by the classifier.
type RuleSet struct {
	Version      string
	Rules        []PolicyRule
	Overrides    []PolicyOverride
	Ignore       []string
	DefaultLevel ProtectionLevel
}

// Classification is the result of evaluating a path against a RuleSet.
type Classification struct {
	Path           string // normalized, root-relative
	Level          ProtectionLevel
	Reason         string
	MatchedPattern string
	FromOverride   bool
	Rationale      OverrideRationale // set when FromOverride
}

// ProtectedFileEntry tracks a file that has been assigned a non-Unprotected level.
type ProtectedFileEntry struct {
	Path            string          `json:"path"`
	ProtectionLevel ProtectionLevel `json:"protection_level"`
	LastProtectedAt time.Time       `json:"last_protected_at"`
	LastSnapshotID  string          `json:"last_snapshot_id,omitempty"`
}

// ProtectionAction is what the engine did in response to a save.
type ProtectionAction string

const (
	ActionSaveAllowed      ProtectionAction = "save_allowed"
	ActionSaveBlocked      ProtectionAction = "save_blocked"
	ActionSnapshotCreated  ProtectionAction = "snapshot_created"
	ActionSessionFinalized ProtectionAction = "session_finalized"
)

// CooldownState is the per-path debounce/cooldown bookkeeping.
// It is transient and can be rebuilt from the audit log.
type CooldownState struct {
	LastSnapshotAt time.Time
	CooldownUntil  time.Time
	Level          ProtectionLevel
	Action         ProtectionAction
	SnapshotID     string
}

// FileContent is one file handed to the snapshot store.
type FileContent struct {
	Path    string // workspace-relative, slash separated
	Content []byte
}

// SnapshotMeta is caller-supplied snapshot metadata.
type SnapshotMeta struct {
	Description    string   `json:"description,omitempty"`
	Protected      bool     `json:"protected"`
	Tags           []string `json:"tags,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Partial        bool     `json:"partial,omitempty"`
}

// SnapshotFile references the content blob of one captured file.
type SnapshotFile struct {
	Path        string `json:"path"`
	Hash        string `json:"hash"`
	Size        int64  `json:"size"`
	Compression string `json:"compression,omitempty"`
}

// Snapshot is an immutable, timestamped capture of one or more files.
type Snapshot struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
	Files     []SnapshotFile `json:"files"`
	Meta      SnapshotMeta   `json:"meta"`
}

// HasFile reports whether the snapshot captured path.
func (s *Snapshot) HasFile(path string) bool {
	for _, f := range s.Files {
		if f.Path == path {
			return true
		}
	}
	return false
}

// RetentionPolicy bounds how many snapshots are kept and for how long.
// Zero values disable the corresponding bound.
type RetentionPolicy struct {
	MaxSnapshots int
	MaxAge       time.Duration
	PreserveTags []string
}

// ChangeStats counts lines added and deleted for a file change.
type ChangeStats struct {
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
}

// SessionCandidate is the latest known snapshot of a file in the open session.
type SessionCandidate struct {
	URI         string
	SnapshotID  string
	ChangeStats ChangeStats
}

// SessionReason names the trigger that closed a session.
type SessionReason string

const (
	ReasonIdleTimeout    SessionReason = "idle_timeout"
	ReasonWindowBlur     SessionReason = "window_blur"
	ReasonGitCommit      SessionReason = "git_commit"
	ReasonTaskCompletion SessionReason = "task_completion"
	ReasonManual         SessionReason = "manual"
)

// Valid reports whether r is a known trigger.
func (r SessionReason) Valid() bool {
	switch r {
	case ReasonIdleTimeout, ReasonWindowBlur, ReasonGitCommit, ReasonTaskCompletion, ReasonManual:
		return true
	default:
		return false
	}
}

// SessionFileEntry is one file recorded in a finalized session.
type SessionFileEntry struct {
	URI         string      `json:"uri"`
	SnapshotID  string      `json:"snapshot_id"`
	ChangeStats ChangeStats `json:"change_stats"`
}

// SessionManifest is the sealed record of a finalized session.
// Persisted exactly once, never updated in place.
type SessionManifest struct {
	ID        string             `json:"id"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at"`
	Reason    SessionReason      `json:"reason"`
	Files     []SessionFileEntry `json:"files"`
	Summary   string             `json:"summary,omitempty"`
	Tags      []string           `json:"tags,omitempty"`
}

// AuditEntry is one append-only record of a policy decision or outcome.
type AuditEntry struct {
	Seq        int64             `json:"seq"`
	Path       string            `json:"path"`
	Level      ProtectionLevel   `json:"level"`
	Action     ProtectionAction  `json:"action"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"`
}

// AuditFilter selects audit entries. Zero fields match everything.
type AuditFilter struct {
	PathPrefix string
	Since      time.Time
	Until      time.Time
	Actions    []ProtectionAction
	Limit      int
}

// Verdict is what the caller should do with a save.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictConfirm Verdict = "confirm"
	VerdictBlock   Verdict = "block"
)

// Decision is the outcome of handling one observed write.
type Decision struct {
	Path           string
	Level          ProtectionLevel
	Reason         string
	MatchedPattern string
	Verdict        Verdict
	SnapshotID     string
	Debounced      bool
	InCooldown     bool
}

// RiskVerdict is the pass/fail answer of an external risk assessor.
type RiskVerdict struct {
	Pass   bool
	Reason string
}
