// Package audit implements the append-only, hash-chained protection log.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
	"github.com/eliteGoblin/focusd/snapguard/internal/metrics"
)

// ChainError reports the first entry whose hash chain does not verify.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

// Log is the write and read side of the audit trail. Record is best
// effort: a failed append is logged and counted, never returned.
type Log struct {
	store   domain.AuditStore
	clock   domain.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	loaded   bool
	lastSeq  int64
	lastHash string
}

// NewLog creates an audit log over store.
func NewLog(store domain.AuditStore, clk domain.Clock, logger *zap.Logger, m *metrics.Metrics) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: store, clock: clk, logger: logger, metrics: m}
}

// Record appends one entry chained to the previous one.
func (l *Log) Record(ctx context.Context, path string, level domain.ProtectionLevel, action domain.ProtectionAction,
	metadata map[string]string, snapshotID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadHeadLocked(ctx); err != nil {
		l.fail(path, action, err)
		return
	}

	entry := domain.AuditEntry{
		Seq:        l.lastSeq + 1,
		Path:       path,
		Level:      level,
		Action:     action,
		Metadata:   copyMetadata(metadata),
		SnapshotID: snapshotID,
		Timestamp:  l.clock.Now().UTC(),
		PrevHash:   l.lastHash,
	}
	entry.Hash = EntryHash(entry)

	if err := l.store.Append(ctx, entry); err != nil {
		l.fail(path, action, err)
		return
	}
	l.lastSeq = entry.Seq
	l.lastHash = entry.Hash

	l.logger.Debug("audit recorded",
		zap.Int64("seq", entry.Seq),
		zap.String("path", path),
		zap.String("action", string(action)),
		zap.Stringer("level", level))
}

func (l *Log) loadHeadLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	last, err := l.store.Last(ctx)
	if err != nil {
		return fmt.Errorf("failed to read audit head: %w", err)
	}
	if last != nil {
		l.lastSeq = last.Seq
		l.lastHash = last.Hash
	}
	l.loaded = true
	return nil
}

func (l *Log) fail(path string, action domain.ProtectionAction, err error) {
	werr := &domain.AuditWriteError{Path: path, Action: action, Err: err}
	l.logger.Error("audit write failed", zap.Error(werr))
	l.metrics.AuditWriteError()
}

// Query returns matching entries in arrival order.
func (l *Log) Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	return l.store.Query(ctx, filter)
}

// Export writes matching entries to w as JSON Lines.
func (l *Log) Export(ctx context.Context, w io.Writer, filter domain.AuditFilter) (int, error) {
	entries, err := l.store.Query(ctx, filter)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for i, e := range entries {
		if err := enc.Encode(e); err != nil {
			return i, fmt.Errorf("failed to export entry %d: %w", e.Seq, err)
		}
	}
	return len(entries), nil
}

// Verify walks the whole log and checks sequence continuity, links and
// hashes. Returns the number of entries checked.
func (l *Log) Verify(ctx context.Context) (int, error) {
	entries, err := l.store.Query(ctx, domain.AuditFilter{})
	if err != nil {
		return 0, err
	}
	return VerifyChain(entries)
}

// VerifyChain checks a full, ordered run of entries starting at seq 1.
func VerifyChain(entries []domain.AuditEntry) (int, error) {
	var prev string
	for i, e := range entries {
		want := int64(i + 1)
		switch {
		case e.Seq != want:
			return i, &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("expected seq %d", want)}
		case e.PrevHash != prev:
			return i, &ChainError{Seq: e.Seq, Reason: "previous hash mismatch"}
		case EntryHash(e) != e.Hash:
			return i, &ChainError{Seq: e.Seq, Reason: "entry hash mismatch"}
		}
		prev = e.Hash
	}
	return len(entries), nil
}

// LatestSnapshots returns the time of the newest snapshot_created entry
// per path. Satisfies cooldown.SnapshotHistory.
func (l *Log) LatestSnapshots(ctx context.Context) (map[string]time.Time, error) {
	entries, err := l.store.Query(ctx, domain.AuditFilter{
		Actions: []domain.ProtectionAction{domain.ActionSnapshotCreated},
	})
	if err != nil {
		return nil, err
	}
	latest := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		if e.Timestamp.After(latest[e.Path]) {
			latest[e.Path] = e.Timestamp
		}
	}
	return latest, nil
}

// EntryHash is the BLAKE3-256 digest of the entry's canonical fields,
// excluding Hash itself. Metadata keys are sorted.
func EntryHash(e domain.AuditEntry) string {
	h := blake3.New()
	field := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	field(strconv.FormatInt(e.Seq, 10))
	field(e.Path)
	field(strconv.Itoa(int(e.Level)))
	field(string(e.Action))

	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	field(strconv.Itoa(len(keys)))
	for _, k := range keys {
		field(k)
		field(e.Metadata[k])
	}

	field(e.SnapshotID)
	field(strconv.FormatInt(e.Timestamp.UnixNano(), 10))
	field(e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Ensure Log implements domain.AuditRecorder.
var _ domain.AuditRecorder = (*Log)(nil)
