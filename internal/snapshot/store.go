// Package snapshot stores restorable, content-addressed captures of files.
//
// Layout on the backend:
//
//	blobs/<blake3>          framed (optionally zstd) file content, shared
//	snapshots/<id>.json     snapshot metadata
//
// A blob is always written before the metadata that references it, so a
// crash can leave orphan blobs (swept by GC) but never dangling metadata.
package snapshot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
	"github.com/eliteGoblin/focusd/snapguard/internal/metrics"
)

const (
	blobPrefix     = "blobs/"
	metaPrefix     = "snapshots/"
	metaSuffix     = ".json"
	defaultWorkers = 4
)

// ErrNoFiles is returned when Create is called without content.
var ErrNoFiles = errors.New("snapshot has no files")

// Options tunes a Store. The zero value is usable.
type Options struct {
	Compression Compression
	Workers     int
	Space       domain.SpaceChecker
	Metrics     *metrics.Metrics
}

// Store implements domain.SnapshotStore over a domain.Backend.
type Store struct {
	backend domain.Backend
	ws      domain.Workspace
	clock   domain.Clock
	logger  *zap.Logger
	opts    Options

	seq   atomic.Uint64
	locks *pathLocks

	// gc is held shared by creates and exclusively by anything that
	// deletes blobs, so a blob cannot be swept while a create reuses it.
	gc sync.RWMutex
}

// NewStore creates a snapshot store. ws is only needed for Restore.
func NewStore(backend domain.Backend, ws domain.Workspace, clk domain.Clock, logger *zap.Logger, opts Options) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	return &Store{
		backend: backend,
		ws:      ws,
		clock:   clk,
		logger:  logger,
		opts:    opts,
		locks:   newPathLocks(),
	}
}

// HashContent returns the hex BLAKE3-256 digest used as the blob address.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type blobResult struct {
	file    domain.SnapshotFile
	written int64
	err     error
}

// Create captures files as one snapshot. If some files fail, the snapshot
// is kept with Meta.Partial set and returned together with a
// *domain.IOError; if none land, only the error is returned.
func (s *Store) Create(ctx context.Context, files []domain.FileContent, meta domain.SnapshotMeta) (*domain.Snapshot, error) {
	files = dedupeFiles(files)
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	hashes := make([]string, len(files))
	paths := make([]string, len(files))
	var total int64
	for i, f := range files {
		hashes[i] = HashContent(f.Content)
		paths[i] = f.Path
		total += int64(len(f.Content))
	}

	var id string
	if meta.IdempotencyKey != "" {
		id = idempotentID(meta.IdempotencyKey, paths, hashes)
		existing, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.logger.Debug("snapshot already exists for idempotency key",
				zap.String("id", id), zap.String("key", meta.IdempotencyKey))
			return existing, nil
		}
	} else {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate snapshot id: %w", err)
		}
		id = u.String()
	}

	if s.opts.Space != nil {
		if err := s.opts.Space.EnsureFree(total); err != nil {
			return nil, err
		}
	}

	release := s.locks.lock(paths)
	defer release()
	s.gc.RLock()
	defer s.gc.RUnlock()

	results := make([]blobResult, len(files))
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i := range files {
		i := i
		g.Go(func() error {
			results[i] = s.writeBlob(ctx, files[i], hashes[i])
			return nil
		})
	}
	_ = g.Wait()

	snap := &domain.Snapshot{
		ID:        id,
		Timestamp: s.clock.Now().UTC(),
		Seq:       s.seq.Add(1),
		Meta:      copyMeta(meta),
	}
	var (
		failures    []error
		failedPaths []string
		written     int64
	)
	for i, r := range results {
		if r.err != nil {
			failures = append(failures, r.err)
			failedPaths = append(failedPaths, files[i].Path)
			s.logger.Warn("failed to capture file",
				zap.String("snapshot", id),
				zap.String("path", files[i].Path),
				zap.Error(r.err))
			continue
		}
		snap.Files = append(snap.Files, r.file)
		written += r.written
	}

	if len(snap.Files) == 0 {
		s.opts.Metrics.SnapshotFailed(len(failures))
		return nil, &domain.IOError{Op: "snapshot", Path: failedPaths[0], Err: errors.Join(failures...)}
	}
	snap.Meta.Partial = len(failures) > 0

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := s.backend.Write(ctx, metaKey(id), data); err != nil {
		s.opts.Metrics.SnapshotFailed(len(files))
		return nil, &domain.IOError{Op: "write snapshot metadata", Path: id, Err: err}
	}
	s.opts.Metrics.SnapshotCreated(written, len(failures))

	s.logger.Info("snapshot created",
		zap.String("id", id),
		zap.Int("files", len(snap.Files)),
		zap.Bool("partial", snap.Meta.Partial),
		zap.Bool("protected", snap.Meta.Protected))

	if snap.Meta.Partial {
		return snap, &domain.IOError{
			Op:   "snapshot (partial)",
			Path: strings.Join(failedPaths, ","),
			Err:  errors.Join(failures...),
		}
	}
	return snap, nil
}

func (s *Store) writeBlob(ctx context.Context, f domain.FileContent, hash string) blobResult {
	framed, tag := Frame(f.Content, s.opts.Compression)
	if err := s.backend.Write(ctx, blobKey(hash), framed); err != nil {
		return blobResult{err: err}
	}
	file := domain.SnapshotFile{Path: f.Path, Hash: hash, Size: int64(len(f.Content))}
	if tag != CompressionNone {
		file.Compression = tag.String()
	}
	return blobResult{file: file, written: int64(len(framed))}
}

// Get returns the snapshot with id, or nil, nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*domain.Snapshot, error) {
	if !validID(id) {
		return nil, nil
	}
	data, err := s.backend.Read(ctx, metaKey(id))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.IOError{Op: "read snapshot", Path: id, Err: err}
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &domain.IOError{Op: "decode snapshot", Path: id, Err: err}
	}
	return &snap, nil
}

// Read returns the captured content of path in snapshot id.
func (s *Store) Read(ctx context.Context, id, path string) ([]byte, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, domain.ErrNotFound)
	}
	for _, f := range snap.Files {
		if f.Path == path {
			return s.readBlob(ctx, f)
		}
	}
	return nil, fmt.Errorf("%s in snapshot %s: %w", path, id, domain.ErrNotFound)
}

func (s *Store) readBlob(ctx context.Context, f domain.SnapshotFile) ([]byte, error) {
	framed, err := s.backend.Read(ctx, blobKey(f.Hash))
	if err != nil {
		return nil, &domain.IOError{Op: "read blob", Path: f.Path, Err: err}
	}
	data, err := Unframe(framed)
	if err != nil {
		return nil, &domain.IOError{Op: "decode blob", Path: f.Path, Err: err}
	}
	if HashContent(data) != f.Hash {
		return nil, &domain.IOError{Op: "verify blob", Path: f.Path, Err: errCorruptBlob}
	}
	return data, nil
}

var errCorruptBlob = errors.New("content hash mismatch")

// List returns snapshots newest first by (timestamp, seq). A non-empty
// filterPath keeps only snapshots that captured that path.
func (s *Store) List(ctx context.Context, filterPath string) ([]domain.Snapshot, error) {
	keys, err := s.backend.List(ctx, metaPrefix)
	if err != nil {
		return nil, &domain.IOError{Op: "list snapshots", Err: err}
	}

	snaps := make([]domain.Snapshot, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, metaPrefix), metaSuffix)
		snap, err := s.Get(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", zap.String("id", id), zap.Error(err))
			continue
		}
		if snap == nil {
			continue
		}
		if filterPath != "" && !snap.HasFile(filterPath) {
			continue
		}
		snaps = append(snaps, *snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].Timestamp.Equal(snaps[j].Timestamp) {
			return snaps[i].Timestamp.After(snaps[j].Timestamp)
		}
		return snaps[i].Seq > snaps[j].Seq
	})
	return snaps, nil
}

// Restore writes every file of snapshot id back into the workspace.
// Missing parents and deleted files are recreated. Files that fail are
// reported together; the others are still restored.
func (s *Store) Restore(ctx context.Context, id string) error {
	if s.ws == nil {
		return errors.New("snapshot store has no workspace")
	}
	snap, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("snapshot %s: %w", id, domain.ErrNotFound)
	}

	paths := make([]string, len(snap.Files))
	for i, f := range snap.Files {
		paths[i] = f.Path
	}
	release := s.locks.lock(paths)
	defer release()

	var errs []error
	for _, f := range snap.Files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		data, err := s.readBlob(ctx, f)
		if err == nil {
			if werr := s.ws.WriteFile(f.Path, data); werr != nil {
				err = &domain.IOError{Op: "restore", Path: f.Path, Err: werr}
			}
		}
		if err != nil {
			s.logger.Warn("failed to restore file",
				zap.String("snapshot", id),
				zap.String("path", f.Path),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("snapshot restored", zap.String("id", id), zap.Int("files", len(snap.Files)))
	return nil
}

// Delete removes snapshot id and every blob no other snapshot references.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.gc.Lock()
	defer s.gc.Unlock()

	snap, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("snapshot %s: %w", id, domain.ErrNotFound)
	}
	if err := s.backend.Delete(ctx, metaKey(id)); err != nil {
		return &domain.IOError{Op: "delete snapshot", Path: id, Err: err}
	}

	candidates := make(map[string]bool, len(snap.Files))
	for _, f := range snap.Files {
		candidates[f.Hash] = true
	}
	_, err = s.sweepLocked(ctx, candidates)
	s.logger.Info("snapshot deleted", zap.String("id", id))
	return err
}

// EnforceRetention evicts snapshots older than MaxAge or beyond the newest
// MaxSnapshots, oldest first. Protected and preserve-tagged snapshots are
// exempt and do not count toward MaxSnapshots. Returns the evicted ids.
func (s *Store) EnforceRetention(ctx context.Context, policy domain.RetentionPolicy) ([]string, error) {
	s.gc.Lock()
	defer s.gc.Unlock()

	snaps, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var evict []domain.Snapshot
	kept := 0
	for _, snap := range snaps {
		if exempt(snap, policy.PreserveTags) {
			continue
		}
		tooOld := policy.MaxAge > 0 && now.Sub(snap.Timestamp) > policy.MaxAge
		tooMany := policy.MaxSnapshots > 0 && kept >= policy.MaxSnapshots
		if tooOld || tooMany {
			evict = append(evict, snap)
			continue
		}
		kept++
	}

	var ids []string
	for i := len(evict) - 1; i >= 0; i-- {
		id := evict[i].ID
		if err := s.backend.Delete(ctx, metaKey(id)); err != nil {
			s.opts.Metrics.SnapshotsEvicted(len(ids))
			return ids, &domain.IOError{Op: "evict snapshot", Path: id, Err: err}
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	s.opts.Metrics.SnapshotsEvicted(len(ids))
	removed, err := s.sweepLocked(ctx, nil)
	s.logger.Info("retention enforced",
		zap.Int("evicted", len(ids)),
		zap.Int("blobs_removed", removed),
		zap.Int("kept", kept))
	return ids, err
}

// GC removes blobs that no snapshot references (e.g., after a crash
// between blob and metadata writes).
func (s *Store) GC(ctx context.Context) (int, error) {
	s.gc.Lock()
	defer s.gc.Unlock()
	return s.sweepLocked(ctx, nil)
}

// sweepLocked deletes unreferenced blobs among candidates (nil: all blobs).
func (s *Store) sweepLocked(ctx context.Context, candidates map[string]bool) (int, error) {
	snaps, err := s.List(ctx, "")
	if err != nil {
		return 0, err
	}
	referenced := make(map[string]bool)
	for _, snap := range snaps {
		for _, f := range snap.Files {
			referenced[f.Hash] = true
		}
	}

	if candidates == nil {
		keys, err := s.backend.List(ctx, blobPrefix)
		if err != nil {
			return 0, &domain.IOError{Op: "list blobs", Err: err}
		}
		candidates = make(map[string]bool, len(keys))
		for _, k := range keys {
			candidates[strings.TrimPrefix(k, blobPrefix)] = true
		}
	}

	removed := 0
	for hash := range candidates {
		if referenced[hash] {
			continue
		}
		if err := s.backend.Delete(ctx, blobKey(hash)); err != nil {
			return removed, &domain.IOError{Op: "delete blob", Path: hash, Err: err}
		}
		removed++
	}
	return removed, nil
}

func exempt(snap domain.Snapshot, preserve []string) bool {
	if snap.Meta.Protected {
		return true
	}
	for _, tag := range snap.Meta.Tags {
		for _, p := range preserve {
			if tag == p {
				return true
			}
		}
	}
	return false
}

// idempotentID derives a stable id from the key and the captured content.
func idempotentID(key string, paths, hashes []string) string {
	pairs := make([]string, len(paths))
	for i := range paths {
		pairs[i] = paths[i] + "\x00" + hashes[i]
	}
	sort.Strings(pairs)

	h := blake3.New()
	_, _ = h.Write([]byte(key))
	for _, p := range pairs {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// dedupeFiles keeps the last content given for each path, in first-seen order.
func dedupeFiles(files []domain.FileContent) []domain.FileContent {
	index := make(map[string]int, len(files))
	out := make([]domain.FileContent, 0, len(files))
	for _, f := range files {
		if i, ok := index[f.Path]; ok {
			out[i] = f
			continue
		}
		index[f.Path] = len(out)
		out = append(out, f)
	}
	return out
}

func copyMeta(m domain.SnapshotMeta) domain.SnapshotMeta {
	m.Tags = append([]string(nil), m.Tags...)
	return m
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

func blobKey(hash string) string { return blobPrefix + hash }
func metaKey(id string) string   { return metaPrefix + id + metaSuffix }

// Ensure Store implements domain.SnapshotStore.
var _ domain.SnapshotStore = (*Store)(nil)
