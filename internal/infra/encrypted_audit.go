package infra

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

const auditDBName = "audit.db"

// EncryptedAuditStore implements domain.AuditStore using a SQLCipher
// encrypted SQLite database. Rows are never updated or deleted.
type EncryptedAuditStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedAuditStore opens (or creates) the audit database in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedAuditStore(dataDir string, key []byte) (*EncryptedAuditStore, error) {
	db, dbPath, err := openEncryptedDB(dataDir, auditDBName, key)
	if err != nil {
		return nil, err
	}
	s := &EncryptedAuditStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *EncryptedAuditStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY,
		path TEXT NOT NULL,
		level INTEGER NOT NULL,
		action TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '',
		snapshot_id TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_path ON audit_log (path);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log (ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts an entry. A duplicate sequence number is an error.
func (s *EncryptedAuditStore) Append(ctx context.Context, e domain.AuditEntry) error {
	meta := ""
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		meta = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (seq, path, level, action, metadata, snapshot_id, ts, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Path, int(e.Level), string(e.Action), meta, e.SnapshotID,
		e.Timestamp.UnixNano(), e.PrevHash, e.Hash,
	)
	return err
}

const auditColumns = `seq, path, level, action, metadata, snapshot_id, ts, prev_hash, hash`

// Last returns the entry with the highest sequence number.
func (s *EncryptedAuditStore) Last(ctx context.Context) (*domain.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY seq DESC LIMIT 1`)
	e, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Query returns matching entries in arrival order. With a limit, the most
// recent entries are kept.
func (s *EncryptedAuditStore) Query(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var where []string
	var args []interface{}

	if f.PathPrefix != "" {
		// substr counts characters, not bytes.
		where = append(where, "substr(path, 1, ?) = ?")
		args = append(args, utf8.RuneCountInString(f.PathPrefix), f.PathPrefix)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UnixNano())
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`
		args = append(args, f.Limit)
	} else {
		query += " ORDER BY seq ASC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditEntry(r rowScanner) (domain.AuditEntry, error) {
	var (
		e      domain.AuditEntry
		level  int
		action string
		meta   string
		ts     int64
	)
	if err := r.Scan(&e.Seq, &e.Path, &level, &action, &meta, &e.SnapshotID, &ts, &e.PrevHash, &e.Hash); err != nil {
		return e, err
	}
	e.Level = domain.ProtectionLevel(level)
	e.Action = domain.ProtectionAction(action)
	e.Timestamp = time.Unix(0, ts).UTC()
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return e, fmt.Errorf("failed to decode metadata of entry %d: %w", e.Seq, err)
		}
	}
	return e, nil
}

// Path returns the database file path.
func (s *EncryptedAuditStore) Path() string { return s.dbPath }

// Close releases the database connection.
func (s *EncryptedAuditStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure EncryptedAuditStore implements domain.AuditStore.
var _ domain.AuditStore = (*EncryptedAuditStore)(nil)
