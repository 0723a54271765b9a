package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

const storeDBName = "store.db"

// SQLiteBackend implements domain.Backend as a key/value table in a
// SQLCipher database. Every Write is its own transaction.
type SQLiteBackend struct {
	db     *sql.DB
	dbPath string
	now    func() int64
}

// NewSQLiteBackend opens (or creates) the store database in dataDir.
// clk stamps updated_at; nil uses the wall clock.
func NewSQLiteBackend(dataDir string, key []byte, clk domain.Clock) (*SQLiteBackend, error) {
	db, dbPath, err := openEncryptedDB(dataDir, storeDBName, key)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if clk != nil {
		now = clk.Now
	}
	b := &SQLiteBackend{db: db, dbPath: dbPath, now: func() int64 { return now().UnixMilli() }}
	if err := b.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) createTables() error {
	_, err := b.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`)
	return err
}

func (b *SQLiteBackend) Read(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (b *SQLiteBackend) Write(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, b.now())
	return err
}

func (b *SQLiteBackend) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.dbPath }

func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Ensure SQLiteBackend implements domain.Backend.
var _ domain.Backend = (*SQLiteBackend)(nil)
