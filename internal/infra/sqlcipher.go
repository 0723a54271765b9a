package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

// openEncryptedDB opens (or creates) a SQLCipher database in dataDir.
// The key is passed as a raw hex key; a nil key opens plain SQLite.
func openEncryptedDB(dataDir, name string, key []byte) (*sql.DB, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, name)
	dsn := dbPath + "?_busy_timeout=5000"
	if key != nil {
		dsn += fmt.Sprintf("&_pragma_key=x'%s'&_pragma_cipher_page_size=4096", hex.EncodeToString(key))
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under our own load.
	db.SetMaxOpenConns(1)

	// A wrong key only shows up on the first real read.
	if _, err := db.Exec(`SELECT count(*) FROM sqlite_master`); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to connect to encrypted database: %w", err)
	}
	return db, dbPath, nil
}
