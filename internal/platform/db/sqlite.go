package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

// sqlitePragmas put the database in WAL mode with synchronous=FULL, so a
// committed transaction has been fsynced before Commit returns. Writers take
// the lock up front to avoid deferred-to-write upgrade deadlocks.
var sqlitePragmas = url.Values{
	"_pragma": []string{
		"journal_mode(WAL)",
		"synchronous(FULL)",
		"busy_timeout(5000)",
		"foreign_keys(1)",
	},
	"_txlock": []string{"immediate"},
}

// SQLiteDSN returns the modernc.org/sqlite DSN for the file at path.
func SQLiteDSN(path string) string {
	return "file:" + path + "?" + sqlitePragmas.Encode()
}

// OpenSQLite opens and pings the SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}
