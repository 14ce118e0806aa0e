package memory

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// timeLayout keeps every fractional digit so stored timestamps compare
// correctly as strings in ORDER BY and range queries. RFC3339Nano trims
// trailing zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// openDB opens a sqlite database with the settings every GUPPI store
// uses: WAL for concurrent readers, a busy timeout instead of immediate
// SQLITE_BUSY, and a single connection so the pure-Go driver never
// interleaves writers.
func openDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}
