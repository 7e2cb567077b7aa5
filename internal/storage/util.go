package storage

import (
	"os"
	"time"
)

// DateKey formats a time as the day key used by the aggregate tables.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// EnsureDir creates the directory holding the database file or the
// artwork cache if it does not exist yet.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
