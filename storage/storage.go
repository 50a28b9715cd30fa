package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/feedwright/feedwright/storage/migrations"
)

// chunkSize bounds the number of uris bound into any membership-filtered
// statement. The count update maps nine parameters per uri, so 100 keeps
// the worst statement at 900 binds, under SQLite's 999 ceiling.
const chunkSize = 100

type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to the SQLite database at path, creating parent directories
// as needed. Every statement issued through the store runs under
// statementTimeout.
func Open(path string, statementTimeout time.Duration) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// _timeout: milliseconds to wait for locks before returning SQLITE_BUSY
	// _journal_mode=WAL: allows concurrent reads during writes
	// _synchronous=NORMAL: balance between safety and performance
	db, err := sqlx.Open("sqlite3", path+"?_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if statementTimeout <= 0 {
		statementTimeout = 5 * time.Second
	}

	log.Printf("Storage: connected to %s (timeout=%v, WAL mode)", path, statementTimeout)
	return &Store{db: db, timeout: statementTimeout}, nil
}

// Migrate brings the schema to the latest embedded migration version.
func (s *Store) Migrate() error {
	if err := migrations.Up(s.db.DB); err != nil {
		return err
	}
	version, dirty, err := migrations.Version(s.db.DB)
	if err != nil {
		return err
	}
	log.Printf("Storage: schema at version %d (dirty=%v)", version, dirty)
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// chunk splits uris into fixed-size runs so membership lists never overflow
// the bind-parameter ceiling.
func chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = chunkSize
	}
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
