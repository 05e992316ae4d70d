package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// schemaSQL creates the latest tables. Migrations only add what files
// written by older versions lack.
//
//go:embed schema.sql
var schemaSQL string

var _ Backend = (*Store)(nil)

// Store is the SQLite Backend. Documents and the commit log share one
// file in WAL mode, so snapshot reads proceed while a batch applies.
type Store struct {
	db *sql.DB
}

// pragma is a connection setting passed as a go-sqlite3 DSN parameter,
// with the value `PRAGMA name` reports once it holds.
type pragma struct {
	param string
	value string
	name  string
	reads string
}

// pragmas ride on the DSN so every pooled connection gets them.
var pragmas = []pragma{
	{param: "_journal_mode", value: "WAL", name: "journal_mode", reads: "wal"},
	{param: "_synchronous", value: "NORMAL", name: "synchronous", reads: "1"},
	{param: "_busy_timeout", value: "5000", name: "busy_timeout", reads: "5000"},
	{param: "_foreign_keys", value: "on", name: "foreign_keys", reads: "1"},
}

// dsn returns path with the pragma parameters attached.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Set(p.param, p.value)
	}
	return path + "?" + q.Encode()
}

// migration raises user_version to version.
type migration struct {
	version int
	name    string
	stmt    string
}

// migrations run in order, each in its own transaction, on files whose
// user_version is below theirs.
var migrations = []migration{
	{
		version: 1,
		name:    "index commit log by document",
		stmt:    `CREATE INDEX IF NOT EXISTS idx_commits_uri ON commits(space, uri, marker)`,
	},
}

// schemaVersion is the user_version of a fully migrated file.
func schemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Open creates or opens the document database at path and brings its
// tables up to date. Opening an existing file again is safe.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer: batches apply in the order the session hands them over.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read user_version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (m migration) apply(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.stmt); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return err
	}
	return tx.Commit()
}

// pragmaValue reads `PRAGMA name`.
func (s *Store) pragmaValue(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("failed to query %s: %w", name, err)
	}
	return value, nil
}
