// Package sessionstore implements the §6 persistent session store contract
// (put/get/delete keyed by sessionId) plus the sqlite-backed credential
// tables that back the OAuth token store and DCR client registry, grounded
// on the teacher's pkg/db (sqlx + golang-migrate + modernc.org/sqlite,
// functional-options New(opts ...Option) constructor).
package sessionstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/nullrunner/mcpmux/pkg/log"

	// registers the "sqlite" sql.DB driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type options struct {
	dbFile string
}

// Option configures New.
type Option func(*options)

// WithDatabaseFile overrides the default sqlite file location.
func WithDatabaseFile(path string) Option {
	return func(o *options) { o.dbFile = path }
}

// Store is the sqlite-backed home for everything this gateway needs to
// remember across restarts: inbound session records (§6) and the OAuth
// token / DCR client tables that replace the teacher's system-keychain
// credential helper.
type Store struct {
	db *sqlx.DB
}

// New opens (creating and migrating if necessary) the sqlite database.
func New(opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.dbFile == "" {
		path, err := DefaultDatabaseFile()
		if err != nil {
			return nil, fmt.Errorf("resolving default database file: %w", err)
		}
		o.dbFile = path
	}
	ensureDirectoryExists(o.dbFile)

	db, err := sql.Open("sqlite", "file:"+o.dbFile+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	migDriver, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return nil, err
	}
	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", driver)
	if err != nil {
		return nil, err
	}
	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: sqlx.NewDb(db, "sqlite")}, nil
}

// DefaultDatabaseFile resolves ~/.mcpmux/mcpmux.db.
func DefaultDatabaseFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mcpmux", "mcpmux.db"), nil
}

func ensureDirectoryExists(path string) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		_ = os.MkdirAll(dir, 0o755)
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func txClose(tx *sqlx.Tx, err *error) {
	if err == nil || *err == nil {
		return
	}
	if rbErr := tx.Rollback(); rbErr != nil {
		log.Logf("! failed to rollback transaction: %v", rbErr)
	}
}
