package db

import (
	"context"
	"database/sql"
	"io/fs"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"vanish/svc/db/migrations"
)

// SQLite is the default single-node backend. Writes go through BEGIN
// IMMEDIATE so concurrent consumes of one id serialize on the database lock.
type SQLite struct {
	*SQLStore
	path string
}

func NewSQLite(ctx context.Context, path string, o Options) (*SQLite, error) {
	memory := path == ":memory:"
	dsn := "file:" + path + "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	if !memory {
		dsn += "&_journal_mode=WAL&_synchronous=FULL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if memory {
		// every connection to :memory: is a separate database
		o.MaxOpenConns = 1
		o.MaxIdleConns = 1
	}
	db.SetMaxOpenConns(o.MaxOpenConns)
	db.SetMaxIdleConns(o.MaxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if memory {
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	sub, err := fs.Sub(migrations.FS, "sqlite")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlite migrations")
	}
	s := &SQLite{
		SQLStore: newSQLStore(db, dialect{goose: goose.DialectSQLite3, migrations: sub}, o),
		path:     path,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// Ping writes and removes a probe row so a read-only or full disk shows up
// as unhealthy, not just a dead connection.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin ping")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS ping_probe (v INTEGER)`); err != nil {
		return errors.Wrap(err, "ping probe table")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO ping_probe (v) VALUES (1)`); err != nil {
		return errors.Wrap(err, "ping write")
	}
	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM secrets LIMIT 0`).Scan(&one); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "ping read")
	}
	return nil
}
func (s *SQLite) InMemory() bool {
	return s.path == ":memory:" || strings.Contains(s.path, "mode=memory")
}
