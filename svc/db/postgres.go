package db

import (
	"context"
	"database/sql"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"vanish/svc/db/migrations"
)

// Postgres serves multi-node deployments. Consume takes a row lock with
// SELECT ... FOR UPDATE so concurrent readers of one id queue up.
type Postgres struct {
	*SQLStore
}

func NewPostgres(ctx context.Context, dsn string, o Options) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(o.MaxOpenConns)
	db.SetMaxIdleConns(o.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	sub, err := fs.Sub(migrations.FS, "postgres")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "postgres migrations")
	}
	p := &Postgres{SQLStore: newSQLStore(db, dialect{
		goose:      goose.DialectPostgres,
		migrations: sub,
		numbered:   true,
		lockClause: " FOR UPDATE",
	}, o)}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return p, nil
}
