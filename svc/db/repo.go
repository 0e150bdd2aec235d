// Package db holds the secret record backends: SQLite (default), Postgres
// and Redis. All three implement Repo with the same consume semantics.
package db

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"vanish/pkg/domain"
)

var (
	ErrCircuitOpen  = errors.New("database circuit breaker open")
	ErrDuplicateID  = errors.New("secret id already exists")
	ErrTxContention = errors.New("too much contention on secret")
)

// Repo persists secret records. Every read filters on expiresAt > now, so
// an expired record is never returned even before the reaper removes it.
type Repo interface {
	Insert(ctx context.Context, s *domain.Secret) error
	// Exists reports whether any record, expired or not, holds id.
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string, now time.Time) (*domain.Secret, error)
	// Consume atomically applies one view: decrement when more than one
	// remains, delete on the last view, or leave a preventBurn record at
	// its floor. A missing or expired record yields domain.ErrNotFound.
	Consume(ctx context.Context, id string, now time.Time) (domain.Outcome, error)
	// Delete removes the record regardless of state and returns its file
	// references. The bool is false when there was nothing to delete.
	Delete(ctx context.Context, id string) ([]domain.FileRef, bool, error)
	// DeleteExpired removes up to limit records with expiresAt <= now.
	DeleteExpired(ctx context.Context, now time.Time, limit int) ([]domain.FileRef, int, error)
	ListPublic(ctx context.Context, username string, now time.Time, limit int) ([]*domain.Secret, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options tune the SQL backends.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
	// ResponseFloor pads lookups that could reveal whether an id exists.
	ResponseFloor time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxOpenConns:  25,
		MaxIdleConns:  5,
		QueryTimeout:  5 * time.Second,
		ResponseFloor: 50 * time.Millisecond,
	}
}
