package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"io/fs"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"vanish/pkg/domain"
)

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	responseTimeJitter = 20 * time.Millisecond
)

const secretColumns = `id, ciphertext, title, wrapped_key, pass_hash, allowed_ip, max_views, prevent_burn, is_public, username, files, created_at, expires_at`

type dialect struct {
	goose      goose.Dialect
	migrations fs.FS
	// numbered placeholders ($1) instead of ?
	numbered bool
	// row lock for the consume read
	lockClause string
}

// SQLStore is the Repo shared by the SQLite and Postgres backends. Queries
// are written with ? placeholders and rebound per dialect.
type SQLStore struct {
	db            *sql.DB
	d             dialect
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	responseFloor time.Duration
}

func newSQLStore(db *sql.DB, d dialect, o Options) *SQLStore {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 5 * time.Second
	}
	return &SQLStore{db: db, d: d, queryTimeout: o.QueryTimeout, responseFloor: o.ResponseFloor}
}
func (s *SQLStore) DB() *sql.DB {
	return s.db
}
func (s *SQLStore) migrate(ctx context.Context) error {
	p, err := goose.NewProvider(s.d.goose, s.db, s.d.migrations)
	if err != nil {
		return errors.Wrap(err, "goose provider")
	}
	_, err = p.Up(ctx)
	return errors.Wrap(err, "goose up")
}
func (s *SQLStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
func (s *SQLStore) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds &&
			atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLStore) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrNotFound) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

// normalizeResponseTime pads the call to floor plus random jitter.
func normalizeResponseTime(start time.Time, floor time.Duration) {
	if floor <= 0 {
		return
	}
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := floor + time.Duration(jitterNanos)
	if elapsed := time.Since(start); elapsed < target {
		time.Sleep(target - elapsed)
	}
}
func (s *SQLStore) Insert(ctx context.Context, sec *domain.Secret) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	files, err := json.Marshal(nonNilFiles(sec.Files))
	if err != nil {
		return errors.Wrap(err, "marshal files")
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO secrets (`+secretColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sec.ID, sec.Ciphertext, nullBytes(sec.Title), nullBytes(sec.WrappedKey), sec.PassHash, sec.AllowedIP,
		sec.MaxViews, sec.PreventBurn, sec.IsPublic, sec.Username, string(files),
		sec.CreatedAt.UnixMilli(), sec.ExpiresAt.UnixMilli(),
	)
	s.recordError(err)
	return errors.Wrap(err, "db insert")
}
func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM secrets WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return true, nil
}
func (s *SQLStore) Get(ctx context.Context, id string, now time.Time) (*domain.Secret, error) {
	defer normalizeResponseTime(time.Now(), s.responseFloor)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+secretColumns+` FROM secrets WHERE id = ? AND expires_at > ?`), id, now.UnixMilli())
	sec, err := scanSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return sec, nil
}
func (s *SQLStore) Consume(ctx context.Context, id string, now time.Time) (domain.Outcome, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	outcome, err := s.consumeTx(ctx, id, now)
	s.recordError(err)
	return outcome, err
}
func (s *SQLStore) consumeTx(ctx context.Context, id string, now time.Time) (domain.Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin consume")
	}
	defer tx.Rollback()
	var maxViews int
	var preventBurn bool
	err = tx.QueryRowContext(ctx, s.q(`SELECT max_views, prevent_burn FROM secrets WHERE id = ? AND expires_at > ?`+s.d.lockClause),
		id, now.UnixMilli()).Scan(&maxViews, &preventBurn)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "consume read")
	}
	var outcome domain.Outcome
	switch {
	case maxViews > 1:
		_, err = tx.ExecContext(ctx, s.q(`UPDATE secrets SET max_views = max_views - 1 WHERE id = ?`), id)
		outcome = domain.OutcomeDecremented
	case !preventBurn:
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM secrets WHERE id = ?`), id)
		outcome = domain.OutcomeDeleted
	default:
		outcome = domain.OutcomeFloor
	}
	if err != nil {
		return 0, errors.Wrap(err, "consume write")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit consume")
	}
	return outcome, nil
}
func (s *SQLStore) Delete(ctx context.Context, id string) ([]domain.FileRef, bool, error) {
	defer normalizeResponseTime(time.Now(), s.responseFloor)
	if err := s.checkCircuit(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`DELETE FROM secrets WHERE id = ? RETURNING files`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	s.recordError(err)
	if err != nil {
		return nil, false, errors.Wrap(err, "delete secret")
	}
	refs, err := decodeFiles(raw)
	return refs, true, err
}
func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]domain.FileRef, int, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.q(`DELETE FROM secrets WHERE id IN (
			SELECT id FROM secrets WHERE expires_at <= ? LIMIT ?
		) RETURNING files`), now.UnixMilli(), limit)
	s.recordError(err)
	if err != nil {
		return nil, 0, errors.Wrap(err, "cleanup batch failed")
	}
	defer rows.Close()
	var refs []domain.FileRef
	n := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return refs, n, errors.Wrap(err, "scan cleanup row")
		}
		n++
		r, err := decodeFiles(raw)
		if err != nil {
			continue
		}
		refs = append(refs, r...)
	}
	return refs, n, errors.Wrap(rows.Err(), "cleanup rows")
}
func (s *SQLStore) ListPublic(ctx context.Context, username string, now time.Time, limit int) ([]*domain.Secret, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	query := `SELECT ` + secretColumns + ` FROM secrets WHERE is_public = ? AND expires_at > ?`
	args := []interface{}{true, now.UnixMilli()}
	if username != "" {
		query += ` AND username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list public")
	}
	defer rows.Close()
	var out []*domain.Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan public")
		}
		out = append(out, sec)
	}
	return out, errors.Wrap(rows.Err(), "list public rows")
}
func (s *SQLStore) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSecret(row scanner) (*domain.Secret, error) {
	var sec domain.Secret
	var files string
	var created, expires int64
	err := row.Scan(&sec.ID, &sec.Ciphertext, &sec.Title, &sec.WrappedKey, &sec.PassHash, &sec.AllowedIP,
		&sec.MaxViews, &sec.PreventBurn, &sec.IsPublic, &sec.Username, &files, &created, &expires)
	if err != nil {
		return nil, err
	}
	sec.CreatedAt = time.UnixMilli(created).UTC()
	sec.ExpiresAt = time.UnixMilli(expires).UTC()
	if sec.Files, err = decodeFiles(files); err != nil {
		return nil, err
	}
	return &sec, nil
}
func decodeFiles(raw string) ([]domain.FileRef, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var refs []domain.FileRef
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return nil, errors.Wrap(err, "decode files")
	}
	return refs, nil
}
func nonNilFiles(f []domain.FileRef) []domain.FileRef {
	if f == nil {
		return []domain.FileRef{}
	}
	return f
}
func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
