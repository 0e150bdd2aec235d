// Package svc implements the secret lifecycle on top of a record backend:
// create, the consume-on-read protocol, burn, public listing and the
// expiration sweep.
package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"vanish/cfg"
	"vanish/metrics"
	"vanish/pkg/domain"
	"vanish/pkg/ident"
	"vanish/svc/db"
	"vanish/svc/files"
	"vanish/svc/util"
)

const (
	PublicListLimit = 100
	sweepBatch      = 100
	maxSweepBatches = 10000
	blobParallelism = 4
)

var (
	ErrShuttingDown  = errors.New("service shutting down")
	ErrNoFileStorage = errors.New("no attachment storage configured")
)

// PasswordHasher derives and checks stored password hashes.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, encoded string) (bool, error)
}

// Sealer encrypts record fields at rest. Open must pass fields through
// unchanged when wrapped is empty.
type Sealer interface {
	Seal(ctx context.Context, id string, fields ...[]byte) ([]byte, [][]byte, error)
	Open(ctx context.Context, id string, wrapped []byte, fields ...[]byte) ([][]byte, error)
	Forget(id string, wrapped []byte)
}

type SettingsSource interface {
	Get() cfg.Settings
}

type Option func(*Secrets)

// WithClock replaces time.Now, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Secrets) { s.now = now }
}

// WithSealer turns on at-rest sealing of new records.
func WithSealer(sl Sealer) Option {
	return func(s *Secrets) { s.sealer = sl }
}

// WithFiles enables attachments.
func WithFiles(fs files.Storage) Option {
	return func(s *Secrets) { s.files = fs }
}

type Secrets struct {
	repo     db.Repo
	hasher   PasswordHasher
	settings SettingsSource
	files    files.Storage
	sealer   Sealer
	ids      *ident.Generator
	now      func() time.Time
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewSecrets(repo db.Repo, hasher PasswordHasher, settings SettingsSource, opts ...Option) *Secrets {
	if repo == nil || hasher == nil || settings == nil {
		panic("secret service: nil dependency (repo, hasher or settings)")
	}
	s := &Secrets{
		repo:     repo,
		hasher:   hasher,
		settings: settings,
		now:      time.Now,
	}
	s.ids = ident.NewGenerator(repo.Exists)
	for _, o := range opts {
		o(s)
	}
	return s
}
func (s *Secrets) begin() error {
	if s.shutdown.Load() {
		return ErrShuttingDown
	}
	s.opWg.Add(1)
	return nil
}

// Shutdown refuses new operations and waits for running ones.
func (s *Secrets) Shutdown() {
	s.shutdown.Store(true)
	s.opWg.Wait()
	util.Debug().Msg("secret service shutdown complete")
}

// Create stores a validated secret and returns the stored record.
func (s *Secrets) Create(ctx context.Context, p domain.CreateParams) (*domain.Secret, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	settings := s.settings.Get()
	if settings.ReadOnly {
		return nil, domain.ErrReadOnly
	}
	if len(p.Files) > 0 && (s.files == nil || !settings.AllowFiles) {
		return nil, domain.ErrFilesDisabled
	}
	if p.IsPublic && !settings.AllowPublicSecrets {
		return nil, domain.ErrPublicDisabled
	}
	id, err := s.ids.Next(ctx)
	if errors.Is(err, ident.ErrExhausted) {
		util.Error().Msg("secret id space exhausted after retries")
		return nil, domain.ErrIDExhausted
	}
	if err != nil {
		return nil, errors.Wrap(err, "gen id")
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	sec := &domain.Secret{
		ID:          id,
		Ciphertext:  []byte(p.Text),
		AllowedIP:   p.AllowedIP,
		MaxViews:    p.MaxViews,
		PreventBurn: p.PreventBurn,
		IsPublic:    p.IsPublic,
		CreatedAt:   now,
		ExpiresAt:   p.TTL.ExpiresAt(now),
	}
	if p.Title != "" {
		sec.Title = []byte(p.Title)
	}
	if p.IsPublic {
		sec.Username = p.Username
	}
	if p.Password != "" {
		if sec.PassHash, err = s.hasher.Hash(ctx, p.Password); err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
	}
	blobs := make([][]byte, len(p.Files))
	for i, f := range p.Files {
		blobs[i] = f.Data
	}
	if s.sealer != nil {
		fields := append([][]byte{sec.Ciphertext, sec.Title}, blobs...)
		wrapped, sealed, err := s.sealer.Seal(ctx, id, fields...)
		if err != nil {
			return nil, errors.Wrap(err, "seal secret")
		}
		sec.WrappedKey = wrapped
		sec.Ciphertext, sec.Title, blobs = sealed[0], sealed[1], sealed[2:]
	}
	if sec.Files, err = s.putFiles(ctx, p.Files, blobs); err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, sec); err != nil {
		s.deleteFiles(sec.Files)
		return nil, errors.Wrap(err, "store secret")
	}
	metrics.SecretsCreated.Inc()
	util.Info().
		Str("id", util.RedactID(id)).
		Int("max_views", sec.MaxViews).
		Bool("prevent_burn", sec.PreventBurn).
		Bool("password", sec.RequiresPassword()).
		Int("files", len(sec.Files)).
		Msg("secret created")
	return sec, nil
}
func (s *Secrets) putFiles(ctx context.Context, in []domain.File, blobs [][]byte) ([]domain.FileRef, error) {
	if len(in) == 0 {
		return nil, nil
	}
	refs := make([]domain.FileRef, len(in))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blobParallelism)
	for i := range in {
		i := i
		refs[i] = domain.FileRef{Key: files.NewKey(), Name: in[i].Name, Size: int64(len(in[i].Data))}
		g.Go(func() error {
			return s.files.Put(gctx, refs[i].Key, blobs[i])
		})
	}
	if err := g.Wait(); err != nil {
		s.deleteFiles(refs)
		return nil, errors.Wrap(err, "store attachments")
	}
	return refs, nil
}
func (s *Secrets) fetchFiles(ctx context.Context, refs []domain.FileRef) ([][]byte, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if s.files == nil {
		return nil, ErrNoFileStorage
	}
	out := make([][]byte, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blobParallelism)
	for i := range refs {
		i := i
		g.Go(func() error {
			data, err := s.files.Get(gctx, refs[i].Key)
			if errors.Is(err, files.ErrNotFound) {
				// burned or reaped underneath us
				return domain.ErrNotFound
			}
			out[i] = data
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// deleteFiles removes blobs best effort. Failures are only logged.
func (s *Secrets) deleteFiles(refs []domain.FileRef) {
	if len(refs) == 0 || s.files == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var g errgroup.Group
	g.SetLimit(blobParallelism)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			if err := s.files.Delete(ctx, ref.Key); err != nil {
				util.Warn().Err(err).Str("key", ref.Key).Msg("failed to delete attachment")
			}
			return nil
		})
	}
	g.Wait()
}

// Exists reports how a secret can be read without consuming a view.
func (s *Secrets) Exists(ctx context.Context, id string) (*domain.Probe, error) {
	if !ident.Valid(id) {
		return nil, domain.ErrInvalidID
	}
	sec, err := s.repo.Get(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	return &domain.Probe{
		ID:               sec.ID,
		RequiresPassword: sec.RequiresPassword(),
		MaxViews:         sec.MaxViews,
		PreventBurn:      sec.PreventBurn,
		AllowedIP:        sec.AllowedIP,
	}, nil
}

// Consume serves one view of a secret. A wrong password is rejected before
// the record is touched. The view decision itself is a single atomic
// backend operation: the record is immutable apart from its view count, so
// verifying the password outside it cannot admit a stale read.
func (s *Secrets) Consume(ctx context.Context, id, password string) (*domain.Consumed, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	if !ident.Valid(id) {
		return nil, domain.ErrInvalidID
	}
	sec, err := s.repo.Get(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	if sec.RequiresPassword() {
		ok, err := s.hasher.Verify(ctx, password, sec.PassHash)
		if err != nil {
			return nil, errors.Wrap(err, "verify password")
		}
		if !ok {
			metrics.WrongPasswords.Inc()
			util.Warn().Str("id", util.RedactID(id)).Msg("failed password attempt")
			return nil, domain.ErrWrongPassword
		}
	}
	blobs, err := s.fetchFiles(ctx, sec.Files)
	if err != nil {
		return nil, err
	}
	outcome, err := s.repo.Consume(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	metrics.ConsumeOutcomes.WithLabelValues(outcome.String()).Inc()
	if outcome == domain.OutcomeDeleted {
		defer s.destroy(sec)
	}
	fields := append([][]byte{sec.Ciphertext, sec.Title}, blobs...)
	if s.sealer != nil || len(sec.WrappedKey) > 0 {
		if s.sealer == nil {
			return nil, errors.New("sealed record but no sealer configured")
		}
		if fields, err = s.sealer.Open(ctx, id, sec.WrappedKey, fields...); err != nil {
			return nil, errors.Wrap(err, "open secret")
		}
	}
	out := &domain.Consumed{Secret: sec, Outcome: outcome}
	sec.Ciphertext, sec.Title = fields[0], fields[1]
	for i, ref := range sec.Files {
		out.Files = append(out.Files, domain.File{Name: ref.Name, Data: fields[2+i]})
	}
	util.Info().
		Str("id", util.RedactID(id)).
		Str("outcome", outcome.String()).
		Msg("secret consumed")
	return out, nil
}
func (s *Secrets) destroy(sec *domain.Secret) {
	s.deleteFiles(sec.Files)
	if s.sealer != nil {
		s.sealer.Forget(sec.ID, sec.WrappedKey)
	}
}

// Burn deletes a secret regardless of its state. Burning an id that holds
// nothing reports false without error.
func (s *Secrets) Burn(ctx context.Context, id string) (bool, error) {
	if err := s.begin(); err != nil {
		return false, err
	}
	defer s.opWg.Done()
	if !ident.Valid(id) {
		return false, domain.ErrInvalidID
	}
	refs, found, err := s.repo.Delete(ctx, id)
	if err != nil {
		return false, errors.Wrap(err, "burn secret")
	}
	if !found {
		return false, nil
	}
	s.deleteFiles(refs)
	metrics.Burns.Inc()
	util.Info().Str("id", util.RedactID(id)).Msg("secret burned")
	return true, nil
}

// ListPublic returns up to PublicListLimit live public secrets, newest
// first, optionally for one username.
func (s *Secrets) ListPublic(ctx context.Context, username string) ([]*domain.Secret, error) {
	if !s.settings.Get().AllowPublicSecrets {
		return nil, domain.ErrPublicDisabled
	}
	list, err := s.repo.ListPublic(ctx, username, s.now(), PublicListLimit)
	if err != nil {
		return nil, errors.Wrap(err, "list public")
	}
	for _, sec := range list {
		sec.Ciphertext = nil
		if len(sec.WrappedKey) == 0 || len(sec.Title) == 0 || s.sealer == nil {
			continue
		}
		opened, err := s.sealer.Open(ctx, sec.ID, sec.WrappedKey, sec.Title)
		if err != nil {
			util.Warn().Err(err).Str("id", util.RedactID(sec.ID)).Msg("failed to open public title")
			sec.Title = nil
			continue
		}
		sec.Title = opened[0]
	}
	return list, nil
}

// Sweep deletes every record whose expiry has passed, in batches, and
// returns how many were removed.
func (s *Secrets) Sweep(ctx context.Context) (int, error) {
	total := 0
	for i := 0; i < maxSweepBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		refs, n, err := s.repo.DeleteExpired(ctx, s.now(), sweepBatch)
		total += n
		s.deleteFiles(refs)
		if err != nil {
			return total, errors.Wrap(err, "sweep expired")
		}
		if n < sweepBatch {
			return total, nil
		}
	}
	return total, errors.New("sweep hit batch limit, more records may exist")
}
