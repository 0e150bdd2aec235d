package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"vanish/cfg"
	"vanish/pkg/domain"
)

const (
	secretKeyPrefix = "secret:"
	expiryIndex     = "secrets:expiry"
	publicIndex     = "secrets:public"
	maxTxRetries    = 16
)

// Redis keeps one JSON record per secret plus sorted-set indexes for expiry
// and public listing. Records carry no key TTL: expiry is enforced on read
// and by the reaper through the expiry index, which keeps file references
// reachable for cleanup.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

type redisRecord struct {
	ID          string           `json:"id"`
	Ciphertext  []byte           `json:"ciphertext"`
	Title       []byte           `json:"title,omitempty"`
	WrappedKey  []byte           `json:"wrappedKey,omitempty"`
	PassHash    string           `json:"passHash,omitempty"`
	AllowedIP   string           `json:"allowedIp,omitempty"`
	MaxViews    int              `json:"maxViews"`
	PreventBurn bool             `json:"preventBurn"`
	IsPublic    bool             `json:"isPublic"`
	Username    string           `json:"username,omitempty"`
	Files       []domain.FileRef `json:"files,omitempty"`
	CreatedAt   int64            `json:"createdAt"`
	ExpiresAt   int64            `json:"expiresAt"`
}

func toRecord(s *domain.Secret) redisRecord {
	return redisRecord{
		ID: s.ID, Ciphertext: s.Ciphertext, Title: s.Title, WrappedKey: s.WrappedKey,
		PassHash: s.PassHash, AllowedIP: s.AllowedIP, MaxViews: s.MaxViews,
		PreventBurn: s.PreventBurn, IsPublic: s.IsPublic, Username: s.Username, Files: s.Files,
		CreatedAt: s.CreatedAt.UnixMilli(), ExpiresAt: s.ExpiresAt.UnixMilli(),
	}
}
func (r redisRecord) secret() *domain.Secret {
	return &domain.Secret{
		ID: r.ID, Ciphertext: r.Ciphertext, Title: r.Title, WrappedKey: r.WrappedKey,
		PassHash: r.PassHash, AllowedIP: r.AllowedIP, MaxViews: r.MaxViews,
		PreventBurn: r.PreventBurn, IsPublic: r.IsPublic, Username: r.Username, Files: r.Files,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(), ExpiresAt: time.UnixMilli(r.ExpiresAt).UTC(),
	}
}

func NewRedis(ctx context.Context, c *cfg.Cfg) (*Redis, error) {
	client, err := NewRedisClient(ctx, c)
	if err != nil {
		return nil, err
	}
	return &Redis{client: client, timeout: c.RedisTimeout}, nil
}

// NewRedisClient builds the pooled client shared by the record backend and
// the distributed rate limiter.
func NewRedisClient(ctx context.Context, c *cfg.Cfg) (*redis.Client, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(opt, c.RedisCACert)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if !c.RedisPassword.Empty() {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}
func buildRedisTLSConfig(opt *redis.Options, caPath string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if opt.TLSConfig != nil {
		tlsConfig.ServerName = opt.TLSConfig.ServerName
	}
	if tlsConfig.ServerName == "" {
		host := opt.Addr
		if h, _, err := net.SplitHostPort(opt.Addr); err == nil {
			host = h
		}
		tlsConfig.ServerName = host
	}
	if caPath == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = pool
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append Redis CA cert to pool")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
func (r *Redis) Client() *redis.Client {
	return r.client
}
func (r *Redis) Insert(ctx context.Context, s *domain.Secret) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(toRecord(s))
	if err != nil {
		return errors.Wrap(err, "marshal secret")
	}
	var set *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		set = p.SetNX(ctx, secretKeyPrefix+s.ID, data, 0)
		p.ZAdd(ctx, expiryIndex, redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.ID})
		if s.IsPublic {
			z := redis.Z{Score: float64(s.CreatedAt.UnixMilli()), Member: s.ID}
			p.ZAdd(ctx, publicIndex, z)
			if s.Username != "" {
				p.ZAdd(ctx, publicIndex+":"+s.Username, z)
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "insert secret")
	}
	if !set.Val() {
		return ErrDuplicateID
	}
	return nil
}
func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, secretKeyPrefix+id).Result()
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return n > 0, nil
}
func (r *Redis) load(ctx context.Context, c redis.Cmdable, id string) (*redisRecord, error) {
	data, err := c.Get(ctx, secretKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get secret")
	}
	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "unmarshal secret")
	}
	return &rec, nil
}
func (r *Redis) Get(ctx context.Context, id string, now time.Time) (*domain.Secret, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rec, err := r.load(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.ExpiresAt <= now.UnixMilli() {
		return nil, domain.ErrNotFound
	}
	return rec.secret(), nil
}
func (r *Redis) Consume(ctx context.Context, id string, now time.Time) (domain.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := secretKeyPrefix + id
	var outcome domain.Outcome
	txf := func(tx *redis.Tx) error {
		rec, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec == nil || rec.ExpiresAt <= now.UnixMilli() {
			return domain.ErrNotFound
		}
		switch {
		case rec.MaxViews > 1:
			rec.MaxViews--
			data, err := json.Marshal(rec)
			if err != nil {
				return errors.Wrap(err, "marshal secret")
			}
			outcome = domain.OutcomeDecremented
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.SetArgs(ctx, key, data, redis.SetArgs{KeepTTL: true})
				return nil
			})
			return err
		case !rec.PreventBurn:
			outcome = domain.OutcomeDeleted
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				r.unindex(ctx, p, rec)
				return nil
			})
			return err
		default:
			outcome = domain.OutcomeFloor
			return nil
		}
	}
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return 0, domain.ErrNotFound
			}
			return 0, errors.Wrap(err, "consume secret")
		}
		return outcome, nil
	}
	return 0, ErrTxContention
}
func (r *Redis) unindex(ctx context.Context, p redis.Pipeliner, rec *redisRecord) {
	p.Del(ctx, secretKeyPrefix+rec.ID)
	p.ZRem(ctx, expiryIndex, rec.ID)
	if rec.IsPublic {
		p.ZRem(ctx, publicIndex, rec.ID)
		if rec.Username != "" {
			p.ZRem(ctx, publicIndex+":"+rec.Username, rec.ID)
		}
	}
}
func (r *Redis) Delete(ctx context.Context, id string) ([]domain.FileRef, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.delete(ctx, id)
}
func (r *Redis) delete(ctx context.Context, id string) ([]domain.FileRef, bool, error) {
	key := secretKeyPrefix + id
	var refs []domain.FileRef
	var found bool
	txf := func(tx *redis.Tx) error {
		rec, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			found = false
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.ZRem(ctx, expiryIndex, id)
				return nil
			})
			return err
		}
		found, refs = true, rec.Files
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			r.unindex(ctx, p, rec)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, false, errors.Wrap(err, "delete secret")
		}
		return refs, found, nil
	}
	return nil, false, ErrTxContention
}
func (r *Redis) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]domain.FileRef, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ids, err := r.client.ZRangeByScore(ctx, expiryIndex, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, 0, errors.Wrap(err, "cleanup batch failed")
	}
	var refs []domain.FileRef
	n := 0
	for _, id := range ids {
		files, found, err := r.delete(ctx, id)
		if err != nil {
			return refs, n, err
		}
		if found {
			refs = append(refs, files...)
		}
		// stale index entries still count so the caller's batch loop advances
		n++
	}
	return refs, n, nil
}
func (r *Redis) ListPublic(ctx context.Context, username string, now time.Time, limit int) ([]*domain.Secret, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	index := publicIndex
	if username != "" {
		index += ":" + username
	}
	var out []*domain.Secret
	var start int64
	page := int64(limit)
	for len(out) < limit {
		ids, err := r.client.ZRevRange(ctx, index, start, start+page-1).Result()
		if err != nil {
			return nil, errors.Wrap(err, "list public")
		}
		if len(ids) == 0 {
			break
		}
		start += int64(len(ids))
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = secretKeyPrefix + id
		}
		vals, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, errors.Wrap(err, "list public records")
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var rec redisRecord
			if err := json.Unmarshal([]byte(s), &rec); err != nil {
				continue
			}
			if rec.ExpiresAt <= now.UnixMilli() {
				continue
			}
			out = append(out, rec.secret())
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// RateLimit counts one hit on key inside a fixed window. It returns the
// hit number, which exceeds limit once the window is spent, and the time
// left in the window. A spent counter is not incremented further.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, time.Duration, error) {
	return RateLimit(ctx, r.client, r.timeout, key, limit, window)
}

var rateLimitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return {current + 1, redis.call("PTTL", KEYS[1])}
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return {new_val, redis.call("PTTL", KEYS[1])}
`)

func RateLimit(ctx context.Context, c redis.Scripter, timeout time.Duration, key string, limit int, window time.Duration) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, c, []string{key}, window.Milliseconds(), limit).Int64Slice()
	if err != nil {
		return 0, 0, errors.Wrap(err, "rate limit lua")
	}
	if len(res) != 2 {
		return 0, 0, errors.New("rate limit lua: unexpected reply")
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return int(res[0]), ttl, nil
}

// Ping does a write round trip so a replica or OOM instance reports unhealthy.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := "health:ping:" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := r.client.Set(ctx, key, "1", 10*time.Second).Err(); err != nil {
		return errors.Wrap(err, "redis write check")
	}
	return errors.Wrap(r.client.Del(ctx, key).Err(), "redis delete check")
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
