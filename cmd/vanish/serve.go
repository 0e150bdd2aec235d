package main

import (
	"context"
	"encoding/base64"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"vanish/cfg"
	"vanish/pkg/kms"
	"vanish/svc/api"
	"vanish/svc/auth"
	"vanish/svc/db"
	"vanish/svc/files"
	"vanish/svc/guard"
	"vanish/svc/lim"
	"vanish/svc/svc"
	"vanish/svc/util"
)

const dekCacheSize = 1024

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the secret API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

// loadDotEnv reads .env when present. A missing file is normal.
func loadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		util.Warn().Err(err).Msg("failed to read .env file")
	}
}

func serve() error {
	loadDotEnv()
	c, err := cfg.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("backend", c.StoreBackend).Msg("starting vanish API")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var adapter *kms.Adapter
	if c.PepperFromKMS || c.SealAtRest {
		adapter, err = kms.NewAdapter(ctx, kmsConfig(c))
		if err != nil {
			return errors.Wrap(err, "initialize KMS adapter")
		}
		util.Info().Str("provider", adapter.Name()).Msg("KMS adapter initialized")
	}
	pepper, err := loadPepper(ctx, c, adapter)
	if err != nil {
		return err
	}
	defer util.Wipe(pepper)

	o := db.Options{
		MaxOpenConns:  c.DBMaxOpenConns,
		MaxIdleConns:  c.DBMaxIdleConns,
		QueryTimeout:  c.DBQueryTimeout,
		ResponseFloor: db.DefaultOptions().ResponseFloor,
	}
	var (
		repo      db.Repo
		sqlite    *db.SQLite
		rdb       *redis.Client
		ownsRedis bool
	)
	switch c.StoreBackend {
	case cfg.BackendSQLite:
		sqlite, err = db.NewSQLite(ctx, c.DatabasePath, o)
		repo = sqlite
	case cfg.BackendPostgres:
		repo, err = db.NewPostgres(ctx, c.DatabaseURL.Value(), o)
	case cfg.BackendRedis:
		var r *db.Redis
		if r, err = db.NewRedis(ctx, c); err == nil {
			repo, rdb = r, r.Client()
		}
	}
	if err != nil {
		return errors.Wrap(err, "initialize secret backend")
	}
	defer repo.Close()
	util.Info().Str("backend", c.StoreBackend).Msg("secret backend initialized")

	if rdb == nil && c.RedisURL != "" {
		rdb, err = db.NewRedisClient(ctx, c)
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, rate limits are per instance")
		} else {
			ownsRedis = true
			util.Info().Msg("redis connected")
		}
	}
	if ownsRedis {
		defer rdb.Close()
	}

	var counter lim.Counter
	var cachePing func(context.Context) error
	if rdb != nil {
		counter = lim.NewRedisCounter(rdb, c.RedisTimeout)
		cachePing = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	limiter := lim.New(counter)
	defer limiter.Stop()

	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper, auth.WithKeyLength(c.Argon2KeyLen))
	if err != nil {
		return errors.Wrap(err, "initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		return errors.Wrap(err, "start hasher")
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	ipHasher, err := util.NewIPHasher(pepper, c.IPHashRotationInterval)
	if err != nil {
		return errors.Wrap(err, "initialize IP hasher")
	}
	defer ipHasher.Stop()

	settings, err := cfg.NewSettingsStore(c.SettingsFile)
	if err != nil {
		return errors.Wrap(err, "load settings")
	}
	go reloadSettingsOnHUP(ctx, settings)

	var opts []svc.Option
	store, err := fileStorage(ctx, c)
	if err != nil {
		return err
	}
	if store != nil {
		opts = append(opts, svc.WithFiles(store))
	}
	if c.SealAtRest {
		deks := kms.NewDEKCache(adapter, dekCacheSize, c.DEKCacheTTL)
		defer deks.Stop()
		opts = append(opts, svc.WithSealer(kms.NewEnvelope(adapter, deks)))
		util.Info().Dur("dek_cache_ttl", c.DEKCacheTTL).Msg("at-rest sealing enabled")
	}
	secrets := svc.NewSecrets(repo, hasher, settings, opts...)

	var tokens *auth.Tokens
	if !c.JWTSecret.Empty() {
		if tokens, err = auth.NewTokens([]byte(c.JWTSecret.Value())); err != nil {
			return errors.Wrap(err, "initialize tokens")
		}
	}
	ips, err := guard.NewIPResolver(c.TrustedProxies, c.ClientIPHeaders)
	if err != nil {
		return errors.Wrap(err, "parse trusted proxies")
	}
	g := guard.New(guard.Deps{
		IPs:      ips,
		Limiter:  limiter,
		Hasher:   ipHasher,
		Tokens:   tokens,
		Secrets:  secrets,
		Settings: settings,
		Rate:     c.RateLimit,
	})

	reaper := svc.NewReaper(secrets, c.ReaperInterval)
	reaper.Start()
	util.Info().Dur("interval", c.ReaperInterval).Msg("expiration reaper started")

	quitWAL := make(chan struct{})
	if sqlite != nil {
		go sqlite.MaintainWAL(quitWAL)
	}

	server := api.NewServer(api.Deps{
		Cfg:      c,
		Secrets:  secrets,
		Guard:    g,
		Limiter:  limiter,
		Settings: settings,
		Repo:     repo,
		Cache:    cachePing,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
	}
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	reaper.Stop()
	secrets.Shutdown()
	util.Info().Msg("shutdown complete")
	return nil
}

func kmsConfig(c *cfg.Cfg) kms.Config {
	return kms.Config{
		VaultAddr:       c.KMS.VaultAddr,
		VaultToken:      c.KMS.VaultToken.Value(),
		VaultTokenFile:  c.KMS.VaultTokenFile,
		VaultMountPath:  c.KMS.VaultMountPath,
		VaultKeyID:      c.KMS.VaultKeyID,
		VaultSecretPath: c.KMS.VaultSecretPath,
		AWSRegion:       c.KMS.AWSRegion,
		AWSKeyID:        c.KMS.AWSKeyID,
		LocalKey:        c.KMS.LocalKey.Value(),
		RequirePrimary:  c.KMS.RequirePrimary,
		FailClosed:      c.KMS.FailClosed,
	}
}

func loadPepper(ctx context.Context, c *cfg.Cfg, adapter *kms.Adapter) ([]byte, error) {
	var pepper []byte
	if c.PepperFromKMS {
		b64, err := adapter.GetSecret(ctx, "ARGON2_PEPPER")
		if err != nil {
			return nil, errors.Wrap(err, "load pepper from KMS")
		}
		if pepper, err = base64.StdEncoding.DecodeString(b64); err != nil {
			return nil, errors.Wrap(err, "invalid pepper format")
		}
	} else {
		pepper = []byte(c.Pepper.Value())
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		return nil, errors.Errorf("pepper too short: %d bytes, need at least 32", len(pepper))
	}
	return pepper, nil
}

func fileStorage(ctx context.Context, c *cfg.Cfg) (files.Storage, error) {
	switch c.Files.Storage {
	case cfg.FilesDisk:
		d, err := files.NewDisk(c.Files.Dir)
		return d, errors.Wrap(err, "initialize disk file storage")
	case cfg.FilesS3:
		s, err := files.NewS3(ctx, files.S3Config{
			Bucket:    c.Files.S3Bucket,
			Region:    c.Files.S3Region,
			Endpoint:  c.Files.S3Endpoint,
			AccessKey: c.Files.S3AccessKey,
			SecretKey: c.Files.S3SecretKey.Value(),
		})
		return s, errors.Wrap(err, "initialize s3 file storage")
	}
	return nil, nil
}

func reloadSettingsOnHUP(ctx context.Context, s *cfg.SettingsStore) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := s.Reload(); err != nil {
				util.Error().Err(err).Msg("settings reload failed, keeping previous settings")
				continue
			}
			util.Info().Interface("settings", s.Get()).Msg("settings reloaded")
		}
	}
}
