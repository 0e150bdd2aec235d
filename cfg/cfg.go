package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Empty() bool {
	return len(s.value) == 0
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	FilesNone = "none"
	FilesDisk = "disk"
	FilesS3   = "s3"
)

type Cfg struct {
	Port                   string
	Environment            string
	LogLevel               string
	StoreBackend           string
	DatabasePath           string
	DatabaseURL            Secret
	RedisURL               string
	RedisTLS               bool
	RedisUsername          string
	RedisPassword          Secret
	RedisCACert            string
	RedisTimeout           time.Duration
	Argon2Time             uint32
	Argon2Memory           uint32
	Argon2Parallelism      uint8
	Argon2KeyLen           uint32
	HasherWorkerCount      int
	RateLimit              RateLimitCfg
	Limits                 LimitsCfg
	TrustedProxies         []string
	ClientIPHeaders        []string
	MetricsUser            string
	MetricsPass            Secret
	Pepper                 Secret
	PepperFromKMS          bool
	SealAtRest             bool
	ContextTimeout         time.Duration
	AllowedOrigins         []string
	DBMaxOpenConns         int
	DBMaxIdleConns         int
	DBQueryTimeout         time.Duration
	IPHashRotationInterval time.Duration
	DEKCacheTTL            time.Duration
	ReaperInterval         time.Duration
	JWTSecret              Secret
	Files                  FilesCfg
	SettingsFile           string
	KMS                    KMSCfg
}

type RateLimitCfg struct {
	Requests         int
	Window           time.Duration
	PasswordAttempts int
}

// LimitsCfg bounds what a single create request may carry.
type LimitsCfg struct {
	MaxSecretSize int64
	MaxTitleSize  int
	MaxFiles      int
	MaxFileSize   int64
}

type FilesCfg struct {
	Storage     string
	Dir         string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey Secret
}

type KMSCfg struct {
	VaultAddr       string
	VaultToken      Secret
	VaultTokenFile  string
	VaultMountPath  string
	VaultKeyID      string
	VaultSecretPath string
	AWSRegion       string
	AWSKeyID        string
	LocalKey        Secret
	RequirePrimary  bool
	FailClosed      bool
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.StoreBackend = getEnv("STORE_BACKEND", BackendSQLite)
	c.DatabasePath = getEnv("DATABASE_PATH", "vanish.db")
	c.DatabaseURL = NewSecret(getEnv("DATABASE_URL", ""))
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getBool("REDIS_TLS")
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", "")
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.Argon2Time, err = getUint32("ARGON2_TIME", 4)
	if err != nil {
		return nil, err
	}
	c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024)
	if err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	c.Argon2KeyLen, err = getUint32("ARGON2_KEYLEN", 32)
	if err != nil {
		return nil, err
	}
	c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Requests, err = getInt("RATE_LIMIT_REQUESTS", 30)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Window, err = getDuration("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}
	c.RateLimit.PasswordAttempts, err = getInt("PASSWORD_ATTEMPT_LIMIT", 10)
	if err != nil {
		return nil, err
	}
	c.Limits.MaxSecretSize, err = getInt64("MAX_SECRET_SIZE", 1024*1024)
	if err != nil {
		return nil, err
	}
	c.Limits.MaxTitleSize, err = getInt("MAX_TITLE_SIZE", 1024)
	if err != nil {
		return nil, err
	}
	c.Limits.MaxFiles, err = getInt("MAX_FILES", 5)
	if err != nil {
		return nil, err
	}
	c.Limits.MaxFileSize, err = getInt64("MAX_FILE_SIZE", 5*1024*1024)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.ClientIPHeaders = getSlice("CLIENT_IP_HEADERS", []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromKMS = getBool("PEPPER_FROM_KMS")
	c.SealAtRest = getBool("SEAL_AT_REST")
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.IPHashRotationInterval, err = getDuration("IP_HASH_ROTATION_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	c.DEKCacheTTL, err = getDuration("DEK_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	c.ReaperInterval, err = getDuration("REAPER_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.JWTSecret = NewSecret(getEnv("JWT_SECRET", ""))
	c.Files = FilesCfg{
		Storage:     getEnv("FILE_STORAGE", FilesNone),
		Dir:         getEnv("FILE_DIR", "files"),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: NewSecret(getEnv("S3_SECRET_KEY", "")),
	}
	c.SettingsFile = getEnv("SETTINGS_FILE", "")
	c.KMS = KMSCfg{
		VaultAddr:       getEnv("VAULT_ADDR", ""),
		VaultToken:      NewSecret(getEnv("VAULT_TOKEN", "")),
		VaultTokenFile:  getEnv("VAULT_TOKEN_FILE", ""),
		VaultMountPath:  getEnv("VAULT_MOUNT_PATH", "transit"),
		VaultKeyID:      getEnv("VAULT_KEY_ID", "vanish-master"),
		VaultSecretPath: getEnv("VAULT_SECRET_PATH", "secret/data/vanish/pepper"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		AWSKeyID:        getEnv("KMS_MASTER_KEY_ID", ""),
		LocalKey:        NewSecret(getEnv("KMS_LOCAL_KEY", "")),
		RequirePrimary:  getBool("KMS_REQUIRE_PRIMARY"),
		FailClosed:      getEnv("KMS_FAIL_CLOSED", "true") == "true",
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.StoreBackend {
	case BackendSQLite:
		if err := validateDBPath(c.DatabasePath); err != nil {
			return err
		}
	case BackendPostgres:
		if c.DatabaseURL.Empty() {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be at least 1")
	}
	if c.Argon2Memory < 19*1024 {
		return errors.New("ARGON2_MEMORY must be >= 19456 (19MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.Argon2KeyLen < 32 {
		return errors.New("ARGON2_KEYLEN must be >= 32")
	}
	if c.HasherWorkerCount < 1 {
		return errors.New("HASHER_WORKER_COUNT must be at least 1")
	}
	if c.RateLimit.Requests <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS must be positive")
	}
	if c.RateLimit.Window < time.Second {
		return errors.New("RATE_LIMIT_WINDOW must be at least 1s")
	}
	if c.RateLimit.PasswordAttempts <= 0 {
		return errors.New("PASSWORD_ATTEMPT_LIMIT must be positive")
	}
	if c.Limits.MaxSecretSize <= 0 {
		return errors.New("MAX_SECRET_SIZE must be positive")
	}
	if c.Limits.MaxSecretSize > 10*1024*1024 {
		return errors.New("MAX_SECRET_SIZE cannot exceed 10MB")
	}
	if c.Limits.MaxTitleSize <= 0 {
		return errors.New("MAX_TITLE_SIZE must be positive")
	}
	if c.Limits.MaxFiles < 0 || c.Limits.MaxFileSize <= 0 {
		return errors.New("MAX_FILES must be >= 0 and MAX_FILE_SIZE positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if len(c.ClientIPHeaders) == 0 {
		return errors.New("CLIENT_IP_HEADERS must name at least one header")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Empty() {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if !c.PepperFromKMS {
		if c.Pepper.Empty() {
			return errors.New("PEPPER is required if PEPPER_FROM_KMS is false")
		}
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes")
		}
	}
	if !c.JWTSecret.Empty() && len(c.JWTSecret.Value()) < 32 {
		return errors.New("JWT_SECRET must be at least 32 bytes")
	}
	switch c.Files.Storage {
	case FilesNone:
	case FilesDisk:
		if c.Files.Dir == "" {
			return errors.New("FILE_DIR is required for disk file storage")
		}
	case FilesS3:
		if c.Files.S3Bucket == "" {
			return errors.New("S3_BUCKET is required for s3 file storage")
		}
	default:
		return fmt.Errorf("unknown FILE_STORAGE %q", c.Files.Storage)
	}
	if c.IPHashRotationInterval < 15*time.Minute {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be at least 15 minutes")
	}
	if c.IPHashRotationInterval > 24*time.Hour {
		return errors.New("IP_HASH_ROTATION_INTERVAL should not exceed 24 hours")
	}
	if c.DEKCacheTTL < 10*time.Second || c.DEKCacheTTL > time.Hour {
		return errors.New("DEK_CACHE_TTL must be between 10s and 1h")
	}
	if c.ReaperInterval < time.Second {
		return errors.New("REAPER_INTERVAL must be at least 1s")
	}
	return nil
}

// Database path must stay inside the working directory.
func validateDBPath(path string) error {
	if path == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if path == ":memory:" {
		return nil
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.DatabaseURL.Wipe()
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.JWTSecret.Wipe()
	c.Files.S3SecretKey.Wipe()
	c.KMS.VaultToken.Wipe()
	c.KMS.LocalKey.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getBool(key string) bool {
	return getEnv(key, "false") == "true"
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
