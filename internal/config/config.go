package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// プロフィールの取得元
const (
	ProfileStorePostgREST = "postgrest"
	ProfileStorePostgres  = "postgres"
)

// トークンとセッションの保存先
const (
	LocalStoreFile   = "file"
	LocalStoreRedis  = "redis"
	LocalStoreMemory = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Identity provider
	IdentityURL     string
	IdentityAnonKey string
	ProviderTimeout time.Duration

	// Profile store
	ProfileStore      string
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Local store
	LocalStore     string
	LocalStorePath string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// REST backend
	BackendAPIURL  string
	BackendTimeout time.Duration

	// Refresh worker
	RefreshInterval time.Duration
	RefreshMargin   time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitLogin   int

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string

	// Password reset
	PasswordResetRedirect string
}

// LoadDotEnv はpathsの.envファイルを環境変数に読み込む。既に設定済みの変数は上書きしない。
// pathsが空の場合はカレントディレクトリの.envを読む。ファイルが存在しない場合は何もしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.IdentityURL = getEnvString("IDENTITY_URL", os.Getenv("SUPABASE_URL"))
	if cfg.IdentityURL == "" {
		missing = append(missing, "IDENTITY_URL")
	}

	cfg.IdentityAnonKey = getEnvString("IDENTITY_ANON_KEY", os.Getenv("SUPABASE_ANON_KEY"))
	if cfg.IdentityAnonKey == "" {
		missing = append(missing, "IDENTITY_ANON_KEY")
	}

	cfg.ProfileStore = getEnvString("PROFILE_STORE", ProfileStorePostgREST)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.ProfileStore == ProfileStorePostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.LocalStore = getEnvString("LOCAL_STORE", LocalStoreFile)
	cfg.LocalStorePath = getEnvString("LOCAL_STORE_PATH", "data/gigwrld-store.json")
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.RedisKeyPrefix = getEnvString("REDIS_KEY_PREFIX", "gigwrld:")
	cfg.BackendAPIURL = getEnvString("BACKEND_API_URL", "http://localhost:5000/api")
	cfg.BackendTimeout = getEnvDuration("BACKEND_TIMEOUT", 15*time.Second)
	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", time.Minute)
	cfg.RefreshMargin = getEnvDuration("REFRESH_MARGIN", 5*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.PasswordResetRedirect = getEnvString("PASSWORD_RESET_REDIRECT", "http://localhost:3000/reset-password")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.ProfileStore {
	case ProfileStorePostgREST, ProfileStorePostgres:
	default:
		return fmt.Errorf("invalid PROFILE_STORE %q: must be %q or %q", c.ProfileStore, ProfileStorePostgREST, ProfileStorePostgres)
	}
	switch c.LocalStore {
	case LocalStoreFile, LocalStoreRedis, LocalStoreMemory:
	default:
		return fmt.Errorf("invalid LOCAL_STORE %q: must be one of file, redis, memory", c.LocalStore)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive, got %v", c.RefreshInterval)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
