package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアバックエンド
const (
	BackendPostgres = "postgres"
	BackendFile     = "file"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreBackend string
	DatabaseURL  string
	DataFile     string

	// Poll
	PollInterval time.Duration

	// Upstream (Roblox API)
	FetchTimeout        time.Duration
	UpstreamRateLimit   float64
	RobloxUsersAPIURL   string
	RobloxFriendsAPIURL string

	// Rate Limit（1分あたり・クライアントIPごと）
	RateLimitGeneral int
	RateLimitTrack   int

	// Server
	ServerPort      string
	ShutdownTimeout time.Duration

	// CORS
	CORSAllowedOrigin string

	// Logging
	VerboseLog bool
}

// Load は環境変数からConfigを読み込む。
// 選択したバックエンドに必要な環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", BackendPostgres))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.DataFile = getEnvString("DATA_FILE", "data/tracked.json")

	switch cfg.StoreBackend {
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("required environment variables are not set: [DATABASE_URL]")
		}
	case BackendFile:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND: %q (allowed: %s, %s)", cfg.StoreBackend, BackendPostgres, BackendFile)
	}

	// 下限の1秒はスケジューラ側で適用する
	cfg.PollInterval = time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 60)) * time.Second
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.UpstreamRateLimit = getEnvFloat("UPSTREAM_RATE_LIMIT", 5)
	cfg.RobloxUsersAPIURL = getEnvString("ROBLOX_USERS_API_URL", "https://users.roblox.com")
	cfg.RobloxFriendsAPIURL = getEnvString("ROBLOX_FRIENDS_API_URL", "https://friends.roblox.com")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitTrack = getEnvInt("RATE_LIMIT_TRACK", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", getEnvString("PORT", "3001"))
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")
	cfg.VerboseLog = getEnvBool("VERBOSE_LOG", false)

	return cfg, nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
