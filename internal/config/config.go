package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/livecatch/internal/model"
	"github.com/joho/godotenv"
)

// EventSubのシークレットとして受け付ける長さ（Twitchの制約）
const (
	minSecretLength = 10
	maxSecretLength = 100
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Twitch
	TwitchClientID     string
	TwitchClientSecret string
	TwitchHelixURL     string
	TwitchTokenURL     string
	UpstreamTimeout    time.Duration

	// EventSub
	EventSubSecret        string
	EventSubCallbackURL   string
	MessageMaxAge         time.Duration
	SubscriptionFreshness time.Duration
	BulkConcurrency       int
	SubscribeSyncInterval time.Duration

	// Admin API
	AdminTokens       map[string]string
	RateLimitGeneral  int
	RateLimitDownload int

	// Jobs
	DefaultQuality    model.Quality
	SystemUserID      string
	JobRetention      time.Duration
	BackgroundTimeout time.Duration

	// Capture
	CaptureBinary      string
	CaptureOutputDir   string
	CaptureMaxDuration time.Duration

	// Profile cache
	ProfileCacheSize int
	ProfileCacheTTL  time.Duration

	// Cleanup
	CleanupInterval   time.Duration
	FetchLogRetention time.Duration

	// Logging
	LogLevel slog.Level

	// Server
	ServerPort      string
	ShutdownTimeout time.Duration
}

// LoadDotEnv は.envファイルが存在すれば環境変数に読み込む。
// 既に設定されている環境変数は上書きしない。ファイルがない場合は何もしない。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.TwitchClientID = required("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = required("TWITCH_CLIENT_SECRET")
	cfg.EventSubSecret = required("EVENTSUB_SECRET")
	cfg.EventSubCallbackURL = required("EVENTSUB_CALLBACK_URL")
	adminTokens := required("ADMIN_TOKENS")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	var invalid []string
	if n := len(cfg.EventSubSecret); n < minSecretLength || n > maxSecretLength {
		invalid = append(invalid, fmt.Sprintf("EVENTSUB_SECRET must be %d-%d characters", minSecretLength, maxSecretLength))
	}

	tokens, err := parseAdminTokens(adminTokens)
	if err != nil {
		invalid = append(invalid, err.Error())
	}
	cfg.AdminTokens = tokens

	quality := getEnvString("DEFAULT_QUALITY", string(model.QualitySource))
	if q, ok := model.ParseQuality(quality); ok {
		cfg.DefaultQuality = q
	} else {
		invalid = append(invalid, fmt.Sprintf("DEFAULT_QUALITY %q is not a known quality", quality))
	}

	level, err := parseLogLevel(getEnvString("LOG_LEVEL", "info"))
	if err != nil {
		invalid = append(invalid, err.Error())
	}
	cfg.LogLevel = level

	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(invalid, "; "))
	}

	// Optional fields with defaults
	cfg.TwitchHelixURL = getEnvString("TWITCH_HELIX_URL", "https://api.twitch.tv/helix")
	cfg.TwitchTokenURL = getEnvString("TWITCH_TOKEN_URL", "https://id.twitch.tv/oauth2/token")
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second)
	cfg.MessageMaxAge = getEnvDuration("MESSAGE_MAX_AGE", 10*time.Minute)
	cfg.SubscriptionFreshness = getEnvDuration("SUBSCRIPTION_FRESHNESS", 5*time.Minute)
	cfg.BulkConcurrency = getEnvInt("BULK_SUBSCRIBE_CONCURRENCY", 8)
	cfg.SubscribeSyncInterval = getEnvDuration("SUBSCRIBE_SYNC_INTERVAL", 6*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitDownload = getEnvInt("RATE_LIMIT_DOWNLOAD", 10)
	cfg.SystemUserID = getEnvString("SYSTEM_USER_ID", "eventsub")
	cfg.JobRetention = getEnvDuration("JOB_RETENTION", 24*time.Hour)
	cfg.BackgroundTimeout = getEnvDuration("BACKGROUND_TIMEOUT", 30*time.Second)
	cfg.CaptureBinary = getEnvString("CAPTURE_BINARY", "streamlink")
	cfg.CaptureOutputDir = getEnvString("CAPTURE_OUTPUT_DIR", "./captures")
	cfg.CaptureMaxDuration = getEnvDuration("CAPTURE_MAX_DURATION", 12*time.Hour)
	cfg.ProfileCacheSize = getEnvInt("PROFILE_CACHE_SIZE", 10000)
	cfg.ProfileCacheTTL = getEnvDuration("PROFILE_CACHE_TTL", 10*time.Minute)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.FetchLogRetention = getEnvDuration("FETCH_LOG_RETENTION", 7*24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)

	return cfg, nil
}

// parseAdminTokens は "token:userID,token2:userID2" 形式を解析する。
func parseAdminTokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, userID, ok := strings.Cut(pair, ":")
		token, userID = strings.TrimSpace(token), strings.TrimSpace(userID)
		if !ok || token == "" || userID == "" {
			return nil, errors.New("ADMIN_TOKENS must be a comma separated list of token:user_id")
		}
		tokens[token] = userID
	}
	if len(tokens) == 0 {
		return nil, errors.New("ADMIN_TOKENS must contain at least one token")
	}
	return tokens, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not a valid level", s)
	}
	return level, nil
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
