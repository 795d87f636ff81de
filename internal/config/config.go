// Package config はアプリケーション全体の設定管理を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// minEncryptionKeyLength はマスターキーの最小文字数。
// 固定ソルトでscryptを使う前提として、キー自体に十分なエントロピーを要求する。
const minEncryptionKeyLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Discord
	DiscordBotToken   string
	DiscordAPIBaseURL string

	// UEX API
	UEXAPIBaseURL    string
	UEXWebhookSecret string

	// Security
	UserEncryptionKey string

	// Storage
	DataDir string

	// Outbound HTTP
	HTTPTimeout     time.Duration
	ValidateTimeout time.Duration

	// Rate Limit（req/min単位）
	RateLimitWebhook int
	RateLimitAPI     int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DiscordBotToken = os.Getenv("DISCORD_BOT_TOKEN")
	if cfg.DiscordBotToken == "" {
		missing = append(missing, "DISCORD_BOT_TOKEN")
	}

	cfg.UserEncryptionKey = os.Getenv("USER_ENCRYPTION_KEY")
	if cfg.UserEncryptionKey == "" {
		missing = append(missing, "USER_ENCRYPTION_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// マスターキーの強度チェック。短いキーは固定ソルト方式の前提を崩すため起動を拒否する。
	if len(cfg.UserEncryptionKey) < minEncryptionKeyLength {
		return nil, fmt.Errorf("USER_ENCRYPTION_KEY must be at least %d characters", minEncryptionKeyLength)
	}

	// Optional fields with defaults
	cfg.DiscordAPIBaseURL = getEnvString("DISCORD_API_BASE_URL", "https://discord.com/api/v10")
	cfg.UEXAPIBaseURL = getEnvString("UEX_API_BASE_URL", "https://api.uexcorp.space/2.0")
	cfg.UEXWebhookSecret = os.Getenv("UEX_WEBHOOK_SECRET")
	cfg.DataDir = getEnvString("DATA_DIR", "user_data")
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 10*time.Second)
	cfg.ValidateTimeout = getEnvDuration("VALIDATE_TIMEOUT", 5*time.Second)
	cfg.RateLimitWebhook = getEnvInt("RATE_LIMIT_WEBHOOK", 60)
	cfg.RateLimitAPI = getEnvInt("RATE_LIMIT_API", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "3000")

	return cfg, nil
}

// WebhookValidationEnabled はWebhook署名検証が有効かどうかを返す。
// シークレット未設定の場合は検証がスキップされるため、運用者への警告表示に使う。
func (c *Config) WebhookValidationEnabled() bool {
	return c.UEXWebhookSecret != ""
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
