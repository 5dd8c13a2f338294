// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCHealthPort string
	FrontendURL    string

	Store           StoreConfig
	Coze            CozeConfig
	Auth            AuthConfig
	SweepSchedule   string
	ConversationLog ConversationLogConfig
}

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	Driver   string
	RedisURL string
	DBPath   string
	Prefix   string
}

// CozeConfig holds upstream credentials and turn limits.
type CozeConfig struct {
	BaseURL            string
	Token              string
	BotID              string
	Timeout            time.Duration
	PollInterval       time.Duration
	SessionExpire      time.Duration
	ResultExpire       time.Duration
	TurnDeadline       time.Duration
	MaxMessageLength   int
	MaxSessionsPerUser int
}

// AuthConfig controls caller verification.
type AuthConfig struct {
	Enabled      bool
	HTTPScheme   string
	AllowedHosts []string
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "6000"),
		GRPCHealthPort: getEnv("GRPC_HEALTH_PORT", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		Store: StoreConfig{
			Driver:   strings.ToLower(getEnv("STORE_DRIVER", DriverRedis)),
			RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
			DBPath:   getEnv("DB_PATH", "./data/cozegate.db"),
			Prefix:   getEnv("COZE_REDIS_PREFIX", "coze:"),
		},
		Coze: CozeConfig{
			BaseURL:            getEnv("COZE_BASE_URL", "https://api.coze.cn"),
			Token:              cozeToken(),
			BotID:              getEnv("COZE_BOT_ID", ""),
			Timeout:            getEnvSeconds("COZE_TIMEOUT", 30*time.Second),
			PollInterval:       getEnvSeconds("COZE_POLL_INTERVAL", time.Second),
			SessionExpire:      getEnvSeconds("COZE_SESSION_EXPIRE", time.Hour),
			ResultExpire:       getEnvSeconds("COZE_RESULT_EXPIRE", 30*time.Minute),
			TurnDeadline:       getEnvSeconds("COZE_TURN_DEADLINE", 5*time.Minute),
			MaxMessageLength:   getEnvInt("COZE_MAX_MESSAGE_LENGTH", 4000),
			MaxSessionsPerUser: getEnvInt("COZE_MAX_SESSIONS_PER_USER", 10),
		},
		Auth: AuthConfig{
			Enabled:      getEnvBool("ENABLE_AUTH", true),
			HTTPScheme:   getEnv("HTTP_SCHEME", "https://"),
			AllowedHosts: getEnvList("AUTH_ALLOWED_HOSTS", []string{"alchemy-studio.cn", "moicen.com", "huiwings.cn", "localhost"}),
		},
		SweepSchedule: getEnv("SWEEP_SCHEDULE", "@every 5m"),
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Driver {
	case DriverRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty")
		}
	case DriverSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverRedis, DriverSQLite, c.Store.Driver)
	}
	if c.Coze.Token == "" {
		return fmt.Errorf("COZE_API_TOKEN or COZE_AUTHORIZATION is required")
	}
	if c.Coze.BotID == "" {
		return fmt.Errorf("COZE_BOT_ID is required")
	}
	if c.Coze.Timeout <= 0 {
		return fmt.Errorf("COZE_TIMEOUT must be > 0")
	}
	if c.Coze.PollInterval <= 0 {
		return fmt.Errorf("COZE_POLL_INTERVAL must be > 0")
	}
	if c.Coze.SessionExpire <= 0 || c.Coze.ResultExpire <= 0 || c.Coze.TurnDeadline <= 0 {
		return fmt.Errorf("COZE_SESSION_EXPIRE, COZE_RESULT_EXPIRE and COZE_TURN_DEADLINE must be > 0")
	}
	if c.Coze.MaxMessageLength <= 0 {
		return fmt.Errorf("COZE_MAX_MESSAGE_LENGTH must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.AllowedHosts) == 0 {
		return fmt.Errorf("AUTH_ALLOWED_HOSTS cannot be empty when ENABLE_AUTH is set")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// cozeToken prefers COZE_AUTHORIZATION, which may already carry the
// "Bearer " prefix, over COZE_API_TOKEN.
func cozeToken() string {
	if auth := strings.TrimSpace(getEnv("COZE_AUTHORIZATION", "")); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return strings.TrimSpace(getEnv("COZE_API_TOKEN", ""))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvSeconds accepts a plain number of seconds ("1.5") or a Go duration
// ("90s").
func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
