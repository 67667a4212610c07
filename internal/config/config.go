package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr    string
	StoreMode     string
	DatabaseURL   string
	LogLevel      string
	LogFormat     string
	AdminUsername string
	AdminPassword string
	JWTSecret     string
	ConnectCode   string
	SessionTTL    time.Duration

	// SignalTTL is the validity horizon stamped on every broadcast.
	SignalTTL     time.Duration
	PollBatchSize int
	SweepSpec     string
	StrictFanOut  bool

	WebhookURL     string
	WebhookTimeout time.Duration

	TelegramBotToken string
	TelegramChatID   string
}

func Load() Config {
	return Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":18090"),
		StoreMode:        getEnv("STORE_MODE", "postgres"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "console"),
		AdminUsername:    getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:    getEnv("ADMIN_PASSWORD", "change-me"),
		JWTSecret:        getEnv("JWT_SECRET", "change-this-secret"),
		ConnectCode:      getEnv("TERMINAL_CONNECT_CODE", "COPYHUB-ONE-TIME-CODE"),
		SessionTTL:       getDuration("SESSION_TTL", 24*time.Hour),
		SignalTTL:        getDuration("SIGNAL_TTL", 120*time.Second),
		PollBatchSize:    getInt("POLL_BATCH_SIZE", 10),
		SweepSpec:        getEnv("SWEEP_SPEC", "@every 1m"),
		StrictFanOut:     getBool("STRICT_FAN_OUT", false),
		WebhookURL:       getEnv("EVENT_WEBHOOK_URL", ""),
		WebhookTimeout:   getDuration("EVENT_WEBHOOK_TIMEOUT", 5*time.Second),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
