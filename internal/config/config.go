// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	FrontendURL   string
	DBPath        string
	QuestTTL      time.Duration
	Pacing        PacingConfig
	Extract       ExtractConfig
	TranscriptLog TranscriptLogConfig
}

// PacingConfig controls the conversation rhythm of guided quests.
type PacingConfig struct {
	TypingInterval time.Duration // per-character reveal tick
	DispatchPause  time.Duration // extra pause after each message
	SettleDelay    time.Duration // pause after the arrival confirmation
}

// ExtractConfig points at the remote OCR/list-conversion service.
type ExtractConfig struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
}

// TranscriptLogConfig controls NDJSON quest transcript logging.
type TranscriptLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/shopquest.db"),
		QuestTTL:    time.Duration(getEnvInt("QUEST_SESSION_TTL_MIN", 60)) * time.Minute,
		Pacing: PacingConfig{
			TypingInterval: time.Duration(getEnvInt("QUEST_TYPING_INTERVAL_MS", 50)) * time.Millisecond,
			DispatchPause:  time.Duration(getEnvInt("QUEST_DISPATCH_PAUSE_MS", 500)) * time.Millisecond,
			SettleDelay:    time.Duration(getEnvInt("QUEST_SETTLE_DELAY_MS", 1000)) * time.Millisecond,
		},
		Extract: ExtractConfig{
			APIURL:  getEnv("EXTRACT_API_URL", ""),
			APIKey:  getEnv("EXTRACT_API_KEY", ""),
			Timeout: time.Duration(getEnvInt("EXTRACT_TIMEOUT_SEC", 30)) * time.Second,
		},
		TranscriptLog: TranscriptLogConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			QueueSize: queueSize,
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.QuestTTL <= 0 {
		return fmt.Errorf("QUEST_SESSION_TTL_MIN must be > 0")
	}
	if c.Pacing.TypingInterval <= 0 {
		return fmt.Errorf("QUEST_TYPING_INTERVAL_MS must be > 0")
	}
	if c.Pacing.DispatchPause < 0 {
		return fmt.Errorf("QUEST_DISPATCH_PAUSE_MS must be >= 0")
	}
	if c.Pacing.SettleDelay < 0 {
		return fmt.Errorf("QUEST_SETTLE_DELAY_MS must be >= 0")
	}
	if c.TranscriptLog.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	if c.TranscriptLog.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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
