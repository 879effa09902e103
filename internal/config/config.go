// Package config provides application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port            string                `env:"PORT" envDefault:"8080"`
	FrontendURL     string                `env:"FRONTEND_URL"`
	DBPath          string                `env:"DB_PATH" envDefault:"./data/rooster.db"`
	OpenAI          OpenAIConfig          `envPrefix:"OPENAI_"`
	Upload          UploadConfig          `envPrefix:"UPLOAD_"`
	SSE             SSEConfig             `envPrefix:"SSE_"`
	RateLimit       RateLimitConfig       `envPrefix:"RATE_LIMIT_"`
	RunLog          RunLogConfig          `envPrefix:"RUN_LOG_"`
	ConversationLog ConversationLogConfig `envPrefix:"CONVERSATION_LOG_"`
	Telegram        TelegramConfig        `envPrefix:"TELEGRAM_"`
}

// OpenAIConfig configures the hosted assistant.
type OpenAIConfig struct {
	APIKey          string `env:"API_KEY"`
	BaseURL         string `env:"BASE_URL"`
	AssistantID     string `env:"ASSISTANT_ID"`
	Model           string `env:"MODEL" envDefault:"gpt-4o"`
	VectorStoreName string `env:"VECTOR_STORE_NAME" envDefault:"resume-rooster-vector-store"`
	// TokenizerModel selects the encoding for upload token estimates.
	TokenizerModel string `env:"TOKENIZER_MODEL" envDefault:"gpt-4o"`
}

// UploadConfig bounds uploaded documents.
type UploadConfig struct {
	MaxBytes     int64         `env:"MAX_BYTES" envDefault:"20971520"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"15s"`
}

// SSEConfig configures streamed responses.
type SSEConfig struct {
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`
}

// RateLimitConfig throttles turn-starting requests per client.
type RateLimitConfig struct {
	RequestsPerWindow int           `env:"REQUESTS" envDefault:"20"`
	WindowDuration    time.Duration `env:"WINDOW" envDefault:"1m"`
}

// RunLogConfig controls run diagnostics.
type RunLogConfig struct {
	Enabled   bool          `env:"ENABLED" envDefault:"true"`
	Retention time.Duration `env:"RETENTION" envDefault:"168h"`
	// Schedule is the cron spec of the retention sweep.
	Schedule string `env:"SCHEDULE" envDefault:"@hourly"`
}

// ConversationLogConfig controls NDJSON transcripts.
type ConversationLogConfig struct {
	Enabled   bool   `env:"ENABLED" envDefault:"true"`
	Dir       string `env:"DIR" envDefault:"./data/logs/conversations"`
	QueueSize int    `env:"QUEUE_SIZE" envDefault:"1000"`
}

// TelegramConfig enables the Telegram front end when Token is set.
type TelegramConfig struct {
	Token string `env:"TOKEN"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
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
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.RunLog.Enabled && c.RunLog.Retention <= 0 {
		return fmt.Errorf("RUN_LOG_RETENTION must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
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

// AllowedOrigins returns the CORS origins for the API.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}
