// Package config loads configuration from environment variables and .env files.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// telegramTokenPlaceholder is the value shipped in sample configs; it never authenticates.
const telegramTokenPlaceholder = "YOUR_BOT_TOKEN_HERE"

// Config holds all configuration for the relay service
type Config struct {
	// Server
	GRPCPort         int           `env:"GRPC_PORT" envDefault:"9090"`
	HTTPPort         int           `env:"HTTP_PORT" envDefault:"8080"`
	Environment      string        `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigins   []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	StreamTimeout    time.Duration `env:"STREAM_TIMEOUT" envDefault:"5m"`
	PushWriteTimeout time.Duration `env:"PUSH_WRITE_TIMEOUT" envDefault:"10s"`

	// PostgreSQL. Empty selects the in-memory model store.
	DatabaseURL string `env:"DATABASE_URL"`

	// Provider
	LLMProvider    string `env:"LLM_PROVIDER" envDefault:"gemini"`
	DefaultModelID string `env:"DEFAULT_MODEL_ID" envDefault:"gemini-2.0-flash"`
	GeminiAPIKey   string `env:"GEMINI_API_KEY"`
	OllamaURL      string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OpenAIAPIKey   string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string `env:"OPENAI_BASE_URL"`

	Email    EmailConfig
	Telegram TelegramConfig
}

// EmailConfig holds mailbox credentials and polling behaviour
type EmailConfig struct {
	Username             string `env:"EMAIL_USERNAME"`
	Password             string `env:"EMAIL_PASSWORD"`
	IMAPHost             string `env:"EMAIL_IMAP_HOST" envDefault:"imap.gmail.com"`
	IMAPPort             int    `env:"EMAIL_IMAP_PORT" envDefault:"993"`
	SMTPHost             string `env:"EMAIL_SMTP_HOST" envDefault:"smtp.gmail.com"`
	SMTPPort             int    `env:"EMAIL_SMTP_PORT" envDefault:"587"`
	TriggerSubject       string `env:"EMAIL_TRIGGER_SUBJECT" envDefault:"AI Request"`
	CheckIntervalMinutes int    `env:"EMAIL_CHECK_INTERVAL_MINUTES" envDefault:"1"`
	MarkAsRead           bool   `env:"EMAIL_MARK_AS_READ" envDefault:"true"`
}

// Enabled reports whether mailbox credentials are present
func (c EmailConfig) Enabled() bool {
	return c.Username != "" && c.Password != ""
}

// TelegramConfig holds the bot token and the optional user whitelist
type TelegramConfig struct {
	BotToken     string  `env:"TELEGRAM_BOT_TOKEN"`
	AllowedUsers []int64 `env:"TELEGRAM_ALLOWED_USERS" envSeparator:","`
}

// Enabled reports whether a usable bot token is configured
func (c TelegramConfig) Enabled() bool {
	return c.BotToken != "" && c.BotToken != telegramTokenPlaceholder
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
