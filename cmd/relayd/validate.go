package main

import (
	"log/slog"
	"strings"

	"github.com/knoguchi/promptrelay/internal/config"
)

// logStartupValidation reports which credentials are configured without logging their values.
func logStartupValidation(logger *slog.Logger, cfg *config.Config) {
	logger = logger.With("component", "startup")

	switch strings.ToLower(cfg.LLMProvider) {
	case "", "gemini":
		if cfg.GeminiAPIKey == "" {
			logger.Error("GEMINI_API_KEY is not configured")
		} else {
			logger.Info("Gemini API key configured")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
			logger.Warn("OPENAI_API_KEY is not configured")
		}
	}

	switch {
	case cfg.Telegram.BotToken == "":
		logger.Warn("Telegram bot token not configured, bot disabled")
	case !cfg.Telegram.Enabled():
		logger.Warn("Telegram bot token is still the placeholder value, bot disabled")
	default:
		logger.Info("Telegram bot token configured", "allowed_users", len(cfg.Telegram.AllowedUsers))
	}

	if cfg.Email.Enabled() {
		logger.Info("email channel configured",
			"imap_host", cfg.Email.IMAPHost,
			"trigger_subject", cfg.Email.TriggerSubject,
			"check_interval_minutes", cfg.Email.CheckIntervalMinutes,
		)
	} else {
		logger.Warn("email credentials not configured, email channel disabled")
	}
}
