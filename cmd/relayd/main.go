package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/promptrelay/internal/channel/email"
	"github.com/knoguchi/promptrelay/internal/channel/telegram"
	"github.com/knoguchi/promptrelay/internal/config"
	"github.com/knoguchi/promptrelay/internal/llm"
	"github.com/knoguchi/promptrelay/internal/logging"
	"github.com/knoguchi/promptrelay/internal/push"
	"github.com/knoguchi/promptrelay/internal/relay"
	"github.com/knoguchi/promptrelay/internal/repository"
	"github.com/knoguchi/promptrelay/internal/repository/memory"
	"github.com/knoguchi/promptrelay/internal/repository/postgres"
	"github.com/knoguchi/promptrelay/internal/scheduler"
	"github.com/knoguchi/promptrelay/internal/server"
	"github.com/knoguchi/promptrelay/internal/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Set up structured logging
	slog.SetDefault(logging.New(os.Stdout, os.Getenv("LOG_LEVEL")))

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting prompt relay",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"provider", cfg.LLMProvider,
	)
	logStartupValidation(logger, cfg)

	// Model registry storage
	repo, ready, closeRepo, err := openModelRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	models := service.NewModelService(repo, service.WithLogger(logger))

	provider, err := llm.NewProvider(ctx, llm.ProviderConfig{
		Name:          cfg.LLMProvider,
		Model:         cfg.DefaultModelID,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		OllamaURL:     cfg.OllamaURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize provider: %w", err)
	}

	current := relay.NewCurrentModel(models, cfg.DefaultModelID, logger)
	if err := current.Seed(ctx); err != nil {
		return err
	}

	hub := push.NewHub(
		push.WithLogger(logger),
		push.WithAllowedOrigins(cfg.AllowedOrigins),
		push.WithWriteTimeout(cfg.PushWriteTimeout),
	)
	publisher := relay.PublisherFunc(func(ctx context.Context, subscriberID string, ev relay.Event) error {
		return hub.Publish(ctx, subscriberID, ev)
	})
	rl := relay.New(provider, current, publisher,
		relay.WithLogger(logger),
		relay.WithStreamTimeout(cfg.StreamTimeout),
	)

	grpcServer := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		Ready:          ready,
		Push:           hub.Handler(),
	}, server.NewAPI(models, rl, hub, logger))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(grpcServer.Start)
	g.Go(httpServer.Start)

	if cfg.Email.Enabled() {
		mailbox := email.NewClient(email.Config{
			Username:       cfg.Email.Username,
			Password:       cfg.Email.Password,
			IMAPHost:       cfg.Email.IMAPHost,
			IMAPPort:       cfg.Email.IMAPPort,
			SMTPHost:       cfg.Email.SMTPHost,
			SMTPPort:       cfg.Email.SMTPPort,
			TriggerSubject: cfg.Email.TriggerSubject,
			MarkAsRead:     cfg.Email.MarkAsRead,
		}, logger)
		adapter := email.NewAdapter(mailbox, rl, cfg.Email.TriggerSubject, logger)
		sched := scheduler.New([]*scheduler.Job{{
			Name:         "email-poll",
			EveryMinutes: cfg.Email.CheckIntervalMinutes,
			Run:          adapter.Poll,
		}}, scheduler.WithLogger(logger))
		g.Go(func() error { return sched.Run(gctx) })
	}

	if cfg.Telegram.Enabled() {
		bot, err := telegram.NewBotClient(cfg.Telegram.BotToken, logger)
		if err != nil {
			// the API and the other channels keep running without the bot
			logger.Error("telegram bot disabled", "error", err)
		} else {
			logger.Info("telegram bot authenticated", "username", bot.Username())
			listener := telegram.NewListener(bot, rl, current, logger,
				telegram.WithAllowedUsers(cfg.Telegram.AllowedUsers),
			)
			g.Go(func() error { return listener.Run(gctx, bot.Updates(gctx)) })
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := grpcServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := rl.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("relay shutdown: %w", err))
		}
		hub.Close()
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("servers stopped")
	return nil
}

// openModelRepository returns the Postgres repository when DATABASE_URL is set and the
// in-memory one otherwise, along with a readiness check and a close function.
func openModelRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.ModelRepository, func(context.Context) error, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory model registry")
		return memory.NewModelStore(memory.SeedModels(time.Now())...), nil, func() {}, nil
	}

	if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	return postgres.NewModelRepo(db), db.Ping, db.Close, nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.ModelRepository = (*postgres.ModelRepo)(nil)
	_ repository.ModelRepository = (*memory.ModelStore)(nil)
	_ server.ModelRegistry       = (*service.ModelService)(nil)
	_ server.Relay               = (*relay.Relay)(nil)
	_ telegram.ModelNamer        = (*relay.CurrentModel)(nil)
)
