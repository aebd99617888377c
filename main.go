// Command ytcomment-notifier watches YouTube videos and emails subscribers
// when a chosen author posts a new comment.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/lmittmann/tint"
	"github.com/valkey-io/valkey-go"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"

	"ytcomment-notifier/config"
	"ytcomment-notifier/email"
	"ytcomment-notifier/lock"
	"ytcomment-notifier/poll"
	"ytcomment-notifier/server"
	"ytcomment-notifier/storage"
	"ytcomment-notifier/youtube"
)

// lockTTL bounds how long a crashed replica can hold a subscription.
const lockTTL = 30 * time.Minute

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		slog.Warn("Failed to load .env file, using OS environment", "error", err)
	}

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ytService, err := ytapi.NewService(ctx, option.WithAPIKey(cfg.YouTubeAPIKey))
	if err != nil {
		return fmt.Errorf("create YouTube service: %w", err)
	}
	burst := max(1, int(cfg.YouTubeQPS))
	client := youtube.NewClient(ytService, rate.NewLimiter(rate.Limit(cfg.YouTubeQPS), burst), logger)
	fetcher := youtube.NewFetcher(client, cfg.FetchTimeout, logger)

	provider := newEmailProvider(ctx, cfg, logger)
	sender := email.New(provider, logger, cfg.BaseURL)

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	monitor := poll.New(fetcher, store, sender, locker, cfg.PollConcurrency, logger)

	if cfg.PollInterval > 0 {
		go monitor.Run(ctx, cfg.PollInterval)
	} else {
		logger.Info("In-process polling disabled, waiting for /pollz triggers")
	}

	srv := server.New(&server.Config{
		Store:   store,
		Tracker: monitor,
		Emailer: sender,
		Poller:  monitor,
		Logger:  logger,
	})
	if err := srv.Serve(ctx, cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func newLogger(format string) *slog.Logger {
	if format == "text" {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.Local() {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.New(nil, "", cfg.LocalStorage, []byte(cfg.Salt), logger), func() {}, nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, cfg.Bucket, "", []byte(cfg.Salt), logger), closeFn, nil
}

// newEmailProvider prefers Brevo, then Gmail, and falls back to logging emails.
func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) email.Provider {
	if cfg.BrevoAPIKey != "" {
		logger.Info("Using Brevo email provider", "from", cfg.MailFrom)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, cfg.MailFromName, logger)
	}

	if cfg.GoogleCredsJSON != "" || os.Getenv("K_SERVICE") != "" {
		svc, err := newGmailService(ctx, cfg.GoogleCredsJSON)
		if err == nil {
			logger.Info("Using Gmail email provider")
			return email.NewGmailProvider(svc, logger)
		}
		logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
	}

	logger.Info("Mock email mode enabled (no BREVO_API_KEY or GOOGLE_CREDENTIALS_JSON)")
	return email.NewMockProvider(logger)
}

func newGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Explicit credentials first; otherwise Application Default Credentials on Cloud Run
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	return gmail.NewService(ctx)
}

func newLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.ValkeyAddr == "" {
		return lock.NewMemory(), func() {}, nil
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:      []string{cfg.ValkeyAddr},
		Password:         cfg.ValkeyPassword,
		ConnWriteTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create valkey client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping valkey: %w", err)
	}

	logger.Info("Using Valkey for cycle locks", "addr", cfg.ValkeyAddr)
	return lock.NewValkey(client, lockTTL, logger), client.Close, nil
}
