package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"ytcomment-notifier/config"
	"ytcomment-notifier/email"
	"ytcomment-notifier/lock"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewEmailProvider(t *testing.T) {
	t.Setenv("K_SERVICE", "")
	ctx := context.Background()

	if _, ok := newEmailProvider(ctx, &config.Config{}, quietLogger()).(*email.MockProvider); !ok {
		t.Error("no credentials should select the mock provider")
	}

	cfg := &config.Config{BrevoAPIKey: "key", MailFrom: "from@example.com"}
	if _, ok := newEmailProvider(ctx, cfg, quietLogger()).(*email.BrevoProvider); !ok {
		t.Error("BREVO_API_KEY should select the Brevo provider")
	}
}

func TestNewLockerDefaultsToMemory(t *testing.T) {
	locker, closeFn, err := newLocker(context.Background(), &config.Config{}, quietLogger())
	if err != nil {
		t.Fatalf("newLocker() error = %v", err)
	}
	defer closeFn()
	if _, ok := locker.(*lock.Memory); !ok {
		t.Errorf("newLocker() = %T, want *lock.Memory", locker)
	}
}

func TestNewStoreLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	cfg := &config.Config{LocalStorage: dir, Salt: "salt"}

	store, closeFn, err := newStore(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	defer closeFn()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("storage directory not created: %v", err)
	}
	if store.TokenFromEmail("a@example.com") == "" {
		t.Error("store should derive tokens")
	}
}
