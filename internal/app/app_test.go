package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/atmx/spread-market/internal/account"
	"github.com/atmx/spread-market/internal/config"
	"github.com/atmx/spread-market/internal/store"
)

func TestOpen_InMemory(t *testing.T) {
	cfg := config.Defaults()
	a, err := Open(context.Background(), &cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, ok := a.Store.(*store.MemoryStore); !ok {
		t.Fatalf("expected in-memory store, got %T", a.Store)
	}
	if _, err := a.Ctl.Accounts().Register(context.Background(), account.Registration{
		ID: "admin", Username: "admin", IsAdmin: true, IsVerified: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := a.Ctl.Accounts().RequireAdmin(context.Background(), "admin"); err != nil {
		t.Errorf("registered admin rejected: %v", err)
	}
}

func TestOpen_BadArchiveConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Archive.Bucket = "reports"
	cfg.Archive.Region = ""
	if _, err := Open(context.Background(), &cfg, slog.Default()); err == nil {
		t.Fatal("expected error for archive bucket without region")
	}
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	if !NewLogger("debug").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug logger should enable debug")
	}
	if NewLogger("warn").Enabled(ctx, slog.LevelInfo) {
		t.Error("warn logger should not enable info")
	}
	if !NewLogger("bogus").Enabled(ctx, slog.LevelInfo) {
		t.Error("unknown level should fall back to info")
	}
}
