package driver

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"kiroku/internal/driver/telegram"
)

func TestNewBuiltinRegistryIncludesTelegram(t *testing.T) {
	t.Parallel()

	registry, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("new builtin registry failed: %v", err)
	}

	platform, err := registry.PlatformForType(telegram.DriverType)
	if err != nil {
		t.Fatalf("platform for telegram type failed: %v", err)
	}
	if platform != telegram.DriverPlatform {
		t.Fatalf("platform = %s, want %s", platform, telegram.DriverPlatform)
	}
}

func TestBuiltinTelegramRuntimeProvidesCollaborators(t *testing.T) {
	t.Parallel()

	registry, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("new builtin registry failed: %v", err)
	}

	session := filepath.Join(t.TempDir(), "session.json")
	runtimes, err := registry.BuildEnabled(context.Background(), []Definition{
		{
			Name:    "tg-main",
			Type:    telegram.DriverType,
			Enabled: true,
			Config:  []byte(`{"app_id":1,"app_hash":"hash","session_file":"` + filepath.ToSlash(session) + `"}`),
		},
	}, slog.Default())
	if err != nil {
		t.Fatalf("build enabled failed: %v", err)
	}
	if len(runtimes) != 1 {
		t.Fatalf("runtimes = %d, want 1", len(runtimes))
	}

	runtime := runtimes[0]
	if runtime.Source.ID != "tg-main" || runtime.Source.Platform != telegram.DriverPlatform {
		t.Fatalf("source = %+v", runtime.Source)
	}
	if runtime.SinkDispatcher == nil || runtime.MediaFetcher == nil ||
		runtime.SenderDirectory == nil || runtime.ArchiveLister == nil {
		t.Fatalf("runtime = %+v, want every collaborator", runtime)
	}
}
