package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kiroku/internal/driver"
	"kiroku/internal/kernel"
	"kiroku/internal/namecache"
	"kiroku/pkg/kiroku"
)

const singleDriverJSON = `"drivers":[{"name":"tg-main","type":"telegram","config":{"app_id":1,"app_hash":"hash"}}]`

func writeConfigFile(t *testing.T, path string, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func mustBuiltinRegistry(t *testing.T) *driver.Registry {
	t.Helper()

	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("new builtin registry: %v", err)
	}

	return registry
}

// clearTrackerEnv keeps ambient USERBOT_* variables from leaking into config tests.
func clearTrackerEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{envTrackerTarget, envTrackerEnabled} {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{name: "debug", input: "debug", want: slog.LevelDebug},
		{name: "info", input: "info", want: slog.LevelInfo},
		{name: "warn", input: "warn", want: slog.LevelWarn},
		{name: "warning", input: "warning", want: slog.LevelWarn},
		{name: "error", input: "error", want: slog.LevelError},
		{name: "invalid", input: "trace", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseLogLevel(testCase.input)
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("level = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestParseTrackerTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    kiroku.Peer
		wantErr bool
	}{
		{name: "empty means saved messages", raw: "  ", want: kiroku.Peer{}},
		{name: "me means saved messages", raw: "me", want: kiroku.Peer{}},
		{name: "bare id is a channel", raw: "1234567", want: kiroku.ChannelPeer(1234567)},
		{name: "marked channel id", raw: "-1001234567", want: kiroku.ChannelPeer(1234567)},
		{name: "long marked channel id", raw: "-1001987654321", want: kiroku.ChannelPeer(1987654321)},
		{name: "negative small id is a chat", raw: "-4242", want: kiroku.ChatPeer(4242)},
		{name: "bare channel prefix is rejected", raw: "-100", wantErr: true},
		{name: "channel prefix without id is rejected", raw: "-1000", wantErr: true},
		{name: "zero is rejected", raw: "0", wantErr: true},
		{name: "username is rejected", raw: "@channel", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseTrackerTarget(testCase.raw)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("peer = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("loads all supported fields from config file", func(t *testing.T) {
		clearTrackerEnv(t)
		configPath := filepath.Join(t.TempDir(), "bot.json")
		writeConfigFile(t, configPath, `{
			"log_level":"warn",
			"kernel":{
				"module_hook_timeout":"7s",
				"shutdown_timeout":"15s",
				"subscription_buffer":64,
				"subscription_workers":5
			},
			`+singleDriverJSON+`,
			"tracker":{
				"enabled":true,
				"sink":"tg-main",
				"target":"-1009876",
				"ttl":"12h",
				"sweep_interval":"10m",
				"min_edit_chars":5,
				"name_cache_ttl":"1m"
			},
			"metrics":{"addr":"127.0.0.1:9464"}
		}`)
		t.Setenv(envConfigFile, configPath)

		cfg, err := loadConfig(mustBuiltinRegistry(t))
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}

		if cfg.logLevel != slog.LevelWarn {
			t.Fatalf("log level = %v, want %v", cfg.logLevel, slog.LevelWarn)
		}
		if cfg.moduleHookTimeout != 7*time.Second || cfg.shutdownTimeout != 15*time.Second {
			t.Fatalf("kernel timeouts = %s/%s, want 7s/15s", cfg.moduleHookTimeout, cfg.shutdownTimeout)
		}
		if cfg.subscriptionBuffer != 64 || cfg.subscriptionWorkers != 5 {
			t.Fatalf("subscription = %d/%d, want 64/5", cfg.subscriptionBuffer, cfg.subscriptionWorkers)
		}
		if len(cfg.drivers) != 1 || cfg.drivers[0].Name != "tg-main" || !cfg.drivers[0].Enabled {
			t.Fatalf("drivers = %+v, want enabled tg-main", cfg.drivers)
		}

		want := trackerConfig{
			enabled:       true,
			sink:          "tg-main",
			target:        kiroku.ChannelPeer(9876),
			ttl:           12 * time.Hour,
			sweepInterval: 10 * time.Minute,
			minEditChars:  5,
			nameCacheTTL:  time.Minute,
		}
		if cfg.tracker != want {
			t.Fatalf("tracker = %+v, want %+v", cfg.tracker, want)
		}
		if cfg.metricsAddr != "127.0.0.1:9464" {
			t.Fatalf("metrics addr = %q", cfg.metricsAddr)
		}
	})

	t.Run("defaults tracker settings and derives the sole driver route", func(t *testing.T) {
		clearTrackerEnv(t)
		configPath := filepath.Join(t.TempDir(), "bot.json")
		writeConfigFile(t, configPath, `{`+singleDriverJSON+`}`)
		t.Setenv(envConfigFile, configPath)

		cfg, err := loadConfig(mustBuiltinRegistry(t))
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}
		if cfg.tracker != defaultAppConfig().tracker {
			t.Fatalf("tracker = %+v, want defaults", cfg.tracker)
		}
		if cfg.routingDefault == nil || cfg.routingDefault.Sink == nil || cfg.routingDefault.Sink.ID != "tg-main" {
			t.Fatalf("default route = %+v, want sink tg-main", cfg.routingDefault)
		}
		if cfg.metricsAddr != "" {
			t.Fatalf("metrics addr = %q, want disabled", cfg.metricsAddr)
		}
	})

	t.Run("loads fallback path bin/config/bot.json when no explicit path is set", func(t *testing.T) {
		clearTrackerEnv(t)
		workDir := t.TempDir()
		writeConfigFile(t, filepath.Join(workDir, "bin", "config", "bot.json"), `{`+singleDriverJSON+`}`)
		t.Chdir(workDir)
		t.Setenv(envConfigFile, "")

		cfg, err := loadConfig(mustBuiltinRegistry(t))
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}
		if len(cfg.drivers) != 1 {
			t.Fatalf("drivers = %d, want 1", len(cfg.drivers))
		}
	})

	t.Run("environment overrides tracker target and toggle", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "bot.json")
		writeConfigFile(t, configPath, `{`+singleDriverJSON+`,"tracker":{"target":"111"}}`)
		t.Setenv(envConfigFile, configPath)
		t.Setenv(envTrackerTarget, "222")
		t.Setenv(envTrackerEnabled, "false")

		cfg, err := loadConfig(mustBuiltinRegistry(t))
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}
		if cfg.tracker.target != kiroku.ChannelPeer(222) {
			t.Fatalf("target = %v, want channel 222", cfg.tracker.target)
		}
		if cfg.tracker.enabled {
			t.Fatal("tracker must be disabled by environment")
		}
	})

	t.Run("invalid config values fail", func(t *testing.T) {
		tests := []struct {
			name       string
			fileJSON   string
			env        map[string]string
			wantErrSub string
		}{
			{
				name:       "invalid log level",
				fileJSON:   `{"log_level":"trace",` + singleDriverJSON + `}`,
				wantErrSub: "parse log_level",
			},
			{
				name:       "invalid kernel timeout",
				fileJSON:   `{"kernel":{"module_hook_timeout":"bad"},` + singleDriverJSON + `}`,
				wantErrSub: "parse kernel.module_hook_timeout",
			},
			{
				name:       "non-positive kernel buffer",
				fileJSON:   `{"kernel":{"subscription_buffer":0},` + singleDriverJSON + `}`,
				wantErrSub: "parse kernel.subscription_buffer",
			},
			{
				name:       "negative tracker ttl",
				fileJSON:   `{"tracker":{"ttl":"-1h"},` + singleDriverJSON + `}`,
				wantErrSub: "parse tracker.ttl",
			},
			{
				name:       "non-positive edit threshold",
				fileJSON:   `{"tracker":{"min_edit_chars":0},` + singleDriverJSON + `}`,
				wantErrSub: "parse tracker.min_edit_chars",
			},
			{
				name:       "non-numeric target",
				fileJSON:   `{"tracker":{"target":"@name"},` + singleDriverJSON + `}`,
				wantErrSub: "parse tracker.target",
			},
			{
				name:       "unknown tracker sink",
				fileJSON:   `{"tracker":{"sink":"tg-other"},` + singleDriverJSON + `}`,
				wantErrSub: "tracker.sink: unknown driver id tg-other",
			},
			{
				name:       "unknown routed module",
				fileJSON:   `{"routing":{"modules":{"pingpong":{"sources":[{"id":"tg-main"}],"sink":{"id":"tg-main"}}}},` + singleDriverJSON + `}`,
				wantErrSub: "routing.modules.pingpong: unknown module",
			},
			{
				name:       "no enabled drivers",
				fileJSON:   `{"drivers":[{"name":"tg-main","type":"telegram","enabled":false,"config":{}}]}`,
				wantErrSub: "at least one enabled driver is required",
			},
			{
				name:       "unknown driver type",
				fileJSON:   `{"drivers":[{"name":"x","type":"discord","config":{}}]}`,
				wantErrSub: "drivers[x].type",
			},
			{
				name:       "invalid enabled env",
				fileJSON:   `{` + singleDriverJSON + `}`,
				env:        map[string]string{envTrackerEnabled: "maybe"},
				wantErrSub: "parse " + envTrackerEnabled,
			},
			{
				name:       "invalid target env",
				fileJSON:   `{` + singleDriverJSON + `}`,
				env:        map[string]string{envTrackerTarget: "channel"},
				wantErrSub: "parse " + envTrackerTarget,
			},
		}

		for _, testCase := range tests {
			testCase := testCase
			t.Run(testCase.name, func(t *testing.T) {
				clearTrackerEnv(t)
				for key, value := range testCase.env {
					t.Setenv(key, value)
				}
				configPath := filepath.Join(t.TempDir(), "bot.json")
				writeConfigFile(t, configPath, testCase.fileJSON)
				t.Setenv(envConfigFile, configPath)

				_, err := loadConfig(mustBuiltinRegistry(t))
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), testCase.wantErrSub) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSub)
				}
			})
		}
	})

	t.Run("missing explicit config file fails", func(t *testing.T) {
		t.Setenv(envConfigFile, filepath.Join(t.TempDir(), "missing.json"))
		if _, err := loadConfig(mustBuiltinRegistry(t)); err == nil {
			t.Fatal("expected error for missing config file")
		}
	})
}

func TestLoadDotEnv(t *testing.T) {
	t.Run("missing file is ignored", func(t *testing.T) {
		t.Chdir(t.TempDir())
		if err := loadDotEnv(); err != nil {
			t.Fatalf("load dotenv failed: %v", err)
		}
	})

	t.Run("fills unset variables without overriding set ones", func(t *testing.T) {
		clearTrackerEnv(t)
		workDir := t.TempDir()
		writeConfigFile(t, filepath.Join(workDir, ".env"), envTrackerTarget+"=123\n"+envTrackerEnabled+"=false\n")
		t.Chdir(workDir)
		t.Setenv(envTrackerEnabled, "true")

		if err := loadDotEnv(); err != nil {
			t.Fatalf("load dotenv failed: %v", err)
		}
		if got := os.Getenv(envTrackerTarget); got != "123" {
			t.Fatalf("%s = %q, want 123", envTrackerTarget, got)
		}
		if got := os.Getenv(envTrackerEnabled); got != "true" {
			t.Fatalf("%s = %q, want process value true", envTrackerEnabled, got)
		}
	})
}

func TestRegisterRuntimeServicesWrapsDirectory(t *testing.T) {
	t.Parallel()

	kernelRuntime := kernel.New()
	cfg := defaultAppConfig()
	built := driverRuntime{
		sinkDispatcher: sinkDispatcherStub{},
		collaborators: driver.Collaborators{
			SenderDirectory: directoryStub{},
		},
	}

	if err := registerRuntimeServices(kernelRuntime, slog.Default(), prometheus.NewRegistry(), cfg, built); err != nil {
		t.Fatalf("register services failed: %v", err)
	}

	services := kernelRuntime.Services()
	directory, err := services.Resolve(kiroku.ServiceSenderDirectory)
	if err != nil {
		t.Fatalf("resolve directory: %v", err)
	}
	if _, ok := directory.(*namecache.Cache); !ok {
		t.Fatalf("directory = %T, want *namecache.Cache", directory)
	}
	if _, err := services.Resolve(kiroku.ServiceMetricsRegisterer); err != nil {
		t.Fatalf("resolve metrics registerer: %v", err)
	}
	if _, err := services.Resolve(kiroku.ServiceMediaFetcher); err == nil {
		t.Fatal("media fetcher must stay unregistered when no runtime provides one")
	}
}

func TestRegisterRuntimeModulesHonorsToggle(t *testing.T) {
	t.Parallel()

	cfg := defaultAppConfig()
	cfg.tracker.enabled = false

	if err := registerRuntimeModules(context.Background(), kernel.New(), cfg); err != nil {
		t.Fatalf("disabled tracker must register nothing: %v", err)
	}
}

func TestMetricsServerServesRegistry(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "kiroku_test_total", Help: "test counter"})
	registry.MustRegister(counter)
	counter.Inc()

	server, err := newMetricsServer("127.0.0.1:0", registry, slog.Default())
	if err != nil {
		t.Fatalf("new metrics server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	response, err := http.Get("http://" + server.Addr() + metricsPath)
	if err != nil {
		cancel()
		t.Fatalf("get metrics: %v", err)
	}
	body, err := io.ReadAll(response.Body)
	_ = response.Body.Close()
	if err != nil {
		cancel()
		t.Fatalf("read metrics body: %v", err)
	}
	if !strings.Contains(string(body), "kiroku_test_total 1") {
		cancel()
		t.Fatalf("metrics body missing counter:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

type sinkDispatcherStub struct{}

func (sinkDispatcherStub) SendText(context.Context, kiroku.SendTextRequest) (*kiroku.OutboundMessage, error) {
	return &kiroku.OutboundMessage{ID: 1}, nil
}

func (sinkDispatcherStub) SendMedia(context.Context, kiroku.SendMediaRequest) (*kiroku.OutboundMessage, error) {
	return &kiroku.OutboundMessage{ID: 1}, nil
}

type directoryStub struct{}

func (directoryStub) DisplayName(_ context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", kiroku.ErrPeerNotFound
	}
	return "@user", nil
}
