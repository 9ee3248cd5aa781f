package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"kiroku/internal/driver"
	"kiroku/internal/kernel"
	"kiroku/internal/namecache"
	"kiroku/modules/tracker"
	"kiroku/pkg/kiroku"
)

const (
	envConfigFile             = "KIROKU_CONFIG_FILE"
	defaultConfigFilePath     = "config/bot.json"
	alternateConfigFilePath   = "bin/config/bot.json"
	defaultModuleHookTimeout  = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 2
	defaultTrackerTTL         = 24 * time.Hour
	defaultSweepInterval      = time.Hour
	defaultMinEditChars       = 3
	defaultNameCacheTTL       = time.Hour
)

var runtimeModuleNames = []string{"tracker"}

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int

	drivers        []driver.Definition
	routingDefault *kernel.ModuleRoute
	moduleRoutes   map[string]kernel.ModuleRoute

	tracker     trackerConfig
	metricsAddr string
}

type trackerConfig struct {
	enabled       bool
	sink          string
	target        kiroku.Peer
	ttl           time.Duration
	sweepInterval time.Duration
	minEditChars  int
	nameCacheTTL  time.Duration
}

type fileConfig struct {
	LogLevel string            `json:"log_level"`
	Kernel   fileKernelConfig  `json:"kernel"`
	Drivers  []fileDriverEntry `json:"drivers"`
	Routing  fileRoutingConfig `json:"routing"`
	Tracker  fileTrackerConfig `json:"tracker"`
	Metrics  fileMetricsConfig `json:"metrics"`
}

type fileKernelConfig struct {
	ModuleHookTimeout   string `json:"module_hook_timeout"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
	SubscriptionBuffer  *int   `json:"subscription_buffer"`
	SubscriptionWorkers *int   `json:"subscription_workers"`
}

type fileDriverEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

type fileRoutingConfig struct {
	Default *fileModuleRoute           `json:"default"`
	Modules map[string]fileModuleRoute `json:"modules"`
}

type fileModuleRoute struct {
	Sources []fileSourceRef `json:"sources"`
	Sink    *fileSinkRef    `json:"sink"`
}

type fileSourceRef struct {
	Platform string `json:"platform"`
	ID       string `json:"id"`
}

type fileSinkRef struct {
	Platform string `json:"platform"`
	ID       string `json:"id"`
}

type fileTrackerConfig struct {
	Enabled       *bool  `json:"enabled"`
	Sink          string `json:"sink"`
	Target        string `json:"target"`
	TTL           string `json:"ttl"`
	SweepInterval string `json:"sweep_interval"`
	MinEditChars  *int   `json:"min_edit_chars"`
	NameCacheTTL  string `json:"name_cache_ttl"`
}

type fileMetricsConfig struct {
	Addr string `json:"addr"`
}

func run() error {
	if err := loadDotEnv(); err != nil {
		return err
	}

	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}

	cfg, err := loadConfig(registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	metricsRegistry := newMetricsRegistry()
	kernelRuntime := buildKernelRuntime(logger, cfg, metricsRegistry)

	built, err := buildDriverRuntime(context.Background(), logger, cfg, registry)
	if err != nil {
		return err
	}

	if err := registerRuntimeDrivers(kernelRuntime, built.drivers); err != nil {
		return err
	}
	if err := registerRuntimeServices(kernelRuntime, logger, metricsRegistry, cfg, built); err != nil {
		return err
	}
	if err := registerRuntimeModules(context.Background(), kernelRuntime, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsDone := make(chan error, 1)
	if cfg.metricsAddr != "" {
		server, err := newMetricsServer(cfg.metricsAddr, metricsRegistry, logger)
		if err != nil {
			return err
		}
		go func() {
			metricsDone <- server.Serve(ctx)
		}()
	} else {
		close(metricsDone)
	}

	runErr := kernelRuntime.Run(ctx)
	stop()
	if err := <-metricsDone; err != nil {
		logger.Error("metrics server stopped with error", "error", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run kernel: %w", runErr)
	}

	return nil
}

func loadConfig(registry *driver.Registry) (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath()
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		moduleHookTimeout:   defaultModuleHookTimeout,
		shutdownTimeout:     defaultShutdownTimeout,
		subscriptionBuffer:  defaultSubscriptionBuffer,
		subscriptionWorkers: defaultSubscriptionWorker,

		drivers:      make([]driver.Definition, 0),
		moduleRoutes: make(map[string]kernel.ModuleRoute),

		tracker: trackerConfig{
			enabled:       true,
			ttl:           defaultTrackerTTL,
			sweepInterval: defaultSweepInterval,
			minEditChars:  defaultMinEditChars,
			nameCacheTTL:  defaultNameCacheTTL,
		},
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{field: "kernel.module_hook_timeout", raw: parsed.Kernel.ModuleHookTimeout, dst: &cfg.moduleHookTimeout},
		{field: "kernel.shutdown_timeout", raw: parsed.Kernel.ShutdownTimeout, dst: &cfg.shutdownTimeout},
		{field: "tracker.ttl", raw: parsed.Tracker.TTL, dst: &cfg.tracker.ttl},
		{field: "tracker.sweep_interval", raw: parsed.Tracker.SweepInterval, dst: &cfg.tracker.sweepInterval},
		{field: "tracker.name_cache_ttl", raw: parsed.Tracker.NameCacheTTL, dst: &cfg.tracker.nameCacheTTL},
	}
	for _, duration := range durations {
		if err := parsePositiveDuration(duration.raw, duration.dst); err != nil {
			return fmt.Errorf("parse %s: %w", duration.field, err)
		}
	}

	if parsed.Kernel.SubscriptionBuffer != nil {
		if *parsed.Kernel.SubscriptionBuffer <= 0 {
			return fmt.Errorf("parse kernel.subscription_buffer: must be > 0")
		}
		cfg.subscriptionBuffer = *parsed.Kernel.SubscriptionBuffer
	}
	if parsed.Kernel.SubscriptionWorkers != nil {
		if *parsed.Kernel.SubscriptionWorkers <= 0 {
			return fmt.Errorf("parse kernel.subscription_workers: must be > 0")
		}
		cfg.subscriptionWorkers = *parsed.Kernel.SubscriptionWorkers
	}

	cfg.drivers = make([]driver.Definition, 0, len(parsed.Drivers))
	for index, entry := range parsed.Drivers {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
		if len(entry.Config) == 0 {
			return fmt.Errorf("parse drivers[%d].config: required", index)
		}
	}

	cfg.routingDefault = nil
	if parsed.Routing.Default != nil {
		route, err := parseModuleRoute(*parsed.Routing.Default, "routing.default")
		if err != nil {
			return err
		}
		cfg.routingDefault = &route
	}

	cfg.moduleRoutes = make(map[string]kernel.ModuleRoute, len(parsed.Routing.Modules))
	for moduleName, rawRoute := range parsed.Routing.Modules {
		route, err := parseModuleRoute(rawRoute, fmt.Sprintf("routing.modules.%s", moduleName))
		if err != nil {
			return err
		}
		cfg.moduleRoutes[moduleName] = route
	}

	if parsed.Tracker.Enabled != nil {
		cfg.tracker.enabled = *parsed.Tracker.Enabled
	}
	cfg.tracker.sink = strings.TrimSpace(parsed.Tracker.Sink)
	target, err := parseTrackerTarget(parsed.Tracker.Target)
	if err != nil {
		return fmt.Errorf("parse tracker.target: %w", err)
	}
	cfg.tracker.target = target
	if parsed.Tracker.MinEditChars != nil {
		if *parsed.Tracker.MinEditChars <= 0 {
			return fmt.Errorf("parse tracker.min_edit_chars: must be > 0")
		}
		cfg.tracker.minEditChars = *parsed.Tracker.MinEditChars
	}

	cfg.metricsAddr = strings.TrimSpace(parsed.Metrics.Addr)

	return nil
}

func parsePositiveDuration(raw string, dst *time.Duration) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	value, err := time.ParseDuration(trimmed)
	if err != nil {
		return err
	}
	if value <= 0 {
		return fmt.Errorf("must be > 0")
	}
	*dst = value

	return nil
}

func parseModuleRoute(raw fileModuleRoute, scope string) (kernel.ModuleRoute, error) {
	if len(raw.Sources) == 0 {
		return kernel.ModuleRoute{}, fmt.Errorf("%s.sources is required", scope)
	}
	if raw.Sink == nil {
		return kernel.ModuleRoute{}, fmt.Errorf("%s.sink is required", scope)
	}

	sources := make([]kiroku.EventSource, 0, len(raw.Sources))
	for index, sourceRef := range raw.Sources {
		source := kiroku.EventSource{
			Platform: kiroku.Platform(strings.TrimSpace(sourceRef.Platform)),
			ID:       strings.TrimSpace(sourceRef.ID),
		}
		if source.Platform == "" && source.ID == "" {
			return kernel.ModuleRoute{}, fmt.Errorf("%s.sources[%d]: empty source reference", scope, index)
		}
		sources = append(sources, source)
	}

	sink := kiroku.EventSink{
		Platform: kiroku.Platform(strings.TrimSpace(raw.Sink.Platform)),
		ID:       strings.TrimSpace(raw.Sink.ID),
	}
	if sink.Platform == "" && sink.ID == "" {
		return kernel.ModuleRoute{}, fmt.Errorf("%s.sink: empty sink reference", scope)
	}

	return kernel.ModuleRoute{Sources: sources, Sink: &sink}, nil
}

func validateAppConfig(cfg *appConfig, registry *driver.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil driver registry")
	}

	enabledDrivers := make([]driver.Definition, 0, len(cfg.drivers))
	enabledByName := make(map[string]driver.Definition, len(cfg.drivers))
	for _, definition := range cfg.drivers {
		if definition.Name == "" {
			return fmt.Errorf("drivers[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("drivers[%s].type is required", definition.Name)
		}
		if _, exists := enabledByName[definition.Name]; exists {
			return fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		if !definition.Enabled {
			continue
		}
		if _, err := registry.PlatformForType(definition.Type); err != nil {
			return fmt.Errorf("drivers[%s].type: %w", definition.Name, err)
		}
		enabledDrivers = append(enabledDrivers, definition)
		enabledByName[definition.Name] = definition
	}
	if len(enabledDrivers) == 0 {
		return fmt.Errorf("at least one enabled driver is required")
	}

	knownModules := make(map[string]struct{}, len(runtimeModuleNames))
	for _, moduleName := range runtimeModuleNames {
		knownModules[moduleName] = struct{}{}
	}
	for moduleName := range cfg.moduleRoutes {
		if _, known := knownModules[moduleName]; !known {
			return fmt.Errorf("routing.modules.%s: unknown module", moduleName)
		}
	}

	for moduleName, route := range cfg.moduleRoutes {
		if err := validateRouteRefs(route, enabledByName, fmt.Sprintf("routing.modules.%s", moduleName)); err != nil {
			return err
		}
	}
	if cfg.routingDefault != nil {
		if err := validateRouteRefs(*cfg.routingDefault, enabledByName, "routing.default"); err != nil {
			return err
		}
	}
	if cfg.tracker.sink != "" {
		if _, exists := enabledByName[cfg.tracker.sink]; !exists {
			return fmt.Errorf("tracker.sink: unknown driver id %s", cfg.tracker.sink)
		}
	}

	if len(enabledDrivers) == 1 && cfg.routingDefault == nil {
		sole := enabledDrivers[0]
		platform, err := registry.PlatformForType(sole.Type)
		if err != nil {
			return fmt.Errorf("derive default route from driver %s: %w", sole.Name, err)
		}
		cfg.routingDefault = &kernel.ModuleRoute{
			Sources: []kiroku.EventSource{{Platform: platform, ID: sole.Name}},
			Sink:    &kiroku.EventSink{Platform: platform, ID: sole.Name},
		}
	}

	if len(enabledDrivers) >= 2 && cfg.routingDefault == nil {
		for _, moduleName := range runtimeModuleNames {
			if _, exists := cfg.moduleRoutes[moduleName]; !exists {
				return fmt.Errorf("routing.default is required in multi-driver mode unless all modules override")
			}
		}
	}

	return nil
}

func validateRouteRefs(
	route kernel.ModuleRoute,
	enabledByName map[string]driver.Definition,
	scope string,
) error {
	for index, source := range route.Sources {
		if source.ID != "" {
			if _, exists := enabledByName[source.ID]; !exists {
				return fmt.Errorf("%s.sources[%d]: unknown driver id %s", scope, index, source.ID)
			}
		}
	}
	if route.Sink != nil && route.Sink.ID != "" {
		if _, exists := enabledByName[route.Sink.ID]; !exists {
			return fmt.Errorf("%s.sink: unknown driver id %s", scope, route.Sink.ID)
		}
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func newMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

func buildKernelRuntime(logger *slog.Logger, cfg appConfig, registerer prometheus.Registerer) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
		kernel.WithModuleRouting(cfg.routingDefault, cfg.moduleRoutes),
		kernel.WithMetricsRegisterer(registerer),
	)
}

type driverRuntime struct {
	drivers        []kiroku.Driver
	sinkDispatcher kiroku.SinkDispatcher
	collaborators  driver.Collaborators
}

func buildDriverRuntime(
	ctx context.Context,
	logger *slog.Logger,
	cfg appConfig,
	registry *driver.Registry,
) (driverRuntime, error) {
	if registry == nil {
		return driverRuntime{}, fmt.Errorf("build drivers: nil driver registry")
	}

	runtimes, err := registry.BuildEnabled(ctx, cfg.drivers, logger)
	if err != nil {
		return driverRuntime{}, fmt.Errorf("build drivers: %w", err)
	}

	drivers := make([]kiroku.Driver, 0, len(runtimes))
	for _, runtime := range runtimes {
		drivers = append(drivers, runtime.Driver)
	}

	dispatcher, err := driver.NewCompositeSinkDispatcher(runtimes)
	if err != nil {
		return driverRuntime{}, fmt.Errorf("build sink dispatcher: %w", err)
	}

	return driverRuntime{
		drivers:        drivers,
		sinkDispatcher: dispatcher,
		collaborators:  driver.NewCollaborators(runtimes),
	}, nil
}

func registerRuntimeServices(
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	registerer prometheus.Registerer,
	cfg appConfig,
	built driverRuntime,
) error {
	if err := kernelRuntime.RegisterService(kiroku.ServiceLogger, logger); err != nil {
		return fmt.Errorf("register logger service: %w", err)
	}
	if registerer != nil {
		if err := kernelRuntime.RegisterService(kiroku.ServiceMetricsRegisterer, registerer); err != nil {
			return fmt.Errorf("register metrics registerer service: %w", err)
		}
	}
	if built.sinkDispatcher == nil {
		return fmt.Errorf("register sink dispatcher service: nil dispatcher")
	}
	if err := kernelRuntime.RegisterService(kiroku.ServiceSinkDispatcher, built.sinkDispatcher); err != nil {
		return fmt.Errorf("register sink dispatcher service: %w", err)
	}

	collaborators := built.collaborators
	if collaborators.MediaFetcher != nil {
		if err := kernelRuntime.RegisterService(kiroku.ServiceMediaFetcher, collaborators.MediaFetcher); err != nil {
			return fmt.Errorf("register media fetcher service: %w", err)
		}
	}
	if collaborators.SenderDirectory != nil {
		directory := namecache.New(collaborators.SenderDirectory, namecache.WithTTL(cfg.tracker.nameCacheTTL))
		if err := kernelRuntime.RegisterService(kiroku.ServiceSenderDirectory, directory); err != nil {
			return fmt.Errorf("register sender directory service: %w", err)
		}
	}
	if collaborators.ArchiveLister != nil {
		if err := kernelRuntime.RegisterService(kiroku.ServiceArchiveLister, collaborators.ArchiveLister); err != nil {
			return fmt.Errorf("register archive lister service: %w", err)
		}
	}

	return nil
}

func trackerOptions(cfg trackerConfig) []tracker.Option {
	target := kiroku.OutboundTarget{Peer: cfg.target}
	if cfg.sink != "" {
		target.Sink = &kiroku.EventSink{ID: cfg.sink}
	}

	return []tracker.Option{
		tracker.WithTTL(cfg.ttl),
		tracker.WithSweepInterval(cfg.sweepInterval),
		tracker.WithMinEditChars(cfg.minEditChars),
		tracker.WithTarget(target),
	}
}

func registerRuntimeModules(ctx context.Context, kernelRuntime *kernel.Kernel, cfg appConfig) error {
	if !cfg.tracker.enabled {
		return nil
	}

	trackerModule := tracker.New(trackerOptions(cfg.tracker)...)
	if err := kernelRuntime.RegisterModule(ctx, trackerModule); err != nil {
		return fmt.Errorf("register tracker module: %w", err)
	}

	return nil
}

func registerRuntimeDrivers(kernelRuntime *kernel.Kernel, drivers []kiroku.Driver) error {
	for _, runtimeDriver := range drivers {
		if err := kernelRuntime.RegisterDriver(runtimeDriver); err != nil {
			return fmt.Errorf("register driver %s: %w", runtimeDriver.Name(), err)
		}
	}

	return nil
}
