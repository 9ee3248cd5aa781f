package kiroku

import (
	"errors"
	"fmt"
	"log/slog"
)

const (
	// ServiceLogger is the registry key for the host *slog.Logger.
	ServiceLogger = "logger"
	// ServiceSinkDispatcher is the registry key for outbound messaging.
	ServiceSinkDispatcher = "kiroku.sink_dispatcher"
	// ServiceMediaFetcher is the registry key for message media downloads.
	ServiceMediaFetcher = "kiroku.media_fetcher"
	// ServiceSenderDirectory is the registry key for sender display names.
	ServiceSenderDirectory = "kiroku.sender_directory"
	// ServiceArchiveLister is the registry key for archived conversation listing.
	ServiceArchiveLister = "kiroku.archive_lister"
	// ServiceMetricsRegisterer is the registry key for a prometheus.Registerer.
	ServiceMetricsRegisterer = "kiroku.metrics_registerer"
)

// ServiceRegistry provides runtime dependency injection to modules and drivers.
type ServiceRegistry interface {
	// Register binds a singleton service value to a stable name.
	Register(name string, service any) error
	// Resolve returns a registered service by name.
	Resolve(name string) (any, error)
}

// ResolveAs resolves a service and casts it to the requested type.
func ResolveAs[T any](registry ServiceRegistry, name string) (T, error) {
	var zero T

	service, err := registry.Resolve(name)
	if err != nil {
		return zero, fmt.Errorf("resolve service %s: %w", name, err)
	}

	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("resolve service %s: type assertion failed", name)
	}

	return typed, nil
}

// ResolveOptional resolves a service that may legitimately be absent.
// It returns ok=false without error on a lookup miss.
func ResolveOptional[T any](registry ServiceRegistry, name string) (value T, ok bool, err error) {
	value, err = ResolveAs[T](registry, name)
	if err == nil {
		return value, true, nil
	}
	if errors.Is(err, ErrServiceNotFound) {
		var zero T
		return zero, false, nil
	}

	return value, false, err
}

// ResolveLogger returns the registered logger or slog.Default.
func ResolveLogger(registry ServiceRegistry) (*slog.Logger, error) {
	logger, ok, err := ResolveOptional[*slog.Logger](registry, ServiceLogger)
	if err != nil {
		return nil, err
	}
	if !ok || logger == nil {
		return slog.Default(), nil
	}

	return logger, nil
}
