package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kiroku/pkg/kiroku"
)

const defaultPublishTimeout = 2 * time.Second

// DriverOption mutates Telegram driver configuration.
type DriverOption func(*Driver)

// WithName sets the driver id. Events without a source id are stamped with it.
func WithName(name string) DriverOption {
	return func(d *Driver) {
		if name != "" {
			d.name = name
		}
	}
}

// WithPublishTimeout bounds how long one event may block on the bus.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(d *Driver) {
		if timeout > 0 {
			d.publishTimeout = timeout
		}
	}
}

// WithErrorHandler receives decode and publish failures. Neither stops the driver.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(d *Driver) {
		if handler != nil {
			d.onError = handler
		}
	}
}

// Driver turns one userbot session into a stream of kiroku events.
type Driver struct {
	name           string
	publishTimeout time.Duration
	onError        func(context.Context, error)

	source  UpdateSource
	decoder Decoder
}

// NewDriver creates a Telegram driver.
func NewDriver(source UpdateSource, decoder Decoder, options ...DriverOption) (*Driver, error) {
	if source == nil {
		return nil, fmt.Errorf("new telegram driver: nil source")
	}
	if decoder == nil {
		return nil, fmt.Errorf("new telegram driver: nil decoder")
	}

	driver := &Driver{
		name:           DriverType,
		publishTimeout: defaultPublishTimeout,
		onError:        func(context.Context, error) {},
		source:         source,
		decoder:        decoder,
	}
	for _, option := range options {
		option(driver)
	}

	return driver, nil
}

// Name returns the driver id.
func (d *Driver) Name() string {
	return d.name
}

// Start consumes the session until ctx ends. Cancellation is a clean stop.
func (d *Driver) Start(ctx context.Context, sink kiroku.EventDispatcher) error {
	if sink == nil {
		return fmt.Errorf("start telegram driver: nil sink")
	}

	err := d.source.Consume(ctx, func(updateCtx context.Context, update Update) error {
		event, err := d.decode(updateCtx, update)
		if err != nil {
			d.onError(updateCtx, fmt.Errorf("handle update %s: %w", update.Type, err))
			return nil
		}
		if event == nil {
			return nil
		}
		if err := d.publish(updateCtx, sink, event); err != nil {
			d.onError(updateCtx, fmt.Errorf("handle update %s publish: %w", update.Type, err))
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("start telegram driver: consume updates: %w", err)
	}

	return nil
}

func (d *Driver) publish(ctx context.Context, sink kiroku.EventDispatcher, event *kiroku.Event) error {
	if event.Source.Platform == "" {
		event.Source.Platform = DriverPlatform
	}
	if event.Source.ID == "" {
		event.Source.ID = d.name
	}

	publishCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	return sink.Publish(publishCtx, event)
}

func (d *Driver) decode(ctx context.Context, update Update) (event *kiroku.Event, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			event = nil
			err = fmt.Errorf("decode telegram update %s panic: %v", update.Type, recovered)
		}
	}()

	event, err = d.decoder.Decode(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("decode telegram update %s: %w", update.Type, err)
	}

	return event, nil
}

// Shutdown is a no-op; the session stops with the Start context.
func (d *Driver) Shutdown(_ context.Context) error {
	return nil
}
