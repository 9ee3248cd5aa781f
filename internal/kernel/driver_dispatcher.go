package kernel

import (
	"context"
	"fmt"

	"kiroku/pkg/kiroku"
)

type namedInterceptor struct {
	moduleName  string
	interceptor kiroku.MessageInterceptor
	sources     []kiroku.EventSource
}

// newDriverDispatcher creates the dispatcher handed to drivers. New messages
// pass through every registered interceptor before reaching the bus.
func (k *Kernel) newDriverDispatcher() kiroku.EventDispatcher {
	return &interceptingDispatcher{
		base: k.bus,
		interceptors: func() []namedInterceptor {
			k.mu.RLock()
			defer k.mu.RUnlock()

			return append([]namedInterceptor(nil), k.interceptors...)
		},
		reportAsync: k.cfg.onAsyncError,
	}
}

// interceptingDispatcher runs message interceptors synchronously, then publishes.
type interceptingDispatcher struct {
	base         kiroku.EventDispatcher
	interceptors func() []namedInterceptor
	reportAsync  func(context.Context, string, error)
}

// Publish offers message.created events to interceptors and forwards every
// event to the base dispatcher. Interceptor failures never block publication.
func (d *interceptingDispatcher) Publish(ctx context.Context, event *kiroku.Event) error {
	if event == nil {
		return fmt.Errorf("publish intercepting dispatcher: nil event")
	}
	if d.base == nil {
		return fmt.Errorf("publish intercepting dispatcher: nil base dispatcher")
	}

	if event.Kind == kiroku.EventKindMessageCreated && event.Validate() == nil {
		d.intercept(ctx, event)
	}

	if err := d.base.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish source event %s: %w", event.Kind, err)
	}

	return nil
}

func (d *interceptingDispatcher) intercept(ctx context.Context, event *kiroku.Event) {
	if d.interceptors == nil {
		return
	}

	for _, registered := range d.interceptors() {
		if len(registered.sources) > 0 && !(kiroku.InterestSet{Sources: registered.sources}).Matches(event) {
			continue
		}
		scope := "module " + registered.moduleName + " InterceptMessage"
		err := runSafely(scope, func() error {
			return registered.interceptor.InterceptMessage(ctx, event)
		})
		if err != nil && d.reportAsync != nil {
			d.reportAsync(ctx, scope, err)
		}
	}
}
