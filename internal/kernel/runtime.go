package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"kiroku/pkg/kiroku"
)

// moduleRecord stores module metadata and subscriptions managed by the kernel.
type moduleRecord struct {
	name          string
	module        kiroku.Module
	capabilities  []kiroku.Capability
	subscriptions []kiroku.Subscription
	subMu         sync.Mutex
}

func (m *moduleRecord) addSubscription(subscription kiroku.Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscriptions = append(m.subscriptions, subscription)
}

// closeSubscriptions closes all tracked subscriptions and aggregates close errors.
// Repeated calls are no-ops.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.subMu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.subMu.Unlock()

	var closeErr error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return closeErr
}

// moduleRuntime is the kernel-owned implementation of kiroku.ModuleRuntime.
type moduleRuntime struct {
	moduleName    string
	serviceLookup kiroku.ServiceRegistry
	bus           kiroku.EventBus
	record        *moduleRecord
	defaultSink   *kiroku.EventSink
}

// Services returns the kernel service registry as seen by this module.
// The sink dispatcher is wrapped so requests without a sink use the module route.
func (r *moduleRuntime) Services() kiroku.ServiceRegistry {
	return moduleServiceRegistry{
		base:        r.serviceLookup,
		defaultSink: cloneSinkRef(r.defaultSink),
	}
}

// Subscribe registers a module-owned subscription after capability checks.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest kiroku.InterestSet,
	spec kiroku.SubscriptionSpec,
	handler kiroku.EventHandler,
) (kiroku.Subscription, error) {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("%s-subscription", r.moduleName)
	}
	if err := assertSubscriptionAllowed(r.record.capabilities, spec.Name, interest); err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}

	r.record.addSubscription(subscription)

	return subscription, nil
}

// assertSubscriptionAllowed enforces capability negotiation at registration time.
func assertSubscriptionAllowed(
	capabilities []kiroku.Capability,
	subscriptionName string,
	interest kiroku.InterestSet,
) error {
	if len(capabilities) == 0 {
		return fmt.Errorf("subscription %s requires at least one declared capability", subscriptionName)
	}

	for _, capability := range capabilities {
		if capability.Interest.Allows(interest) {
			return nil
		}
	}

	return fmt.Errorf("subscription does not match declared module capabilities")
}

type moduleServiceRegistry struct {
	base        kiroku.ServiceRegistry
	defaultSink *kiroku.EventSink
}

func (r moduleServiceRegistry) Register(name string, service any) error {
	if err := r.base.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

func (r moduleServiceRegistry) Resolve(name string) (any, error) {
	service, err := r.base.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("resolve service %s: %w", name, err)
	}
	if name != kiroku.ServiceSinkDispatcher || r.defaultSink == nil {
		return service, nil
	}
	dispatcher, ok := service.(kiroku.SinkDispatcher)
	if !ok {
		return nil, fmt.Errorf("resolve service %s: type assertion failed", name)
	}

	return routedSinkDispatcher{
		base:        dispatcher,
		defaultSink: cloneSinkRef(r.defaultSink),
	}, nil
}

// routedSinkDispatcher fills a missing request sink with the module route default.
type routedSinkDispatcher struct {
	base        kiroku.SinkDispatcher
	defaultSink *kiroku.EventSink
}

func (d routedSinkDispatcher) SendText(
	ctx context.Context,
	request kiroku.SendTextRequest,
) (*kiroku.OutboundMessage, error) {
	request.Target = withDefaultSink(request.Target, d.defaultSink)
	message, err := d.base.SendText(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("send text with module sink routing: %w", err)
	}

	return message, nil
}

func (d routedSinkDispatcher) SendMedia(
	ctx context.Context,
	request kiroku.SendMediaRequest,
) (*kiroku.OutboundMessage, error) {
	request.Target = withDefaultSink(request.Target, d.defaultSink)
	message, err := d.base.SendMedia(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("send media with module sink routing: %w", err)
	}

	return message, nil
}

func withDefaultSink(target kiroku.OutboundTarget, defaultSink *kiroku.EventSink) kiroku.OutboundTarget {
	if target.Sink != nil || defaultSink == nil {
		return target
	}
	target.Sink = cloneSinkRef(defaultSink)

	return target
}

func cloneSinkRef(sink *kiroku.EventSink) *kiroku.EventSink {
	if sink == nil {
		return nil
	}
	cloned := *sink

	return &cloned
}
