package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kiroku/pkg/kiroku"
)

const handlerTimeout = 2 * time.Minute

// Module runs a Tracker inside the kernel. New messages reach it through
// the message interceptor hook; edits, deletions and read markers arrive on
// a single-worker subscription so they are handled in order.
type Module struct {
	options []Option
	cfg     config
	tracker *Tracker

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

var (
	_ kiroku.Module             = (*Module)(nil)
	_ kiroku.ModuleRegistrar    = (*Module)(nil)
	_ kiroku.MessageInterceptor = (*Module)(nil)
)

// New creates a tracker module. The tracker itself is built in OnRegister,
// once services can be resolved.
func New(options ...Option) *Module {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Module{options: options, cfg: cfg}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "tracker"
}

// Spec declares the tracker observer subscription.
func (m *Module) Spec() kiroku.ModuleSpec {
	return kiroku.ModuleSpec{
		Handlers: []kiroku.ModuleHandler{
			{
				Capability: kiroku.Capability{
					Name:        "tracker-observer",
					Description: "reports unread messages that are deleted or edited",
					Interest: kiroku.InterestSet{
						Kinds: []kiroku.EventKind{
							kiroku.EventKindMessageEdited,
							kiroku.EventKindMessageRetracted,
							kiroku.EventKindReadAdvanced,
						},
					},
					RequiredServices: []string{kiroku.ServiceSinkDispatcher},
				},
				Subscription: kiroku.SubscriptionSpec{
					Name:           "tracker-observer",
					Buffer:         defaultHandlerBuffer,
					Workers:        1,
					HandlerTimeout: handlerTimeout,
					Backpressure:   kiroku.BackpressureBlock,
				},
				Handler: m.handleEvent,
			},
		},
	}
}

// OnRegister resolves collaborators and builds the tracker.
func (m *Module) OnRegister(_ context.Context, runtime kiroku.ModuleRuntime) error {
	services := runtime.Services()

	options := append([]Option(nil), m.options...)
	if m.cfg.logger == nil {
		logger, err := kiroku.ResolveLogger(services)
		if err != nil {
			return fmt.Errorf("tracker resolve logger: %w", err)
		}
		options = append(options, WithLogger(logger))
	}
	if m.cfg.registerer == nil {
		registerer, ok, err := kiroku.ResolveOptional[prometheus.Registerer](services, kiroku.ServiceMetricsRegisterer)
		if err != nil {
			return fmt.Errorf("tracker resolve metrics registerer: %w", err)
		}
		if ok {
			options = append(options, WithMetricsRegisterer(registerer))
		}
	}

	dispatcher, err := kiroku.ResolveAs[kiroku.SinkDispatcher](services, kiroku.ServiceSinkDispatcher)
	if err != nil {
		return fmt.Errorf("tracker resolve sink dispatcher: %w", err)
	}
	fetcher, _, err := kiroku.ResolveOptional[kiroku.MediaFetcher](services, kiroku.ServiceMediaFetcher)
	if err != nil {
		return fmt.Errorf("tracker resolve media fetcher: %w", err)
	}
	directory, _, err := kiroku.ResolveOptional[kiroku.SenderDirectory](services, kiroku.ServiceSenderDirectory)
	if err != nil {
		return fmt.Errorf("tracker resolve sender directory: %w", err)
	}
	archive, _, err := kiroku.ResolveOptional[kiroku.ArchiveLister](services, kiroku.ServiceArchiveLister)
	if err != nil {
		return fmt.Errorf("tracker resolve archive lister: %w", err)
	}

	tracker, err := NewTracker(Dependencies{
		Dispatcher: dispatcher,
		Fetcher:    fetcher,
		Directory:  directory,
		Archive:    archive,
	}, options...)
	if err != nil {
		return fmt.Errorf("tracker register: %w", err)
	}
	m.tracker = tracker

	return nil
}

// OnStart launches the sweep loop. The first archive refresh runs in the
// background so a slow dialog listing does not delay startup.
func (m *Module) OnStart(ctx context.Context) error {
	if m.tracker == nil {
		return fmt.Errorf("tracker start: module not registered")
	}

	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loopCancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.loopCancel = cancel
	m.loopDone = make(chan struct{})
	go m.maintain(loopCtx, m.loopDone)

	m.tracker.logger.InfoContext(ctx,
		"tracker module started",
		"module", m.Name(),
		"ttl", m.cfg.ttl,
		"sweep_interval", m.cfg.sweepInterval,
		"min_edit_chars", m.cfg.minEditChars,
		"target", m.cfg.target.Peer.String(),
	)

	return nil
}

// OnShutdown stops the sweep loop and waits for background work.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.loopMu.Lock()
	cancel, done := m.loopCancel, m.loopDone
	m.loopCancel, m.loopDone = nil, nil
	m.loopMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("tracker shutdown: %w", ctx.Err())
		}
	}
	if m.tracker == nil {
		return nil
	}
	if err := m.tracker.Close(ctx); err != nil {
		return fmt.Errorf("tracker shutdown: %w", err)
	}

	return nil
}

// InterceptMessage caches every new message before it is published.
func (m *Module) InterceptMessage(ctx context.Context, event *kiroku.Event) error {
	if m.tracker == nil {
		return nil
	}

	return m.tracker.CacheMessage(ctx, event)
}

// Tracker returns the tracker built during registration.
func (m *Module) Tracker() *Tracker {
	return m.tracker
}

func (m *Module) handleEvent(ctx context.Context, event *kiroku.Event) error {
	if m.tracker == nil {
		return fmt.Errorf("tracker handle event: module not registered")
	}
	if err := kiroku.Consume(ctx, m.tracker, event); err != nil {
		return fmt.Errorf("tracker handle event: %w", err)
	}

	return nil
}

// maintain refreshes the archived set once, then sweeps and refreshes on
// every tick until ctx ends.
func (m *Module) maintain(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	m.refreshArchive(ctx)

	ticker := time.NewTicker(m.cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tracker.Sweep(ctx, m.cfg.clock())
			m.refreshArchive(ctx)
		}
	}
}

func (m *Module) refreshArchive(ctx context.Context) {
	if err := m.tracker.RefreshArchive(ctx); err != nil && ctx.Err() == nil {
		m.tracker.logger.WarnContext(ctx, "tracker archive refresh failed", "error", err)
	}
}
