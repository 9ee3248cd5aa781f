package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"kiroku/pkg/kiroku"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestRegisterModuleDependencyValidation verifies capability-required service validation.
func TestRegisterModuleDependencyValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		registerLogger bool
		wantErr        bool
	}{
		{
			name:           "missing required service fails",
			registerLogger: false,
			wantErr:        true,
		},
		{
			name:           "present required service succeeds",
			registerLogger: true,
			wantErr:        false,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			if testCase.registerLogger {
				if err := kernelRuntime.RegisterService("logger", struct{}{}); err != nil {
					t.Fatalf("register logger service failed: %v", err)
				}
			}

			module := &stubModule{
				name: "cap-module",
				spec: kiroku.ModuleSpec{
					AdditionalCapabilities: []kiroku.Capability{
						{Name: "needs-logger", RequiredServices: []string{"logger"}},
					},
				},
			}
			err := kernelRuntime.RegisterModule(context.Background(), module)
			if testCase.wantErr && err == nil {
				t.Fatal("expected module registration error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected module registration error: %v", err)
			}
		})
	}
}

// TestKernelRunCallsModuleLifecycle verifies lifecycle hook execution during run/shutdown.
func TestKernelRunCallsModuleLifecycle(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	if err := kernelRuntime.RegisterService("logger", struct{}{}); err != nil {
		t.Fatalf("register service failed: %v", err)
	}

	module := &stubModule{name: "lifecycle"}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	driver := &stubDriver{name: "stub-driver"}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- kernelRuntime.Run(runCtx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("kernel run failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("kernel run did not exit")
	}

	if module.registered.Load() == 0 {
		t.Fatal("module OnRegister was not called")
	}
	if module.started.Load() == 0 {
		t.Fatal("module OnStart was not called")
	}
	if module.shutdown.Load() == 0 {
		t.Fatal("module OnShutdown was not called")
	}
	if driver.started.Load() == 0 {
		t.Fatal("driver Start was not called")
	}
	if driver.stopped.Load() == 0 {
		t.Fatal("driver Shutdown was not called")
	}
}

// TestRegisterModuleBindsDeclarativeHandlers verifies handlers in ModuleSpec are auto-subscribed.
func TestRegisterModuleBindsDeclarativeHandlers(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	t.Cleanup(func() {
		_ = kernelRuntime.EventBus().Close(context.Background())
	})

	handled := make(chan string, 1)
	module := &stubModule{
		name: "declarative",
		spec: kiroku.ModuleSpec{
			Handlers: []kiroku.ModuleHandler{
				{
					Capability: kiroku.Capability{
						Name: "message-created",
						Interest: kiroku.InterestSet{
							Kinds: []kiroku.EventKind{kiroku.EventKindMessageCreated},
						},
					},
					Subscription: kiroku.SubscriptionSpec{
						Name:    "declarative-handler",
						Buffer:  1,
						Workers: 1,
					},
					Handler: func(_ context.Context, event *kiroku.Event) error {
						handled <- event.ID
						return nil
					},
				},
			},
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	if err := kernelRuntime.EventBus().Publish(context.Background(), newTestEvent("e1", kiroku.EventKindMessageCreated)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case id := <-handled:
		if id != "e1" {
			t.Fatalf("handled event id = %s, want e1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for declarative handler")
	}
}

// TestRegisterModuleImperativeSubscriptionCapabilityGate verifies imperative subscriptions
// remain possible, but only when capabilities are explicitly declared.
func TestRegisterModuleImperativeSubscriptionCapabilityGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    kiroku.ModuleSpec
		wantErr bool
	}{
		{
			name:    "missing capability fails",
			spec:    kiroku.ModuleSpec{},
			wantErr: true,
		},
		{
			name: "additional capability allows imperative subscribe",
			spec: kiroku.ModuleSpec{
				AdditionalCapabilities: []kiroku.Capability{
					{
						Name: "imperative-capability",
						Interest: kiroku.InterestSet{
							Kinds: []kiroku.EventKind{kiroku.EventKindMessageCreated},
						},
					},
				},
			},
			wantErr: false,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			t.Cleanup(func() {
				_ = kernelRuntime.EventBus().Close(context.Background())
			})

			module := &stubModule{
				name: "imperative",
				spec: testCase.spec,
				onRegister: func(ctx context.Context, runtime kiroku.ModuleRuntime) error {
					_, err := runtime.Subscribe(ctx, kiroku.InterestSet{
						Kinds: []kiroku.EventKind{kiroku.EventKindMessageCreated},
					}, kiroku.SubscriptionSpec{
						Name: "imperative-handler",
					}, func(_ context.Context, _ *kiroku.Event) error {
						return nil
					})
					if err != nil {
						return fmt.Errorf("subscribe imperative handler: %w", err)
					}

					return nil
				},
			}

			err := kernelRuntime.RegisterModule(context.Background(), module)
			if testCase.wantErr && err == nil {
				t.Fatal("expected module registration error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected module registration error: %v", err)
			}
		})
	}
}

// TestRegisterModuleSpecValidation verifies declarative spec validation failures.
func TestRegisterModuleSpecValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		spec       kiroku.ModuleSpec
		wantErrSub string
	}{
		{
			name: "empty handler capability name",
			spec: kiroku.ModuleSpec{
				Handlers: []kiroku.ModuleHandler{
					{
						Capability: kiroku.Capability{
							Interest: kiroku.InterestSet{
								Kinds: []kiroku.EventKind{kiroku.EventKindMessageCreated},
							},
						},
						Handler: func(_ context.Context, _ *kiroku.Event) error {
							return nil
						},
					},
				},
			},
			wantErrSub: "empty capability name",
		},
		{
			name: "duplicate capability name",
			spec: kiroku.ModuleSpec{
				Handlers: []kiroku.ModuleHandler{
					{
						Capability: kiroku.Capability{
							Name: "dup",
							Interest: kiroku.InterestSet{
								Kinds: []kiroku.EventKind{kiroku.EventKindMessageCreated},
							},
						},
						Handler: func(_ context.Context, _ *kiroku.Event) error {
							return nil
						},
					},
					{
						Capability: kiroku.Capability{
							Name: "dup",
							Interest: kiroku.InterestSet{
								Kinds: []kiroku.EventKind{kiroku.EventKindMessageEdited},
							},
						},
						Handler: func(_ context.Context, _ *kiroku.Event) error {
							return nil
						},
					},
				},
			},
			wantErrSub: "duplicate capability name",
		},
		{
			name: "nil handler",
			spec: kiroku.ModuleSpec{
				Handlers: []kiroku.ModuleHandler{
					{
						Capability: kiroku.Capability{
							Name: "nil-handler",
							Interest: kiroku.InterestSet{
								Kinds: []kiroku.EventKind{kiroku.EventKindMessageCreated},
							},
						},
					},
				},
			},
			wantErrSub: "nil handler",
		},
		{
			name: "duplicate subscription name",
			spec: kiroku.ModuleSpec{
				Handlers: []kiroku.ModuleHandler{
					{
						Capability: kiroku.Capability{
							Name: "a",
							Interest: kiroku.InterestSet{
								Kinds: []kiroku.EventKind{kiroku.EventKindMessageCreated},
							},
						},
						Subscription: kiroku.SubscriptionSpec{Name: "dup-sub"},
						Handler: func(_ context.Context, _ *kiroku.Event) error {
							return nil
						},
					},
					{
						Capability: kiroku.Capability{
							Name: "b",
							Interest: kiroku.InterestSet{
								Kinds: []kiroku.EventKind{kiroku.EventKindMessageEdited},
							},
						},
						Subscription: kiroku.SubscriptionSpec{Name: "dup-sub"},
						Handler: func(_ context.Context, _ *kiroku.Event) error {
							return nil
						},
					},
				},
			},
			wantErrSub: "duplicate subscription name",
		},
		{
			name: "duplicate additional capability name",
			spec: kiroku.ModuleSpec{
				Handlers: []kiroku.ModuleHandler{
					{
						Capability: kiroku.Capability{
							Name: "cap",
							Interest: kiroku.InterestSet{
								Kinds: []kiroku.EventKind{kiroku.EventKindMessageCreated},
							},
						},
						Handler: func(_ context.Context, _ *kiroku.Event) error {
							return nil
						},
					},
				},
				AdditionalCapabilities: []kiroku.Capability{
					{Name: "cap"},
				},
			},
			wantErrSub: "duplicate capability name",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			module := &stubModule{
				name: "invalid",
				spec: testCase.spec,
			}

			err := kernelRuntime.RegisterModule(context.Background(), module)
			if err == nil {
				t.Fatal("expected module registration error")
			}
			if !strings.Contains(err.Error(), testCase.wantErrSub) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSub)
			}
		})
	}
}

// TestDriverDispatcherRunsInterceptorsBeforePublish verifies message.created events
// reach interceptors synchronously and are still published when an interceptor fails.
func TestDriverDispatcherRunsInterceptorsBeforePublish(t *testing.T) {
	t.Parallel()

	var asyncErrors atomic.Int32
	kernelRuntime := New(WithAsyncErrorHandler(func(context.Context, string, error) {
		asyncErrors.Add(1)
	}))
	t.Cleanup(func() {
		_ = kernelRuntime.EventBus().Close(context.Background())
	})

	order := make(chan string, 4)
	handled := make(chan string, 1)
	module := &interceptingModule{
		stubModule: stubModule{
			name: "tracker",
			spec: kiroku.ModuleSpec{
				Handlers: []kiroku.ModuleHandler{
					{
						Capability: kiroku.Capability{
							Name: "created",
							Interest: kiroku.InterestSet{
								Kinds: []kiroku.EventKind{kiroku.EventKindMessageCreated},
							},
						},
						Subscription: kiroku.SubscriptionSpec{Name: "created", Buffer: 1, Workers: 1},
						Handler: func(_ context.Context, event *kiroku.Event) error {
							handled <- event.ID
							return nil
						},
					},
				},
			},
		},
		intercept: func(_ context.Context, event *kiroku.Event) error {
			order <- "intercept:" + event.ID
			if event.ID == "e-fail" {
				return errors.New("cache failure")
			}
			return nil
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	dispatcher := kernelRuntime.newDriverDispatcher()
	for _, id := range []string{"e-ok", "e-fail"} {
		if err := dispatcher.Publish(context.Background(), newTestEvent(id, kiroku.EventKindMessageCreated)); err != nil {
			t.Fatalf("publish %s failed: %v", id, err)
		}
		if got := <-order; got != "intercept:"+id {
			t.Fatalf("intercept order = %s, want intercept:%s", got, id)
		}
		select {
		case got := <-handled:
			if got != id {
				t.Fatalf("handled = %s, want %s", got, id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", id)
		}
	}

	if err := dispatcher.Publish(context.Background(), newTestEvent("e-read", kiroku.EventKindReadAdvanced)); err != nil {
		t.Fatalf("publish read failed: %v", err)
	}
	select {
	case got := <-order:
		t.Fatalf("read event reached interceptor: %s", got)
	default:
	}
	if asyncErrors.Load() != 1 {
		t.Fatalf("async errors = %d, want 1", asyncErrors.Load())
	}
}

// TestDriverDispatcherRecoversInterceptorPanic verifies a panicking interceptor is contained.
func TestDriverDispatcherRecoversInterceptorPanic(t *testing.T) {
	t.Parallel()

	var asyncErrors atomic.Int32
	kernelRuntime := New(WithAsyncErrorHandler(func(context.Context, string, error) {
		asyncErrors.Add(1)
	}))
	t.Cleanup(func() {
		_ = kernelRuntime.EventBus().Close(context.Background())
	})

	module := &interceptingModule{
		stubModule: stubModule{name: "panicky"},
		intercept: func(context.Context, *kiroku.Event) error {
			panic("boom")
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	err := kernelRuntime.newDriverDispatcher().Publish(
		context.Background(),
		newTestEvent("e1", kiroku.EventKindMessageCreated),
	)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if asyncErrors.Load() != 1 {
		t.Fatalf("async errors = %d, want 1", asyncErrors.Load())
	}
}

type interceptingModule struct {
	stubModule
	intercept func(ctx context.Context, event *kiroku.Event) error
}

func (m *interceptingModule) InterceptMessage(ctx context.Context, event *kiroku.Event) error {
	return m.intercept(ctx, event)
}

type stubModule struct {
	name string
	spec kiroku.ModuleSpec

	onRegister func(ctx context.Context, runtime kiroku.ModuleRuntime) error

	registered atomic.Int32
	started    atomic.Int32
	shutdown   atomic.Int32
}

func (m *stubModule) Name() string {
	return m.name
}

func (m *stubModule) Spec() kiroku.ModuleSpec {
	return m.spec
}

func (m *stubModule) OnRegister(ctx context.Context, runtime kiroku.ModuleRuntime) error {
	m.registered.Add(1)
	if m.onRegister != nil {
		if err := m.onRegister(ctx, runtime); err != nil {
			return err
		}
	}

	return nil
}

func (m *stubModule) OnStart(_ context.Context) error {
	m.started.Add(1)
	return nil
}

func (m *stubModule) OnShutdown(_ context.Context) error {
	m.shutdown.Add(1)
	return nil
}

type stubDriver struct {
	name string

	started atomic.Int32
	stopped atomic.Int32
}

func (d *stubDriver) Name() string {
	return d.name
}

func (d *stubDriver) Start(ctx context.Context, _ kiroku.EventDispatcher) error {
	d.started.Add(1)
	<-ctx.Done()
	return nil
}

func (d *stubDriver) Shutdown(_ context.Context) error {
	d.stopped.Add(1)
	return nil
}
