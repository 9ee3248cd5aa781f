package tracker

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kiroku/pkg/kiroku"
)

const (
	defaultTTL           = 24 * time.Hour
	defaultSweepInterval = time.Hour
	defaultMinEditChars  = 3
	defaultAsyncTimeout  = 2 * time.Minute
	defaultHandlerBuffer = 512
	defaultQueueLimit    = 1024
)

type config struct {
	logger        *slog.Logger
	clock         func() time.Time
	ttl           time.Duration
	sweepInterval time.Duration
	minEditChars  int
	asyncTimeout  time.Duration
	queueLimit    int
	target        kiroku.OutboundTarget
	registerer    prometheus.Registerer
}

func defaultConfig() config {
	return config{
		clock:         time.Now,
		ttl:           defaultTTL,
		sweepInterval: defaultSweepInterval,
		minEditChars:  defaultMinEditChars,
		asyncTimeout:  defaultAsyncTimeout,
		queueLimit:    defaultQueueLimit,
	}
}

// Option mutates tracker configuration.
type Option func(*config)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock overrides the time source used for cache timestamps.
func WithClock(clock func() time.Time) Option {
	return func(cfg *config) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithTTL sets how long a snapshot stays cached after its last write.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *config) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithSweepInterval sets how often expired snapshots are evicted and the
// archived set is refreshed.
func WithSweepInterval(interval time.Duration) Option {
	return func(cfg *config) {
		if interval > 0 {
			cfg.sweepInterval = interval
		}
	}
}

// WithMinEditChars sets the smallest text-only edit, in changed characters,
// that is reported.
func WithMinEditChars(chars int) Option {
	return func(cfg *config) {
		if chars > 0 {
			cfg.minEditChars = chars
		}
	}
}

// WithAsyncTimeout bounds each media download, sender lookup and report send,
// and how long a report waits for a pending download.
func WithAsyncTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.asyncTimeout = timeout
		}
	}
}

// WithReportQueueLimit caps how many reports may wait for delivery. Reports
// beyond the cap are dropped and counted.
func WithReportQueueLimit(limit int) Option {
	return func(cfg *config) {
		if limit > 0 {
			cfg.queueLimit = limit
		}
	}
}

// WithTarget sets the report destination. The default is saved messages.
func WithTarget(target kiroku.OutboundTarget) Option {
	return func(cfg *config) {
		cfg.target = target
	}
}

// WithMetricsRegisterer registers tracker collectors, bypassing service lookup.
func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return func(cfg *config) {
		if registerer != nil {
			cfg.registerer = registerer
		}
	}
}
