package tracker

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK      = "ok"
	outcomeSent    = "sent"
	outcomeFailed  = "failed"
	outcomeDropped = "dropped"

	suppressedOwn      = "own"
	suppressedArchived = "archived"
	suppressedRead     = "read"
	suppressedNoise    = "noise"
)

type metrics struct {
	cached         prometheus.Gauge
	evictions      prometheus.Counter
	reports        *prometheus.CounterVec
	suppressed     *prometheus.CounterVec
	mediaDownloads *prometheus.CounterVec
}

// newMetrics creates tracker collectors and registers them when registerer
// is non-nil. Collectors already registered by an earlier tracker are reused.
func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		cached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kiroku",
			Subsystem: "tracker",
			Name:      "cached_messages",
			Help:      "Message snapshots currently held in the tracker cache.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiroku",
			Subsystem: "tracker",
			Name:      "evictions_total",
			Help:      "Snapshots evicted by the TTL sweep.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiroku",
			Subsystem: "tracker",
			Name:      "reports_total",
			Help:      "Deletion and edit reports by delivery outcome.",
		}, []string{"kind", "outcome"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiroku",
			Subsystem: "tracker",
			Name:      "suppressed_total",
			Help:      "Messages or changes intentionally not cached or reported.",
		}, []string{"reason"}),
		mediaDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiroku",
			Subsystem: "tracker",
			Name:      "media_downloads_total",
			Help:      "Media snapshot downloads by outcome.",
		}, []string{"outcome"}),
	}
	if registerer == nil {
		return m, nil
	}

	var err error
	if m.cached, err = register(registerer, m.cached); err != nil {
		return nil, err
	}
	if m.evictions, err = register(registerer, m.evictions); err != nil {
		return nil, err
	}
	if m.reports, err = register(registerer, m.reports); err != nil {
		return nil, err
	}
	if m.suppressed, err = register(registerer, m.suppressed); err != nil {
		return nil, err
	}
	if m.mediaDownloads, err = register(registerer, m.mediaDownloads); err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) (C, error) {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return collector, fmt.Errorf("register tracker metrics: %w", err)
		}
		existing, ok := already.ExistingCollector.(C)
		if !ok {
			return collector, fmt.Errorf("register tracker metrics: unexpected collector type %T", already.ExistingCollector)
		}
		return existing, nil
	}

	return collector, nil
}
