package kernel

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type busMetrics struct {
	dropped *prometheus.CounterVec
}

func newBusMetrics(registerer prometheus.Registerer) (*busMetrics, error) {
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiroku",
		Subsystem: "bus",
		Name:      "events_dropped_total",
		Help:      "Events not delivered to a subscription because its queue was full or closed.",
	}, []string{"subscription"})

	if err := registerer.Register(dropped); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register bus dropped counter: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("register bus dropped counter: unexpected collector type %T", already.ExistingCollector)
		}
		dropped = existing
	}

	return &busMetrics{dropped: dropped}, nil
}
