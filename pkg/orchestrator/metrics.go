package orchestrator

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	created     metric.Int64Counter
	validations metric.Int64Counter
	applies     metric.Int64Counter
}

// newMetrics registers the lifecycle counters. An instrument that fails to
// register is replaced by a no-op.
func newMetrics(m metric.Meter) *metrics {
	fallback := noop.NewMeterProvider().Meter("")
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	return &metrics{
		created:     counter("spine.proposals.created", "Proposals stored"),
		validations: counter("spine.validation.results", "Validation pipeline results by status"),
		applies:     counter("spine.apply.results", "Apply attempts by outcome"),
	}
}
