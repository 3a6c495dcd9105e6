package rowstore

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics exports per-sheet call diagnostics. The in-flight gauge mirrors the
// counter kept on every Sheet and is never used for admission control.
type Metrics struct {
	inFlight *prometheus.GaugeVec
	calls    *prometheus.CounterVec
}

// NewMetrics registers the row store collectors with registerer. Collectors that
// are already registered are reused.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "slidediscuss",
		Subsystem: "rowstore",
		Name:      "calls_in_flight",
		Help:      "Row endpoint calls dispatched and not yet completed.",
	}, []string{"sheet"})
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slidediscuss",
		Subsystem: "rowstore",
		Name:      "calls_total",
		Help:      "Completed row endpoint calls by operation and outcome.",
	}, []string{"sheet", "op", "outcome"})

	if registerer != nil {
		var err error
		if inFlight, err = registerOrReuse(registerer, inFlight); err != nil {
			return nil, err
		}
		if calls, err = registerOrReuse(registerer, calls); err != nil {
			return nil, err
		}
	}
	return &Metrics{inFlight: inFlight, calls: calls}, nil
}

func registerOrReuse[T prometheus.Collector](registerer prometheus.Registerer, collector T) (T, error) {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return collector, err
	}
	return collector, nil
}

func (m *Metrics) begin(sheet string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(sheet).Inc()
}

func (m *Metrics) end(sheet, op string, err error) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(sheet).Dec()
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.calls.WithLabelValues(sheet, op, outcome).Inc()
}
