package bulkmail

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the client collectors. A nil *metrics records nothing.
type metrics struct {
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	batches    *prometheus.CounterVec
	waited     prometheus.Counter
}

func newMetrics(namespace string, reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by transport and outcome.",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in the transport per delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches by final state.",
		}, []string{"state"}),
		waited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_wait_seconds_total",
			Help:      "Seconds spent waiting between sends.",
		}),
	}

	var err error
	if m.deliveries, err = register(reg, m.deliveries); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.batches, err = register(reg, m.batches); err != nil {
		return nil, err
	}
	if m.waited, err = register(reg, m.waited); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, reusing an identical collector already on reg.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) observeDelivery(provider string, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(provider, outcome.String()).Inc()
	m.duration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *metrics) observeBatch(state BatchState) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(state.String()).Inc()
}

func (m *metrics) observeWait(d time.Duration) {
	if m == nil {
		return
	}
	m.waited.Add(d.Seconds())
}
