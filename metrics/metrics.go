// Package metrics records store operation counts and latencies with the
// Prometheus client.
package metrics

import (
	"time"

	"go.miragespace.co/kvstore/spec/kvstore"

	"github.com/prometheus/client_golang/prometheus"
)

type Recorder struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewRecorder registers the store collectors with reg under the given store
// name. A nil reg yields a nil Recorder, which records nothing.
func NewRecorder(reg prometheus.Registerer, store string) (*Recorder, error) {
	if reg == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"store": store}
	r := &Recorder{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "kvstore_operations_total",
				Help:        "Total number of store operations, by operation and outcome",
				ConstLabels: labels,
			},
			[]string{"op", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "kvstore_operation_duration_seconds",
				Help:        "Duration of store operations in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"op"},
		),
	}

	collectors := []prometheus.Collector{r.operations, r.duration}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			for _, registered := range collectors[:i] {
				reg.Unregister(registered)
			}
			return nil, err
		}
	}

	return r, nil
}

// Observe records one finished operation. The outcome label is the failure
// kind of err, or "ok".
func (r *Recorder) Observe(op string, start time.Time, err error) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(op, kvstore.KindName(err)).Inc()
	r.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Unregister removes the collectors from reg, so a store with the same name
// can be opened again on the same registry.
func (r *Recorder) Unregister(reg prometheus.Registerer) {
	if r == nil || reg == nil {
		return
	}
	reg.Unregister(r.operations)
	reg.Unregister(r.duration)
}
