// Package metrics exposes Prometheus instrumentation for vault operations
// and credential rotations.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations  *prometheus.CounterVec
	kdfDuration prometheus.Histogram
	rotations   *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cfvault",
				Name:      "vault_operations_total",
				Help:      "Total count of vault store operations by operation and result.",
			},
			[]string{"operation", "result"},
		),
		kdfDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "cfvault",
				Name:      "kdf_duration_seconds",
				Help:      "Time spent deriving keys from passphrases.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		rotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cfvault",
				Name:      "rotations_total",
				Help:      "Total count of credential rotations by result.",
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cfvault",
				Name:      "rotation_transitions_total",
				Help:      "Total count of rotation state machine transitions by entered state.",
			},
			[]string{"state"},
		),
	}
	for _, c := range []prometheus.Collector{m.operations, m.kdfDuration, m.rotations, m.transitions} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveOperation counts one vault operation.
func (m *Metrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result(err)).Inc()
}

// ObserveKDF records how long a key derivation took.
func (m *Metrics) ObserveKDF(d time.Duration) {
	if m == nil {
		return
	}
	m.kdfDuration.Observe(d.Seconds())
}

// ObserveRotation counts one finished rotation.
func (m *Metrics) ObserveRotation(err error) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(result(err)).Inc()
}

// ObserveTransition counts entry into a rotation state.
func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// WriteTextfile writes every metric gathered by g to path in the text
// exposition format, for the node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
