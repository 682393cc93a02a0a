// Package metrics exposes foilnotes counters and histograms to Prometheus.
// A *Metrics is the observer for the key store, the lock controller and the
// note vault.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forest6511/foilnotes/pkg/crypto"
	"github.com/forest6511/foilnotes/pkg/keystore"
)

const namespace = "foilnotes"

// Metrics holds the registered collectors.
type Metrics struct {
	UnlockAttempts *prometheus.CounterVec
	NoteCrypto     *prometheus.CounterVec
	LockEvents     *prometheus.CounterVec
	KDFDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		UnlockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_attempts_total",
			Help:      "Password submissions by result.",
		}, []string{"result"}),
		NoteCrypto: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notes_crypto_total",
			Help:      "Per-note encrypt and decrypt outcomes.",
		}, []string{"op", "result"}),
		LockEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_events_total",
			Help:      "Transitions into the locked state by reason.",
		}, []string{"reason"}),
		KDFDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kdf_duration_seconds",
			Help:      "Time spent deriving wrapping keys.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"algorithm"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.UnlockAttempts, m.NoteCrypto, m.LockEvents, m.KDFDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveUnlock implements lock.Observer.
func (m *Metrics) ObserveUnlock(result string) {
	m.UnlockAttempts.WithLabelValues(result).Inc()
}

// ObserveLock implements lock.Observer.
func (m *Metrics) ObserveLock(reason string) {
	m.LockEvents.WithLabelValues(reason).Inc()
}

// ObserveKDF implements keystore.Observer.
func (m *Metrics) ObserveKDF(algorithm string, d time.Duration) {
	m.KDFDuration.WithLabelValues(algorithm).Observe(d.Seconds())
}

// ObserveNoteCrypto implements notevault.Observer.
func (m *Metrics) ObserveNoteCrypto(op string, err error) {
	m.NoteCrypto.WithLabelValues(op, resultLabel(err)).Inc()
}

// resultLabel keeps label cardinality bounded to known failure classes.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, crypto.ErrAuthentication):
		return "authentication"
	case errors.Is(err, crypto.ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, keystore.ErrLocked):
		return "locked"
	default:
		return "error"
	}
}
