// Package metrics exposes prometheus collectors for the orchestrator. A nil *Metrics is valid
// and records nothing, which keeps tests and tools free of registry plumbing.
package metrics

import (
	"net/http"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elys-network/icastrategy/internal/utils"
)

const namespace = "icastrategy"

type Metrics struct {
	registry *prometheus.Registry

	dispatched *prometheus.CounterVec
	acks       *prometheus.CounterVec
	retries    *prometheus.CounterVec
	lockState  *prometheus.GaugeVec
	openTraps  prometheus.Gauge
	inFlight   prometheus.Gauge
	payouts    prometheus.Counter
	paidAmount prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dispatched_total",
			Help:      "Packets sent to the interchain account, by step kind.",
		}, []string{"kind"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgements_total",
			Help:      "Acknowledgements handled, by step kind and result (success, failure, timeout).",
		}, []string{"kind", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trap_retries_total",
			Help:      "Retried trapped items, by step kind and outcome.",
		}, []string{"kind", "outcome"}),
		lockState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lock_state",
			Help:      "1 when the category is locked, 0 otherwise.",
		}, []string{"category"}),
		openTraps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_traps",
			Help:      "Trapped operations waiting for an operator retry.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_packets",
			Help:      "Packets dispatched and not yet acknowledged or timed out.",
		}),
		payouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_paid_total",
			Help:      "Unbonding claims paid out.",
		}),
		paidAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paid_amount_total",
			Help:      "Base denom amount paid out to unbonding claims.",
		}),
	}
	reg.MustRegister(m.dispatched, m.acks, m.retries, m.lockState, m.openTraps, m.inFlight, m.payouts, m.paidAmount)
	return m
}

func (m *Metrics) Dispatched(kind string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(kind).Inc()
}

func (m *Metrics) Acknowledged(kind, result string) {
	if m == nil {
		return
	}
	m.acks.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Retried(kind, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.retries.WithLabelValues(kind, outcome).Add(float64(n))
}

func (m *Metrics) PaidClaims(n int, amount sdkmath.Int) {
	if m == nil {
		return
	}
	m.payouts.Add(float64(n))
	v, err := utils.SDKIntToFloat64(amount, 0)
	if err != nil {
		return
	}
	m.paidAmount.Add(v)
}

// Observe refreshes the gauges from a state snapshot.
func (m *Metrics) Observe(locks map[string]bool, traps, inFlight int) {
	if m == nil {
		return
	}
	for cat, locked := range locks {
		v := 0.0
		if locked {
			v = 1
		}
		m.lockState.WithLabelValues(cat).Set(v)
	}
	m.openTraps.Set(float64(traps))
	m.inFlight.Set(float64(inFlight))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
