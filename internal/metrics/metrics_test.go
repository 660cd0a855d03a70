package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Dispatched("bond")
		m.Acknowledged("bond", "success")
		m.Retried("exit", "requeued", 2)
		m.PaidClaims(1, sdkmath.NewInt(10))
		m.Observe(map[string]bool{"bond": true}, 1, 1)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.Dispatched("bond")
	m.Dispatched("bond")
	m.Acknowledged("exit", "timeout")
	m.Retried("exit", "requeued", 3)
	m.Retried("exit", "skipped", 0)
	m.PaidClaims(2, sdkmath.NewInt(1500))
	m.PaidClaims(1, sdkmath.NewInt(-1))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatched.WithLabelValues("bond")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acks.WithLabelValues("exit", "timeout")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.retries.WithLabelValues("exit", "requeued")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.payouts))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.paidAmount), "an unconvertible amount is not added")
}

func TestObserveAndHandler(t *testing.T) {
	m := New()
	m.Observe(map[string]bool{"bond": true, "unbond": false}, 4, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockState.WithLabelValues("bond")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.lockState.WithLabelValues("unbond")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.openTraps))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "icastrategy_open_traps 4")
}
