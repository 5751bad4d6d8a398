package metric

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistryRegistersCoreMetrics(t *testing.T) {
	r := NewMetricsRegistry()
	require.NotNil(t, r.Metrics)

	// Counters start at zero and are gatherable without panics.
	r.Metrics.EntriesAppended.WithLabelValues("transcripts").Inc()
	r.Metrics.BroadcastsSent.WithLabelValues("transcripts").Add(2)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(r.Metrics.EntriesAppended.WithLabelValues("transcripts")))
	assert.Equal(t, float64(2),
		testutil.ToFloat64(r.Metrics.BroadcastsSent.WithLabelValues("transcripts")))
}

func TestHandlerServesExposition(t *testing.T) {
	r := NewMetricsRegistry()
	r.Metrics.AppsRegistered.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "augmentos_broker_apps_registered 3")
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewMetricsRegistry()
	b := NewMetricsRegistry()
	a.Metrics.ChannelsLive.Set(5)
	assert.Equal(t, float64(5), testutil.ToFloat64(a.Metrics.ChannelsLive))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Metrics.ChannelsLive))
}
