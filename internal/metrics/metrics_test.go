package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

func TestStatusBucket(t *testing.T) {
	assert.Equal(t, "2xx", statusBucket(201))
	assert.Equal(t, "4xx", statusBucket(404))
	assert.Equal(t, "5xx", statusBucket(503))
	assert.Equal(t, "other", statusBucket(0))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	HTTPRequestsTotal.Reset()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/agents/{id}/wallet", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents/a-1/wallet", nil))

	c, err := HTTPRequestsTotal.GetMetricWithLabelValues(http.MethodGet, "/api/agents/{id}/wallet", "4xx")
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(t, c))
}

func TestObserveJob_RecordsSample(t *testing.T) {
	JobDuration.Reset()
	ObserveJob("recompute")()

	h, err := JobDuration.GetMetricWithLabelValues("recompute")
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, h.(interface{ Write(*dto.Metric) error }).Write(m))
	assert.Equal(t, uint64(1), m.Histogram.GetSampleCount())
}

func TestHandler_ExposesNamespace(t *testing.T) {
	PaymentsTotal.WithLabelValues("recorded").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "collections_payments_total"))
}
