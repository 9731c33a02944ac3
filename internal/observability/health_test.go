package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestHealthz(t *testing.T) {
	h := NewHealthChecker(zap.NewNop())
	handler := h.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)

	h.SetQueueReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz").Code)

	h.SetQueueReady(true)
	h.SetKafkaReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz").Code)

	h.SetKafkaReady(true)
	assert.Equal(t, http.StatusOK, get("/healthz").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewHealthChecker(zap.NewNop())
	JobsTotal.WithLabelValues("completed").Inc()

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orders_queue_jobs_total")
}
