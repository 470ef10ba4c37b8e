package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerMetrics(t *testing.T) {
	const name = "metrics-test"
	m := getMetrics()

	RecordPost(name, "enqueued", 2)
	RecordPost(name, "precanceled", 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.postedTotal.WithLabelValues(name, "enqueued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.postedTotal.WithLabelValues(name, "precanceled")))

	RecordDispatch(name, 5*time.Millisecond, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueSize.WithLabelValues(name)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerBusy.WithLabelValues(name)))

	RecordSettled(name, "completed", 10*time.Millisecond)
	RecordSettled(name, "canceled", 0)
	SetWorkerIdle(name)
	SetQueueSize(name, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.settledTotal.WithLabelValues(name, "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settledTotal.WithLabelValues(name, "canceled")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.workerBusy.WithLabelValues(name)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueSize.WithLabelValues(name)))
}

func TestMetricsHandler(t *testing.T) {
	RecordPost("handler-test", "enqueued", 0)
	RecordStop(time.Millisecond)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `lintd_scheduler_posted_total{outcome="enqueued",scheduler="handler-test"} 1`)
	assert.Contains(t, body, "lintd_scheduler_stop_duration_seconds_count")
}
