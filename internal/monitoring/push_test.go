package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinhotel/pms-sync/internal/config"
	"github.com/kinhotel/pms-sync/internal/report"
)

func TestPushMetrics(t *testing.T) {
	var mu sync.Mutex
	var method, path, body string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "pms_sync_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	err := PushMetrics(context.Background(), config.MetricsConfig{PushgatewayURL: ts.URL, Job: "pms_sync_nightly"}, reg)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/pms_sync_nightly", path)
	assert.True(t, strings.Contains(body, "pms_sync_test_total"), "body should carry the metric")
}

func TestPushMetrics_Disabled(t *testing.T) {
	assert.NoError(t, PushMetrics(context.Background(), config.MetricsConfig{}, prometheus.NewRegistry()))
}

func TestPushMetrics_GatewayError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	err := PushMetrics(context.Background(), config.MetricsConfig{PushgatewayURL: ts.URL}, prometheus.NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: push metrics")
}

func TestRecordRun(t *testing.T) {
	rep := report.New(runStart)
	rep.Add(&report.Dataset{Name: "booking", Partitions: []*report.Partition{okPartition(1), failedPartition(2)}})
	rep.Finish(runStart.Add(90 * time.Second))

	RecordRun(rep)
	assert.Equal(t, 1.0, testutil.ToFloat64(lastRunStatus.WithLabelValues("partial")))
	assert.Equal(t, 0.0, testutil.ToFloat64(lastRunStatus.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(lastRunPartitions.WithLabelValues("failed")))
	assert.Equal(t, 90.0, testutil.ToFloat64(lastRunDuration))
	assert.Equal(t, float64(runStart.Add(90*time.Second).Unix()), testutil.ToFloat64(lastRunFinished))
}
