package metric

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/oscrelay/errors"
	"github.com/c360/oscrelay/health"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	require.NotNil(t, registry.CoreMetrics())

	registry.CoreMetrics().RecordReceived("udp", 12)
	registry.CoreMetrics().RecordRouted(2, 1)

	names := gatheredNames(t, registry)
	assert.True(t, names["oscrelay_datagrams_received_total"])
	assert.True(t, names["oscrelay_messages_dropped_total"])
	assert.True(t, names["go_goroutines"])
}

func TestNewMetricsRegistry_MetricTypes(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()
	core.RecordReceived("websocket", 4)
	core.RecordClassifyError("decode")
	core.RecordControl("subscribe")
	core.SetRegistrySize(3, 2)
	core.DispatcherStarted()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	types := make(map[string]dto.MetricType, len(families))
	for _, mf := range families {
		types[mf.GetName()] = mf.GetType()
	}

	tests := []struct {
		name string
		want dto.MetricType
	}{
		{"oscrelay_datagrams_received_total", dto.MetricType_COUNTER},
		{"oscrelay_bytes_received_total", dto.MetricType_COUNTER},
		{"oscrelay_classify_errors_total", dto.MetricType_COUNTER},
		{"oscrelay_control_commands_total", dto.MetricType_COUNTER},
		{"oscrelay_subscriptions", dto.MetricType_GAUGE},
		{"oscrelay_topics", dto.MetricType_GAUGE},
		{"oscrelay_dispatchers_running", dto.MetricType_GAUGE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := types[tt.name]
			require.True(t, ok, "metric %s not gathered", tt.name)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	require.NoError(t, registry.RegisterCounter("test-service", "test_counter", counter))
	counter.Inc()

	assert.True(t, gatheredNames(t, registry)["test_counter"])
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("svc", "dup_gauge", gauge))

	err := registry.RegisterGauge("svc", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same collector under a different key conflicts inside prometheus
	err = registry.RegisterGauge("other", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_hist", Help: "h"})
	require.NoError(t, registry.RegisterHistogram("svc", "test_hist", hist))
	hist.Observe(1)

	assert.True(t, registry.Unregister("svc", "test_hist"))
	assert.False(t, registry.Unregister("svc", "test_hist"))
	assert.False(t, gatheredNames(t, registry)["test_hist"])
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_%d", i)
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "c"})
			assert.NoError(t, registry.RegisterCounter("svc", name, c))
		}(i)
	}
	wg.Wait()
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordReceived("udp", 1)
		m.RecordTruncated()
		m.RecordClassifyError("decode")
		m.RecordControl("subscribe")
		m.RecordRouted(1, 1)
		m.RecordDropped("send_queue_full")
		m.RecordSent(nil)
		m.SetRegistrySize(1, 1)
		m.DispatcherStarted()
		m.DispatcherStopped()
		m.RecordMirror(nil)
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestMetrics_Values(t *testing.T) {
	m := NewMetrics()

	m.RecordRouted(3, 2)
	m.RecordSent(nil)
	m.RecordSent(fmt.Errorf("boom"))
	m.SetRegistrySize(4, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRouted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesEnqueued))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DatagramsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendErrors))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Subscriptions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Topics))
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordControl("subscribe")

	var unhealthy atomic.Bool
	srv := NewServer("127.0.0.1:0", "", registry, func() health.Status {
		if !unhealthy.Load() {
			return health.NewHealthy("oscrelay", "ok")
		}
		return health.NewUnhealthy("oscrelay", "udp transport down")
	})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "oscrelay_control_commands_total")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	unhealthy.Store(true)
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "udp transport down")
}

func TestServer_ServeShutdown(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/metrics", NewMetricsRegistry(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Address() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
