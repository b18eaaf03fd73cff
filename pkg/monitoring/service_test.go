package monitoring

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	height   uint32
	queue    int
	waitlist int
	mailbox  int
	programs int
}

func (f *fakeRuntime) BlockHeight() uint32 { return f.height }
func (f *fakeRuntime) QueueDepth() int     { return f.queue }
func (f *fakeRuntime) WaitlistSize() int   { return f.waitlist }
func (f *fakeRuntime) MailboxSize() int    { return f.mailbox }
func (f *fakeRuntime) ActivePrograms() int { return f.programs }

func availablePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *Config {
	return &Config{
		MetricsPort:     availablePort(t),
		HealthPort:      availablePort(t),
		MetricsPath:     "/metrics",
		HealthPath:      "/health",
		CollectInterval: 24 * time.Hour, // tests drive UpdateMetrics manually
	}
}

func TestNewServiceExposesLoggerAndMetrics(t *testing.T) {
	svc := NewService(nil, &fakeRuntime{height: 1})
	defer svc.Stop()
	assert.NotNil(t, svc.GetLogger())
	assert.NotNil(t, svc.GetMetrics())
}

func TestUpdateMetricsSamplesRuntimeGauges(t *testing.T) {
	rt := &fakeRuntime{height: 10, queue: 3, waitlist: 2, mailbox: 1, programs: 7}
	svc := NewService(testConfig(t), rt)
	defer svc.Stop()

	svc.UpdateMetrics()

	assert.Equal(t, float64(10), testutil.ToFloat64(svc.metrics.BlockHeight))
	assert.Equal(t, float64(3), testutil.ToFloat64(svc.metrics.QueueDepth))
	assert.Equal(t, float64(2), testutil.ToFloat64(svc.metrics.WaitlistSize))
	assert.Equal(t, float64(1), testutil.ToFloat64(svc.metrics.MailboxSize))
	assert.Equal(t, float64(7), testutil.ToFloat64(svc.metrics.ActivePrograms))
}

func TestUpdateMetricsNoopWithoutRuntime(t *testing.T) {
	svc := NewService(testConfig(t), nil)
	defer svc.Stop()
	svc.UpdateMetrics() // must not panic
}

func TestRecordDispatchUpdatesCountersAndHistogram(t *testing.T) {
	svc := NewService(testConfig(t), nil)
	defer svc.Stop()

	svc.GetMetrics().RecordDispatch("success", 1500, 10*time.Millisecond)
	svc.GetMetrics().RecordDispatch("trap", 500, 2*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(svc.metrics.DispatchesProcessed.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(svc.metrics.DispatchesProcessed.WithLabelValues("trap")))
	assert.Equal(t, float64(2000), testutil.ToFloat64(svc.metrics.GasBurned))
}

func TestRecordLazyPageFaultLabelsByKind(t *testing.T) {
	svc := NewService(testConfig(t), nil)
	defer svc.Stop()

	svc.GetMetrics().RecordLazyPageFault("read")
	svc.GetMetrics().RecordLazyPageFault("read")
	svc.GetMetrics().RecordLazyPageFault("write")

	assert.Equal(t, float64(2), testutil.ToFloat64(svc.metrics.LazyPageFaults.WithLabelValues("read")))
	assert.Equal(t, float64(1), testutil.ToFloat64(svc.metrics.LazyPageFaults.WithLabelValues("write")))
}

func TestServiceStartStopServesMetricsAndHealth(t *testing.T) {
	rt := &fakeRuntime{height: 42, queue: 5}
	svc := NewService(testConfig(t), rt)
	svc.UpdateMetrics()

	require.NoError(t, svc.Start())
	time.Sleep(150 * time.Millisecond)

	resp, err := http.Get(svc.GetMetricsEndpoint())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(svc.GetHealthEndpoint())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, "ok", report["status"])
	assert.EqualValues(t, 42, report["block_height"])

	require.NoError(t, svc.Stop())
	time.Sleep(200 * time.Millisecond)

	_, err = http.Get(svc.GetMetricsEndpoint())
	assert.Error(t, err, "expected error when accessing stopped metrics server")
}

func TestHealthHandlerWithoutRuntimeOmitsBlockHeight(t *testing.T) {
	svc := NewService(testConfig(t), nil)
	defer svc.Stop()

	req := httptest.NewRequest("GET", svc.config.HealthPath, nil)
	rec := httptest.NewRecorder()
	svc.healthHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report["status"])
	_, hasHeight := report["block_height"]
	assert.False(t, hasHeight)
}
