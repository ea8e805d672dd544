package observability

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-protocol/devgate/pkg/outcome"
)

func newTestAggregator(cfg Config) (*Aggregator, *clock.Mock) {
	mc := clock.NewMock()
	mc.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewAggregator(cfg, WithClock(mc)), mc
}

func ok(endpoint, device string, latency time.Duration) Outcome {
	return Outcome{Route: "session", Endpoint: endpoint, DeviceLabel: device, Status: 200, Latency: latency, GatewaySuccess: true}
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

func TestRecord_Counters(t *testing.T) {
	a, mc := newTestAggregator(DefaultConfig())

	a.Record(ok("/interface", "edge (10.0.0.1)", 100*time.Millisecond))
	a.Record(ok("/interface", "edge (10.0.0.1)", 300*time.Millisecond))
	a.Record(Outcome{Endpoint: "/ip/route", Status: 404, Kind: outcome.EndpointNotFound, Code: outcome.CodeEndpointNotFound, Latency: 50 * time.Millisecond})
	a.Record(Outcome{Status: 429, Kind: outcome.RateLimited, Code: outcome.CodeRateLimitExceeded, Scope: "user"})
	mc.Add(2 * time.Minute)

	s := a.Snapshot()
	assert.EqualValues(t, 4, s.Requests.Total)
	assert.EqualValues(t, 2, s.Requests.Successful)
	assert.EqualValues(t, 2, s.Requests.Failed)
	assert.Equal(t, 50.0, s.Requests.SuccessRate)
	assert.Equal(t, 2.0, s.Requests.PerMinute)
	assert.EqualValues(t, 1, s.Performance.RateLimitHits)
	assert.Equal(t, map[string]int64{outcome.CodeEndpointNotFound: 1, outcome.CodeRateLimitExceeded: 1}, s.Errors)
	assert.Equal(t, []Count{{Key: "/interface", Count: 2}, {Key: "/ip/route", Count: 1}}, s.TopEndpoints)
	assert.Equal(t, "2m 0s", s.Uptime.Human)
}

func TestRecord_OfflineIsNotAFailure(t *testing.T) {
	a, _ := newTestAggregator(DefaultConfig())

	a.Record(Outcome{Status: 200, Kind: outcome.DeviceUnreachable, Code: outcome.CodeDeviceOffline, GatewaySuccess: true})
	a.Record(Outcome{Status: 200, Kind: outcome.DeviceUnreachable, Code: outcome.CodeDeviceOffline, GatewaySuccess: true, Cached: true})

	s := a.Snapshot()
	assert.EqualValues(t, 2, s.Requests.Successful)
	assert.EqualValues(t, 0, s.Requests.Failed)
	assert.Equal(t, 100.0, s.Requests.SuccessRate)
	assert.EqualValues(t, 2, s.Devices.OfflineEvents)
	assert.EqualValues(t, 1, s.Devices.CachedOffline)
	assert.Empty(t, s.Errors)
	assert.Empty(t, a.Debug().ErrorDetails)
}

func TestSnapshot_EmptyAndIdempotent(t *testing.T) {
	a, _ := newTestAggregator(DefaultConfig())

	s := a.Snapshot()
	assert.Equal(t, 100.0, s.Requests.SuccessRate)
	assert.Equal(t, 0.0, s.Requests.PerMinute)
	assert.Equal(t, 0.0, s.Performance.AvgResponseMs)

	a.Record(ok("/x", "d", 10*time.Millisecond))
	assert.Equal(t, a.Snapshot(), a.Snapshot())
}

func TestSnapshot_AverageOnlyCoversWindow(t *testing.T) {
	a, mc := newTestAggregator(DefaultConfig())

	a.Record(ok("/x", "d", 1000*time.Millisecond))
	mc.Add(90 * time.Second)
	a.Record(ok("/x", "d", 100*time.Millisecond))
	a.Record(ok("/x", "d", 300*time.Millisecond))
	a.Record(Outcome{GatewaySuccess: true, Kind: outcome.DeviceUnreachable, Cached: true})

	s := a.Snapshot()
	assert.Equal(t, 200.0, s.Performance.AvgResponseMs)
	assert.Equal(t, 2, s.Performance.WindowSamples)
	assert.Equal(t, 100.0, s.Performance.P50Ms)
	assert.Equal(t, 300.0, s.Performance.P99Ms)
}

// ---------------------------------------------------------------------------
// Reset and sweep
// ---------------------------------------------------------------------------

func TestReset(t *testing.T) {
	a, mc := newTestAggregator(DefaultConfig())
	for i := 0; i < 5; i++ {
		a.Record(Outcome{Endpoint: "/x", Kind: outcome.DownstreamApiError, Code: outcome.CodeDeviceAPIError})
	}
	mc.Add(time.Hour)
	a.Reset()

	s := a.Snapshot()
	assert.EqualValues(t, 0, s.Requests.Total)
	assert.Empty(t, s.Errors)
	assert.Empty(t, s.TopEndpoints)
	assert.Equal(t, mc.Now(), s.StartTime)
	assert.Equal(t, "0s", s.Uptime.Human)
	assert.Empty(t, a.Debug().RecentRequests)
}

func TestSweep_DropsOldSamples(t *testing.T) {
	a, mc := newTestAggregator(DefaultConfig())
	a.Record(ok("/x", "d", time.Millisecond))
	a.Record(ok("/x", "d", time.Millisecond))
	mc.Add(45 * time.Minute)
	a.Record(ok("/x", "d", time.Millisecond))

	assert.Equal(t, 0, a.Sweep())
	mc.Add(20 * time.Minute)
	assert.Equal(t, 2, a.Sweep())
	assert.Equal(t, 1, a.Detailed().LatencySampleLen)
	assert.EqualValues(t, 3, a.Snapshot().Requests.Total, "counters survive a sweep")
}

// ---------------------------------------------------------------------------
// Rings
// ---------------------------------------------------------------------------

func TestDebug_RingsAreCapped(t *testing.T) {
	a, _ := newTestAggregator(Config{RecentRequests: 3, RecentErrors: 2})
	for i := 0; i < 5; i++ {
		a.Record(Outcome{Endpoint: fmt.Sprintf("/e%d", i), Kind: outcome.DownstreamInternalError, Code: outcome.CodeDeviceError})
	}

	d := a.Debug()
	require.Len(t, d.RecentRequests, 3)
	assert.Equal(t, "/e4", d.RecentRequests[0].Endpoint, "newest first")
	assert.Equal(t, "/e2", d.RecentRequests[2].Endpoint)
	require.Len(t, d.ErrorDetails, 2)
	assert.Equal(t, 2, d.TotalErrorsStored)
	assert.NotEmpty(t, d.System.GoVersion)
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	_, ok := r.front()
	assert.False(t, ok)

	for i := 1; i <= 4; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{2, 3, 4}, r.slice())
	assert.Equal(t, []int{4, 3, 2}, r.newestFirst())

	r.popFront()
	v, _ := r.front()
	assert.Equal(t, 3, v)
	assert.Equal(t, 2, r.len())
	r.push(5)
	assert.Equal(t, []int{3, 4, 5}, r.slice())
}

// ---------------------------------------------------------------------------
// Detailed and summary
// ---------------------------------------------------------------------------

func TestDetailed_History(t *testing.T) {
	a, mc := newTestAggregator(DefaultConfig())
	a.Record(ok("/x", "d", 100*time.Millisecond))
	a.Record(ok("/x", "d", 200*time.Millisecond))
	mc.Add(10 * time.Minute)
	a.Record(ok("/y", "d", 40*time.Millisecond))

	d := a.Detailed()
	require.Len(t, d.History, 31)
	assert.Equal(t, mc.Now(), d.History[30].Time)

	// Ten minutes ago is index 20.
	assert.Equal(t, 2, d.History[20].Requests)
	assert.Equal(t, 150.0, d.History[20].AvgResponseMs)
	assert.Equal(t, 1, d.History[30].Requests)
	assert.Equal(t, 0, d.History[0].Requests)
	assert.Equal(t, map[string]int64{"/x": 2, "/y": 1}, d.AllEndpoints)
}

func TestSummary(t *testing.T) {
	a, _ := newTestAggregator(DefaultConfig())
	a.Record(ok("/x", "a", 10*time.Millisecond))
	a.Record(ok("/y", "b", 10*time.Millisecond))

	s := a.Summary()
	assert.Equal(t, "healthy", s.Status)
	assert.Equal(t, 2, s.ActiveEndpoints)
	assert.Equal(t, 2, s.ActiveDevices)

	for i := 0; i < 30; i++ {
		a.Record(Outcome{Kind: outcome.DownstreamInternalError})
	}
	assert.Equal(t, "degraded", a.Summary().Status)
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{4 * time.Second, "4s"},
		{3*time.Minute + 4*time.Second, "3m 4s"},
		{2*time.Hour + 3*time.Minute + time.Second, "2h 3m 1s"},
		{26*time.Hour + 5*time.Minute, "1d 2h 5m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUptime(tt.d))
	}
}

func TestRecord_Concurrent(t *testing.T) {
	a, _ := newTestAggregator(DefaultConfig())
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.Record(ok("/x", "d", time.Millisecond))
				_ = a.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 800, a.Snapshot().Requests.Total)
}

// ---------------------------------------------------------------------------
// Prometheus
// ---------------------------------------------------------------------------

func TestPrometheusExporter(t *testing.T) {
	p := NewPrometheusExporter(prometheus.NewRegistry())
	a := NewAggregator(DefaultConfig(), WithExporter(p))

	a.Record(ok("/x", "d", 20*time.Millisecond))
	a.Record(Outcome{Route: "session", Kind: outcome.RateLimited, Scope: "device"})
	a.Record(Outcome{Route: "session", GatewaySuccess: true, Kind: outcome.DeviceUnreachable, Cached: true})
	a.Reset()

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, `devgate_requests_total{outcome="success",route="session"} 1`)
	assert.Contains(t, body, `devgate_requests_total{outcome="offline",route="session"} 1`)
	assert.Contains(t, body, `devgate_rate_limited_total{scope="device"} 1`)
	assert.Contains(t, body, `devgate_device_offline_total{cached="true"} 1`)
	assert.True(t, strings.Contains(body, `devgate_request_duration_seconds_count{route="session"} 1`))
}
