// Package observability aggregates gateway outcomes into the counters, latency
// statistics and diagnostic ring buffers served by the metrics endpoints, and
// mirrors them into Prometheus.
package observability

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/strand-protocol/devgate/pkg/outcome"
)

// Config sizes the aggregator.
type Config struct {
	RecentRequests int
	RecentErrors   int
	LatencySamples int
	// AverageWindow is the trailing window for the moving average and percentiles.
	AverageWindow time.Duration
	// Retention is how long latency samples survive a Sweep.
	Retention time.Duration
}

// DefaultConfig returns the stock aggregator sizes.
func DefaultConfig() Config {
	return Config{
		RecentRequests: 50,
		RecentErrors:   100,
		LatencySamples: 1000,
		AverageWindow:  time.Minute,
		Retention:      time.Hour,
	}
}

// Outcome is one finished gateway call. It never carries device credentials.
type Outcome struct {
	ID             string        `json:"id"`
	Time           time.Time     `json:"timestamp"`
	Route          string        `json:"route"`
	Method         string        `json:"method"`
	Endpoint       string        `json:"endpoint"`
	DeviceID       string        `json:"deviceId,omitempty"`
	DeviceLabel    string        `json:"device,omitempty"`
	CallerID       string        `json:"callerId,omitempty"`
	Status         int           `json:"status"`
	Latency        time.Duration `json:"-"`
	LatencyMs      int64         `json:"responseTime"`
	GatewaySuccess bool          `json:"success"`
	Kind           outcome.Kind  `json:"kind"`
	Code           string        `json:"code,omitempty"`
	Message        string        `json:"message,omitempty"`
	// Scope names the limiter that rejected a rate-limited request.
	Scope          string        `json:"scope,omitempty"`
	Cached         bool          `json:"cached,omitempty"`
}

// Recorder receives every outcome. Aggregator and PrometheusExporter both
// implement it.
type Recorder interface {
	Record(o Outcome)
}

type sample struct {
	at      time.Time
	latency time.Duration
}

// state is everything Reset replaces.
type state struct {
	start         time.Time
	total         int64
	succeeded     int64
	failed        int64
	rateLimited   int64
	offline       int64
	cachedOffline int64
	byEndpoint    map[string]int64
	byDevice      map[string]int64
	byCode        map[string]int64
	latencies     *ring[sample]
	requests      *ring[Outcome]
	errors        *ring[Outcome]
}

// Aggregator holds in-process gateway statistics. It is safe for concurrent use.
type Aggregator struct {
	cfg   Config
	clock clock.Clock
	next  Recorder

	mu sync.Mutex
	st *state
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithExporter forwards every recorded outcome to r as well.
func WithExporter(r Recorder) Option {
	return func(a *Aggregator) { a.next = r }
}

// NewAggregator returns an empty aggregator.
func NewAggregator(cfg Config, opts ...Option) *Aggregator {
	def := DefaultConfig()
	if cfg.RecentRequests <= 0 {
		cfg.RecentRequests = def.RecentRequests
	}
	if cfg.RecentErrors <= 0 {
		cfg.RecentErrors = def.RecentErrors
	}
	if cfg.LatencySamples <= 0 {
		cfg.LatencySamples = def.LatencySamples
	}
	if cfg.AverageWindow <= 0 {
		cfg.AverageWindow = def.AverageWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	a := &Aggregator{cfg: cfg, clock: clock.New()}
	for _, o := range opts {
		o(a)
	}
	a.st = a.newState()
	return a
}

func (a *Aggregator) newState() *state {
	return &state{
		start:      a.clock.Now(),
		byEndpoint: make(map[string]int64),
		byDevice:   make(map[string]int64),
		byCode:     make(map[string]int64),
		latencies:  newRing[sample](a.cfg.LatencySamples),
		requests:   newRing[Outcome](a.cfg.RecentRequests),
		errors:     newRing[Outcome](a.cfg.RecentErrors),
	}
}

// Record adds o to the statistics. Offline outcomes count as gateway
// successes and are tracked separately; only gateway failures enter the
// error ring.
func (a *Aggregator) Record(o Outcome) {
	if o.Time.IsZero() {
		o.Time = a.clock.Now()
	}
	o.LatencyMs = o.Latency.Milliseconds()

	a.mu.Lock()
	st := a.st
	st.total++
	if o.GatewaySuccess {
		st.succeeded++
	} else {
		st.failed++
		code := o.Code
		if code == "" {
			code = o.Kind.String()
		}
		st.byCode[code]++
		st.errors.push(o)
	}
	switch o.Kind {
	case outcome.RateLimited:
		st.rateLimited++
	case outcome.DeviceUnreachable:
		st.offline++
		if o.Cached {
			st.cachedOffline++
		}
	}
	if o.Endpoint != "" {
		st.byEndpoint[o.Endpoint]++
	}
	if o.DeviceLabel != "" {
		st.byDevice[o.DeviceLabel]++
	}
	if !o.Cached {
		st.latencies.push(sample{at: o.Time, latency: o.Latency})
	}
	st.requests.push(o)
	a.mu.Unlock()

	if a.next != nil {
		a.next.Record(o)
	}
}

// Count is a key with its request count.
type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Uptime is the time since the last reset.
type Uptime struct {
	Ms    int64  `json:"ms"`
	Human string `json:"human"`
}

// RequestStats are the request totals.
type RequestStats struct {
	Total       int64   `json:"total"`
	Successful  int64   `json:"successful"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"successRate"`
	PerMinute   float64 `json:"perMinute"`
}

// PerformanceStats are latency figures over the trailing window.
type PerformanceStats struct {
	AvgResponseMs float64 `json:"avgResponseTime"`
	P50Ms         float64 `json:"p50"`
	P95Ms         float64 `json:"p95"`
	P99Ms         float64 `json:"p99"`
	WindowSamples int     `json:"windowSamples"`
	RateLimitHits int64   `json:"rateLimitHits"`
}

// DeviceStats separates offline events from gateway failures.
type DeviceStats struct {
	OfflineEvents int64 `json:"offlineEvents"`
	CachedOffline int64 `json:"cachedOffline"`
}

// Stats is the snapshot served by the stats endpoint.
type Stats struct {
	StartTime    time.Time        `json:"startTime"`
	Uptime       Uptime           `json:"uptime"`
	Requests     RequestStats     `json:"requests"`
	Performance  PerformanceStats `json:"performance"`
	Devices      DeviceStats      `json:"devices"`
	Errors       map[string]int64 `json:"errors"`
	TopEndpoints []Count          `json:"topEndpoints"`
	TopDevices   []Count          `json:"topDevices"`
}

// Snapshot returns the current statistics.
func (a *Aggregator) Snapshot() Stats {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(now)
}

func (a *Aggregator) snapshotLocked(now time.Time) Stats {
	st := a.st
	uptime := now.Sub(st.start)

	successRate := 100.0
	if st.total > 0 {
		successRate = round2(float64(st.succeeded) / float64(st.total) * 100)
	}
	perMinute := 0.0
	if uptime > 0 {
		perMinute = round2(float64(st.total) / uptime.Minutes())
	}

	var window []float64
	cutoff := now.Add(-a.cfg.AverageWindow)
	for _, s := range st.latencies.slice() {
		if s.at.After(cutoff) {
			window = append(window, ms(s.latency))
		}
	}
	sort.Float64s(window)

	return Stats{
		StartTime: st.start,
		Uptime:    Uptime{Ms: uptime.Milliseconds(), Human: FormatUptime(uptime)},
		Requests: RequestStats{
			Total:       st.total,
			Successful:  st.succeeded,
			Failed:      st.failed,
			SuccessRate: successRate,
			PerMinute:   perMinute,
		},
		Performance: PerformanceStats{
			AvgResponseMs: round2(mean(window)),
			P50Ms:         round2(percentile(window, 50)),
			P95Ms:         round2(percentile(window, 95)),
			P99Ms:         round2(percentile(window, 99)),
			WindowSamples: len(window),
			RateLimitHits: st.rateLimited,
		},
		Devices:      DeviceStats{OfflineEvents: st.offline, CachedOffline: st.cachedOffline},
		Errors:       copyCounts(st.byCode),
		TopEndpoints: topN(st.byEndpoint, 5),
		TopDevices:   topN(st.byDevice, 5),
	}
}

// HistoryPoint is the mean latency of the samples within 30s of Time.
type HistoryPoint struct {
	Time          time.Time `json:"timestamp"`
	AvgResponseMs float64   `json:"avgResponseTime"`
	Requests      int       `json:"requestCount"`
}

// DetailedStats extends Stats with a per-minute history and raw breakdowns.
type DetailedStats struct {
	Stats
	History          []HistoryPoint   `json:"history"`
	AllEndpoints     map[string]int64 `json:"allEndpoints"`
	AllDevices       map[string]int64 `json:"allDevices"`
	LatencySampleLen int              `json:"latencySamples"`
}

// Detailed returns Stats plus a 31-point history covering the last 30 minutes.
func (a *Aggregator) Detailed() DetailedStats {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	samples := a.st.latencies.slice()
	history := make([]HistoryPoint, 0, 31)
	for i := 30; i >= 0; i-- {
		mark := now.Add(-time.Duration(i) * time.Minute)
		lo, hi := mark.Add(-30*time.Second), mark.Add(30*time.Second)
		var vals []float64
		for _, s := range samples {
			if !s.at.Before(lo) && s.at.Before(hi) {
				vals = append(vals, ms(s.latency))
			}
		}
		history = append(history, HistoryPoint{Time: mark, AvgResponseMs: round2(mean(vals)), Requests: len(vals)})
	}
	return DetailedStats{
		Stats:            a.snapshotLocked(now),
		History:          history,
		AllEndpoints:     copyCounts(a.st.byEndpoint),
		AllDevices:       copyCounts(a.st.byDevice),
		LatencySampleLen: a.st.latencies.len(),
	}
}

// SystemInfo describes the running process.
type SystemInfo struct {
	GoVersion  string `json:"goVersion"`
	Platform   string `json:"platform"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heapAlloc"`
	Sys        uint64 `json:"sys"`
}

// DebugInfo holds the diagnostic ring buffers, newest first.
type DebugInfo struct {
	RecentRequests    []Outcome  `json:"recentRequests"`
	ErrorDetails      []Outcome  `json:"errorDetails"`
	TotalErrorsStored int        `json:"totalErrorsStored"`
	System            SystemInfo `json:"systemInfo"`
}

// Debug returns the recent request and failure rings.
func (a *Aggregator) Debug() DebugInfo {
	a.mu.Lock()
	info := DebugInfo{
		RecentRequests:    a.st.requests.newestFirst(),
		ErrorDetails:      a.st.errors.newestFirst(),
		TotalErrorsStored: a.st.errors.len(),
	}
	a.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	info.System = SystemInfo{
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		Sys:        mem.Sys,
	}
	return info
}

// Summary is the compact view for external monitors.
type Summary struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	TotalRequests   int64   `json:"totalRequests"`
	SuccessRate     float64 `json:"successRate"`
	AvgResponseMs   float64 `json:"avgResponseTime"`
	RateLimitHits   int64   `json:"rateLimitHits"`
	OfflineEvents   int64   `json:"offlineEvents"`
	ActiveEndpoints int     `json:"activeEndpoints"`
	ActiveDevices   int     `json:"activeDevices"`
}

// degradedBelow is the success rate under which the summary reports degraded,
// once enough requests have been seen.
const (
	degradedBelow      = 90.0
	degradedMinSamples = 20
)

// Summary condenses Snapshot.
func (a *Aggregator) Summary() Summary {
	now := a.clock.Now()
	a.mu.Lock()
	s := a.snapshotLocked(now)
	endpoints, devices := len(a.st.byEndpoint), len(a.st.byDevice)
	a.mu.Unlock()

	status := "healthy"
	if s.Requests.Total >= degradedMinSamples && s.Requests.SuccessRate < degradedBelow {
		status = "degraded"
	}
	return Summary{
		Status:          status,
		Uptime:          s.Uptime.Human,
		TotalRequests:   s.Requests.Total,
		SuccessRate:     s.Requests.SuccessRate,
		AvgResponseMs:   s.Performance.AvgResponseMs,
		RateLimitHits:   s.Performance.RateLimitHits,
		OfflineEvents:   s.Devices.OfflineEvents,
		ActiveEndpoints: endpoints,
		ActiveDevices:   devices,
	}
}

// Reset discards all statistics and restarts the uptime clock.
func (a *Aggregator) Reset() {
	fresh := a.newState()
	a.mu.Lock()
	a.st = fresh
	a.mu.Unlock()
}

// Sweep drops latency samples older than the retention horizon and returns
// how many were removed.
func (a *Aggregator) Sweep() int {
	cutoff := a.clock.Now().Add(-a.cfg.Retention)
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for {
		s, ok := a.st.latencies.front()
		if !ok || s.at.After(cutoff) {
			return n
		}
		a.st.latencies.popFront()
		n++
	}
}

// FormatUptime renders d as "1d 2h 3m", "2h 3m 4s", "3m 4s" or "4s".
func FormatUptime(d time.Duration) string {
	sec := int64(d / time.Second)
	mins, hours, days := sec/60, sec/3600, sec/86400
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours%24, mins%60)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, mins%60, sec%60)
	case mins > 0:
		return fmt.Sprintf("%dm %ds", mins, sec%60)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}

func topN(m map[string]int64, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// percentile returns the p-th percentile of sorted using nearest rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted))*p/100+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
