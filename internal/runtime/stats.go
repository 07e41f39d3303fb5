package runtime

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/drblury/servicemesh/internal/runtime/dispatch"
)

const latencySampleSize = 256

// RegistrationStats summarises the jobs handled for one registration.
type RegistrationStats struct {
	MessagesProcessed   uint64         `json:"messages_processed"`
	MessagesFailed      uint64         `json:"messages_failed"`
	TotalProcessingTime int64          `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time      `json:"last_processed_at"`
	LastError           string         `json:"last_error,omitempty"`
	Latency             LatencyMetrics `json:"latency"`
}

// LatencyMetrics are computed over the most recent jobs.
type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// RegistrationInfo describes a registered service or consumer.
type RegistrationInfo struct {
	Name     string            `json:"name"`
	Kind     string            `json:"kind"`
	Subjects []string          `json:"subjects"`
	Stats    RegistrationStats `json:"stats"`
}

type registrationState struct {
	info    RegistrationInfo
	latency *latencyWindow
}

// statsCollector is keyed by "{pool}/{registration}".
type statsCollector struct {
	mu    sync.Mutex
	order []string
	regs  map[string]*registrationState
}

func newStatsCollector() *statsCollector {
	return &statsCollector{regs: make(map[string]*registrationState)}
}

func (s *statsCollector) track(name, kind string, subjects ...string) {
	key := kind + "/" + name
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[key]; ok {
		return
	}
	s.order = append(s.order, key)
	s.regs[key] = &registrationState{
		info:    RegistrationInfo{Name: name, Kind: kind, Subjects: slices.Clone(subjects)},
		latency: newLatencyWindow(latencySampleSize),
	}
}

func (s *statsCollector) record(ctx dispatch.JobContext, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.regs[ctx.Pool+"/"+ctx.Registration]
	if !ok {
		return
	}
	stats := &st.info.Stats
	stats.MessagesProcessed++
	stats.TotalProcessingTime += int64(ctx.Duration)
	stats.LastProcessedAt = ctx.StartedAt.Add(ctx.Duration)
	if err != nil {
		stats.MessagesFailed++
		stats.LastError = err.Error()
	}
	st.latency.Add(ctx.Duration)
	stats.Latency = st.latency.Snapshot()
}

func (s *statsCollector) hooks() dispatch.JobHooks {
	return dispatch.JobHooks{
		OnJobDone:  func(ctx dispatch.JobContext) { s.record(ctx, nil) },
		OnJobError: s.record,
	}
}

func (s *statsCollector) snapshot() []RegistrationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RegistrationInfo, 0, len(s.order))
	for _, key := range s.order {
		info := s.regs[key].info
		info.Subjects = slices.Clone(info.Subjects)
		out = append(out, info)
	}
	return out
}

// Registrations returns every registration with its job statistics, in
// registration order.
func (m *Mesh) Registrations() []RegistrationInfo {
	return m.stats.snapshot()
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)
	m.SampleSize = lw.filled
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.AverageNs = sum / int64(len(samples))
	return m
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}
