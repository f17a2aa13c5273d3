package runtime

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/drblury/actorflow/internal/runtime/codec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ActorStats collects the counters of one actor runtime.
type ActorStats struct {
	mu sync.Mutex `json:"-"`

	Pulled    uint64 `json:"pulled"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Dropped   uint64 `json:"dropped"`
	// Skipped counts messages acked without a handler call: replays meant for
	// another actor and deliveries past MaxAttempts.
	Skipped uint64 `json:"skipped"`

	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Backlog    BacklogMetrics    `json:"backlog"`
	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

// ActorInfo describes one actor on the status API.
type ActorInfo struct {
	Name        string      `json:"name"`
	Event       string      `json:"event"`
	Description string      `json:"description,omitempty"`
	ExecuteIn   string      `json:"execute_in"`
	Priority    int         `json:"priority"`
	MaxJobs     int         `json:"max_jobs"`
	MaxPolls    int         `json:"max_polls"`
	MaxAttempts int         `json:"max_attempts"`
	AckWait     string      `json:"ack_wait"`
	JobTimeout  string      `json:"job_timeout"`
	Stats       *ActorStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// BacklogMetrics tracks pulled and running jobs with their high-water marks.
type BacklogMetrics struct {
	InFlight    int64 `json:"in_flight"`
	MaxInFlight int64 `json:"max_in_flight"`
	Running     int64 `json:"running"`
	MaxRunning  int64 `json:"max_running"`
}

// ErrorBreakdown counts failures per kind.
type ErrorBreakdown struct {
	ByKind    map[FailureKind]uint64 `json:"by_kind"`
	LastError string                 `json:"last_error,omitempty"`
}

func newActorStats() *ActorStats {
	return &ActorStats{
		Errors:           ErrorBreakdown{ByKind: make(map[FailureKind]uint64)},
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *ActorStats) onPulled(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pulled += uint64(n)
	s.Backlog.InFlight += int64(n)
	s.Backlog.MaxInFlight = max(s.Backlog.MaxInFlight, s.Backlog.InFlight)
}

func (s *ActorStats) onResolved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Backlog.InFlight > 0 {
		s.Backlog.InFlight--
	}
}

func (s *ActorStats) onRunning(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Backlog.Running += delta
	s.Backlog.MaxRunning = max(s.Backlog.MaxRunning, s.Backlog.Running)
}

func (s *ActorStats) onSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Skipped++
}

func (s *ActorStats) onSuccess(duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Succeeded++
	s.recordDurationLocked(duration)
}

func (s *ActorStats) onFailure(kind FailureKind, err error, duration time.Duration, retry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failed++
	if retry {
		s.Retried++
	} else {
		s.Dropped++
	}
	s.Errors.Record(kind, err)
	if duration > 0 {
		s.recordDurationLocked(duration)
	}
}

func (s *ActorStats) recordDurationLocked(duration time.Duration) {
	now := time.Now()
	s.TotalProcessingTime += int64(duration)
	s.LastProcessedAt = now.UTC()

	s.latencyWindow.Add(duration)
	s.Latency = s.latencyWindow.Snapshot()

	snapshot := s.throughputWindow.AddAndSnapshot(now)
	s.Throughput = ThroughputMetrics{
		CurrentRPS:       snapshot.CurrentRPS,
		WindowSeconds:    snapshot.WindowSeconds,
		MessagesInWindow: uint64(snapshot.Count),
	}
}

// Snapshot returns a copy that is safe to read without locking.
func (s *ActorStats) Snapshot() *ActorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind := make(map[FailureKind]uint64, len(s.Errors.ByKind))
	for kind, n := range s.Errors.ByKind {
		byKind[kind] = n
	}
	return &ActorStats{
		Pulled:              s.Pulled,
		Succeeded:           s.Succeeded,
		Failed:              s.Failed,
		Retried:             s.Retried,
		Dropped:             s.Dropped,
		Skipped:             s.Skipped,
		TotalProcessingTime: s.TotalProcessingTime,
		LastProcessedAt:     s.LastProcessedAt,
		Backlog:             s.Backlog,
		Latency:             s.Latency,
		Throughput:          s.Throughput,
		Errors:              ErrorBreakdown{ByKind: byKind, LastError: s.Errors.LastError},
	}
}

func (s *ActorStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type Alias ActorStats
	return codec.Marshal((*Alias)(s))
}

func (e *ErrorBreakdown) Record(kind FailureKind, err error) {
	if e.ByKind == nil {
		e.ByKind = make(map[FailureKind]uint64)
	}
	e.ByKind[kind]++
	if err != nil {
		e.LastError = err.Error()
	}
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
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
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
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
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

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
