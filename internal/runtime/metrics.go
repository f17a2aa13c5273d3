package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "actorflow"

var jobLabels = []string{"event", "actor"}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// register registers collectors, reusing ones registered earlier by another
// instance so several engines can share a registry.
func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// PrometheusMiddleware counts started, succeeded and failed jobs and
// observes their duration, labelled by event and actor.
type PrometheusMiddleware struct {
	started   *prometheus.CounterVec
	succeeded *prometheus.CounterVec
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewPrometheusMiddleware registers the job collectors on registerer, or on
// the default registerer when nil.
func NewPrometheusMiddleware(registerer prometheus.Registerer) (*PrometheusMiddleware, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &PrometheusMiddleware{}
	var err error
	if m.started, err = register(registerer, newCounterVec("handler", "started_total", "Jobs handed to a handler.", jobLabels)); err != nil {
		return nil, err
	}
	if m.succeeded, err = register(registerer, newCounterVec("handler", "succeeded_total", "Jobs that completed successfully.", jobLabels)); err != nil {
		return nil, err
	}
	if m.failed, err = register(registerer, newCounterVec("handler", "failed_total", "Jobs that failed, by failure kind.", append(jobLabels[:2:2], "kind"))); err != nil {
		return nil, err
	}
	if m.duration, err = register(registerer, newHistogramVec("handler", "duration_seconds", "Handler run time.", prometheus.DefBuckets, jobLabels)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PrometheusMiddleware) OnStart(_ context.Context, c *Context) error {
	m.started.WithLabelValues(c.Actor.EventName(), c.Actor.Name()).Inc()
	return nil
}

func (m *PrometheusMiddleware) OnSuccess(_ context.Context, c *OkContext) error {
	m.succeeded.WithLabelValues(c.Actor.EventName(), c.Actor.Name()).Inc()
	m.duration.WithLabelValues(c.Actor.EventName(), c.Actor.Name()).Observe(c.Duration.Seconds())
	return nil
}

func (m *PrometheusMiddleware) OnFailure(_ context.Context, c *ErrorContext) error {
	m.failed.WithLabelValues(c.Actor.EventName(), c.Actor.Name(), string(c.Kind)).Inc()
	if c.Duration > 0 {
		m.duration.WithLabelValues(c.Actor.EventName(), c.Actor.Name()).Observe(c.Duration.Seconds())
	}
	return nil
}

// DropMetrics tracks messages dropped after their last attempt and what
// happened to them afterwards.
type DropMetrics struct {
	mu sync.RWMutex

	actors map[string]*DroppedActorStats

	droppedTotal  *prometheus.CounterVec
	replayedTotal *prometheus.CounterVec
	attemptsHist  *prometheus.HistogramVec
	ageHist       *prometheus.HistogramVec
}

// DroppedActorStats holds the drop counters of one actor.
type DroppedActorStats struct {
	Dropped       uint64                 `json:"dropped"`
	Forwarded     uint64                 `json:"forwarded"`
	Replayed      uint64                 `json:"replayed"`
	ByKind        map[FailureKind]uint64 `json:"by_kind"`
	AvgAttempts   float64                `json:"avg_attempts"`
	LastDroppedAt time.Time              `json:"last_dropped_at,omitempty"`
}

// DropMetricsSnapshot is a point-in-time copy of DropMetrics.
type DropMetricsSnapshot struct {
	TotalDropped  uint64                        `json:"total_dropped"`
	TotalReplayed uint64                        `json:"total_replayed"`
	Actors        map[string]*DroppedActorStats `json:"actors"`
	CollectedAt   time.Time                     `json:"collected_at"`
}

// NewDropMetrics registers the drop collectors on registerer, or on the
// default registerer when nil.
func NewDropMetrics(registerer prometheus.Registerer) (*DropMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &DropMetrics{actors: make(map[string]*DroppedActorStats)}
	var err error
	if m.droppedTotal, err = register(registerer, newCounterVec("drop", "messages_total", "Messages acked without success after their last attempt.", append(jobLabels[:2:2], "kind"))); err != nil {
		return nil, err
	}
	if m.replayedTotal, err = register(registerer, newCounterVec("drop", "replayed_total", "Dropped messages published again from the dead-letter topic.", []string{"event"})); err != nil {
		return nil, err
	}
	if m.attemptsHist, err = register(registerer, newHistogramVec("drop", "attempts", "Attempts made before a message was dropped.", []float64{1, 2, 3, 5, 10, 20}, jobLabels)); err != nil {
		return nil, err
	}
	if m.ageHist, err = register(registerer, newHistogramVec("drop", "message_age_seconds", "Time between publishing and dropping a message.", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, jobLabels)); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDrop records a terminal drop. forwarded reports whether the message
// reached the dead-letter topic.
func (m *DropMetrics) RecordDrop(c *ErrorContext, forwarded bool) {
	event, actor := c.Actor.EventName(), c.Actor.Name()

	m.mu.Lock()
	stats := m.actorStats(c.Actor.Key())
	stats.Dropped++
	if forwarded {
		stats.Forwarded++
	}
	stats.ByKind[c.Kind]++
	stats.AvgAttempts = ((stats.AvgAttempts * float64(stats.Dropped-1)) + float64(c.Metadata.Attempt)) / float64(stats.Dropped)
	stats.LastDroppedAt = time.Now()
	m.mu.Unlock()

	m.droppedTotal.WithLabelValues(event, actor, string(c.Kind)).Inc()
	m.attemptsHist.WithLabelValues(event, actor).Observe(float64(c.Metadata.Attempt))
	if !c.Metadata.Timestamp.IsZero() {
		m.ageHist.WithLabelValues(event, actor).Observe(time.Since(c.Metadata.Timestamp).Seconds())
	}
}

// RecordReplay records a dead letter published again for the given actor key.
func (m *DropMetrics) RecordReplay(event, actorKey string) {
	m.mu.Lock()
	m.actorStats(actorKey).Replayed++
	m.mu.Unlock()
	m.replayedTotal.WithLabelValues(event).Inc()
}

func (m *DropMetrics) actorStats(key string) *DroppedActorStats {
	if stats, ok := m.actors[key]; ok {
		return stats
	}
	stats := &DroppedActorStats{ByKind: make(map[FailureKind]uint64)}
	m.actors[key] = stats
	return stats
}

// Snapshot returns a copy of the drop counters.
func (m *DropMetrics) Snapshot() DropMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DropMetricsSnapshot{
		Actors:      make(map[string]*DroppedActorStats, len(m.actors)),
		CollectedAt: time.Now(),
	}
	for key, stats := range m.actors {
		byKind := make(map[FailureKind]uint64, len(stats.ByKind))
		for kind, n := range stats.ByKind {
			byKind[kind] = n
		}
		copied := *stats
		copied.ByKind = byKind
		snapshot.Actors[key] = &copied
		snapshot.TotalDropped += stats.Dropped
		snapshot.TotalReplayed += stats.Replayed
	}
	return snapshot
}
