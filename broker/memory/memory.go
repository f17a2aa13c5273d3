// Package memory implements broker.Broker inside the current process. It
// keeps the delivery semantics the runtime depends on: durable cursors,
// ack-wait redelivery, delayed naks, pending limits and publish dedup.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/actorflow/broker"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

var _ broker.Broker = (*Broker)(nil)

// Broker is an in-memory broker. The zero value is not usable; call New.
type Broker struct {
	mu      sync.Mutex
	now     func() time.Time
	streams map[string]*stream
	// subjects maps a subject to the stream storing it.
	subjects map[string]*stream
	wake     chan struct{}
	subs     map[*subscription]struct{}
	done     chan struct{}
	closed   bool
}

// Option customises a Broker.
type Option func(*Broker)

// WithClock overrides the time source used for deadlines.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New returns an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		now:      time.Now,
		streams:  make(map[string]*stream),
		subjects: make(map[string]*stream),
		wake:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type stream struct {
	cfg       broker.StreamConfig
	messages  []*stored
	nextSeq   uint64
	dedup     map[string]time.Time
	consumers map[string]*consumer
}

type stored struct {
	seq     uint64
	subject string
	data    []byte
	headers metadata.Metadata
	at      time.Time
}

type consumer struct {
	cfg     broker.ConsumerConfig
	stream  *stream
	cursor  uint64
	pending map[uint64]*delivery
	acked   []uint64
	naks    int
}

type delivery struct {
	msg       *stored
	delivered uint64
	due       time.Time
	// token identifies the latest handout so stale deliveries can be told apart.
	token uint64
}

// EnsureStream implements broker.Broker.
func (b *Broker) EnsureStream(_ context.Context, cfg broker.StreamConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("memory: stream name is required")
	}
	if err := cfg.Limits.Validate(); err != nil {
		return fmt.Errorf("memory: stream %s: %w", cfg.Name, err)
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = []string{cfg.Name}
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = broker.DefaultDuplicateWindow
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}

	s, ok := b.streams[cfg.Name]
	if !ok {
		s = &stream{cfg: cfg, nextSeq: 1, dedup: make(map[string]time.Time), consumers: make(map[string]*consumer)}
		b.streams[cfg.Name] = s
	} else {
		s.cfg = cfg.Merge(s.cfg)
	}
	for _, subject := range s.cfg.Subjects {
		b.subjects[subject] = s
	}
	return nil
}

// EnsureConsumer implements broker.Broker.
func (b *Broker) EnsureConsumer(_ context.Context, cfg broker.ConsumerConfig) (broker.Consumer, error) {
	if cfg.Durable == "" {
		return nil, fmt.Errorf("memory: durable name is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}

	s, ok := b.streams[cfg.Stream]
	if !ok {
		return nil, fmt.Errorf("memory: %s: %w", cfg.Stream, broker.ErrStreamNotFound)
	}
	if limit := s.cfg.Limits.MaxConsumers; limit > 0 {
		if _, exists := s.consumers[cfg.Durable]; !exists && len(s.consumers) >= limit {
			return nil, fmt.Errorf("memory: stream %s allows at most %d consumers", cfg.Stream, limit)
		}
	}
	c, ok := s.consumers[cfg.Durable]
	if !ok {
		c = &consumer{cfg: cfg, stream: s, cursor: firstSeq(s), pending: make(map[uint64]*delivery)}
		s.consumers[cfg.Durable] = c
	} else {
		c.cfg = cfg.Merge(c.cfg)
	}
	return &consumerHandle{b: b, c: c}, nil
}

func firstSeq(s *stream) uint64 {
	if len(s.messages) == 0 {
		return s.nextSeq
	}
	return s.messages[0].seq
}

// Publish implements broker.Publisher. A message whose HeaderMessageID was
// already seen within the duplicate window is silently dropped.
func (b *Broker) Publish(_ context.Context, subject string, data []byte, headers metadata.Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}

	s, ok := b.subjects[subject]
	if !ok {
		return fmt.Errorf("memory: no stream for subject %s: %w", subject, broker.ErrStreamNotFound)
	}
	if limit := s.cfg.Limits.MaxMessageSize; limit > 0 && len(data) > int(limit) {
		return broker.ErrMessageTooLarge
	}

	now := b.now()
	for id, seen := range s.dedup {
		if now.Sub(seen) > s.cfg.DuplicateWindow {
			delete(s.dedup, id)
		}
	}
	if id := headers.Get(metadata.HeaderMessageID); id != "" {
		if _, dup := s.dedup[id]; dup {
			return nil
		}
		s.dedup[id] = now
	}

	s.messages = append(s.messages, &stored{
		seq:     s.nextSeq,
		subject: subject,
		data:    append([]byte(nil), data...),
		headers: headers.Clone(),
		at:      now,
	})
	s.nextSeq++
	if limit := s.cfg.Limits.MaxMessages; limit > 0 && int64(len(s.messages)) > limit {
		s.messages = s.messages[int64(len(s.messages))-limit:]
	}
	b.notifyLocked()
	b.fanOutLocked(subject, data, headers)
	return nil
}

// Close releases waiting fetchers. Further calls fail with broker.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.wake)
		close(b.done)
	}
	return nil
}

func (b *Broker) notifyLocked() {
	if b.closed {
		return
	}
	close(b.wake)
	b.wake = make(chan struct{})
}

// Messages returns the payloads currently stored on a stream, oldest first.
func (b *Broker) Messages(streamName string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[streamName]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.data)
	}
	return out
}

// StreamInfo returns the effective configuration of a stream.
func (b *Broker) StreamInfo(name string) (broker.StreamConfig, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		return broker.StreamConfig{}, false
	}
	return s.cfg, true
}

// ConsumerState is a point-in-time view of a durable consumer.
type ConsumerState struct {
	Config  broker.ConsumerConfig
	Acked   []uint64
	Pending int
	Naks    int
}

// ConsumerInfo reports the state of a durable consumer.
func (b *Broker) ConsumerInfo(streamName, durable string) (ConsumerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[streamName]
	if !ok {
		return ConsumerState{}, false
	}
	c, ok := s.consumers[durable]
	if !ok {
		return ConsumerState{}, false
	}
	return ConsumerState{
		Config:  c.cfg,
		Acked:   append([]uint64(nil), c.acked...),
		Pending: len(c.pending),
		Naks:    c.naks,
	}, true
}
