package memory

import (
	"context"
	"slices"
	"time"

	"github.com/drblury/actorflow/broker"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

const defaultAckWait = 30 * time.Second

type consumerHandle struct {
	b *Broker
	c *consumer
}

// Fetch implements broker.Consumer.
func (h *consumerHandle) Fetch(ctx context.Context, batch int, wait time.Duration) ([]broker.Message, error) {
	if batch <= 0 {
		return nil, nil
	}
	expired := time.NewTimer(wait)
	defer expired.Stop()

	for {
		h.b.mu.Lock()
		if h.b.closed {
			h.b.mu.Unlock()
			return nil, broker.ErrClosed
		}
		msgs, nextDue := h.collectLocked(batch)
		wake := h.b.wake
		now := h.b.now()
		h.b.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}

		var dueC <-chan time.Time
		var dueTimer *time.Timer
		if !nextDue.IsZero() {
			dueTimer = time.NewTimer(max(nextDue.Sub(now), time.Millisecond))
			dueC = dueTimer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(dueTimer)
			return nil, ctx.Err()
		case <-expired.C:
			stopTimer(dueTimer)
			return nil, nil
		case <-wake:
		case <-dueC:
		}
		stopTimer(dueTimer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// collectLocked hands out due redeliveries first, then new messages from the
// cursor. It also reports the earliest future redelivery.
func (h *consumerHandle) collectLocked(limit int) ([]broker.Message, time.Time) {
	c := h.c
	now := h.b.now()
	ackWait := c.cfg.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}

	var out []broker.Message
	var nextDue time.Time

	seqs := make([]uint64, 0, len(c.pending))
	for seq := range c.pending {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	for _, seq := range seqs {
		d := c.pending[seq]
		if d.due.After(now) {
			if nextDue.IsZero() || d.due.Before(nextDue) {
				nextDue = d.due
			}
			continue
		}
		if len(out) >= limit {
			continue
		}
		out = append(out, h.handOutLocked(d, now, ackWait))
	}

	s := c.stream
	for len(out) < limit && c.cursor < s.nextSeq {
		if pendingCap := c.cfg.MaxAckPending; pendingCap > 0 && len(c.pending) >= pendingCap {
			break
		}
		msg := s.lookup(c.cursor)
		c.cursor++
		if msg == nil {
			continue
		}
		if age := s.cfg.Limits.MaxAge; age > 0 && now.Sub(msg.at) > age {
			continue
		}
		if c.cfg.FilterSubject != "" && c.cfg.FilterSubject != msg.subject {
			continue
		}
		d := &delivery{msg: msg}
		c.pending[msg.seq] = d
		out = append(out, h.handOutLocked(d, now, ackWait))
	}
	return out, nextDue
}

func (h *consumerHandle) handOutLocked(d *delivery, now time.Time, ackWait time.Duration) broker.Message {
	d.delivered++
	d.token++
	d.due = now.Add(ackWait)
	return &message{
		h:         h,
		d:         d,
		token:     d.token,
		delivered: d.delivered,
		pending:   h.c.stream.nextSeq - h.c.cursor,
	}
}

func (s *stream) lookup(seq uint64) *stored {
	if len(s.messages) == 0 || seq < s.messages[0].seq {
		return nil
	}
	idx := int(seq - s.messages[0].seq)
	if idx >= len(s.messages) {
		return nil
	}
	return s.messages[idx]
}

type message struct {
	h         *consumerHandle
	d         *delivery
	token     uint64
	delivered uint64
	pending   uint64
	done      bool
}

func (m *message) Subject() string            { return m.d.msg.subject }
func (m *message) Data() []byte               { return m.d.msg.data }
func (m *message) Headers() metadata.Metadata { return m.d.msg.headers }

func (m *message) Metadata() (broker.MessageMetadata, error) {
	return broker.MessageMetadata{
		Stream:       m.h.c.stream.cfg.Name,
		Consumer:     m.h.c.cfg.Durable,
		Sequence:     m.d.msg.seq,
		NumDelivered: m.delivered,
		NumPending:   m.pending,
		Timestamp:    m.d.msg.at,
	}, nil
}

func (m *message) Ack(context.Context) error {
	b := m.h.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.done {
		return broker.ErrAlreadyAcknowledged
	}
	m.done = true
	c := m.h.c
	if _, ok := c.pending[m.d.msg.seq]; ok {
		delete(c.pending, m.d.msg.seq)
		c.acked = append(c.acked, m.d.msg.seq)
	}
	b.notifyLocked()
	return nil
}

func (m *message) Nak(_ context.Context, delay time.Duration) error {
	b := m.h.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.done {
		return broker.ErrAlreadyAcknowledged
	}
	m.done = true
	if m.d.token == m.token {
		m.d.due = b.now().Add(max(delay, 0))
		m.h.c.naks++
	}
	b.notifyLocked()
	return nil
}

func (m *message) InProgress(context.Context) error {
	b := m.h.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.done {
		return broker.ErrAlreadyAcknowledged
	}
	if m.d.token == m.token {
		ackWait := m.h.c.cfg.AckWait
		if ackWait <= 0 {
			ackWait = defaultAckWait
		}
		m.d.due = b.now().Add(ackWait)
	}
	return nil
}
