package memory

import (
	"context"

	"github.com/drblury/actorflow/broker"
	idspkg "github.com/drblury/actorflow/internal/runtime/ids"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

var _ broker.Requester = (*Broker)(nil)

// subscriptionBuffer is how many notifications a subscriber may lag behind
// before new ones are dropped for it.
const subscriptionBuffer = 256

type subscription struct {
	subject string
	ch      chan broker.Notification
}

// Notify implements broker.Notifier.
func (b *Broker) Notify(_ context.Context, subject string, data []byte, headers metadata.Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	b.fanOutLocked(subject, data, headers)
	return nil
}

// Subscribe implements broker.Notifier. Stored publishes reach subscribers
// too, like core subscriptions on a JetStream subject.
func (b *Broker) Subscribe(ctx context.Context, subject string) (<-chan broker.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	sub := &subscription{subject: subject, ch: make(chan broker.Notification, subscriptionBuffer)}
	if b.subs == nil {
		b.subs = make(map[*subscription]struct{})
	}
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}()
	return sub.ch, nil
}

// NewInbox implements broker.Notifier.
func (b *Broker) NewInbox() string {
	return "_INBOX." + idspkg.CreateULID()
}

func (b *Broker) fanOutLocked(subject string, data []byte, headers metadata.Metadata) {
	for sub := range b.subs {
		if sub.subject != subject {
			continue
		}
		n := broker.Notification{Subject: subject, Data: append([]byte(nil), data...), Headers: headers.Clone()}
		select {
		case sub.ch <- n:
		default:
		}
	}
}
