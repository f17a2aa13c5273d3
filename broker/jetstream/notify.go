package jetstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/actorflow/broker"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

var _ broker.Requester = (*Broker)(nil)

// notificationBuffer bounds the messages queued per subscription. NATS drops
// further messages for a slow subscriber.
const notificationBuffer = 256

// Notify implements broker.Notifier with a core NATS publish. Subjects bound
// to a stream would still be stored, so use it for inboxes.
func (b *Broker) Notify(_ context.Context, subject string, data []byte, headers metadata.Metadata) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("jetstream: notify %s: %w", subject, err)
	}
	return nil
}

// Subscribe implements broker.Notifier with a core NATS subscription, which
// also sees messages published to streams on that subject.
func (b *Broker) Subscribe(ctx context.Context, subject string) (<-chan broker.Notification, error) {
	in := make(chan *nats.Msg, notificationBuffer)
	sub, err := b.nc.ChanSubscribe(subject, in)
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", subject, err)
	}

	out := make(chan broker.Notification, notificationBuffer)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				b.logger.Error("NATS unsubscribe failed", err, watermill.LogFields{"subject": subject})
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				n := broker.Notification{Subject: msg.Subject, Data: msg.Data, Headers: fromHeader(msg.Header)}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// NewInbox implements broker.Notifier.
func (b *Broker) NewInbox() string {
	return b.nc.NewInbox()
}

func fromHeader(hdr nats.Header) metadata.Metadata {
	out := make(metadata.Metadata, len(hdr))
	for k := range hdr {
		out[k] = hdr.Get(k)
	}
	return out
}
