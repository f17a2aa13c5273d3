package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/actorflow/broker"
	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
	idspkg "github.com/drblury/actorflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

// DeadLetterMiddleware forwards messages dropped after their last attempt to
// a watermill topic, so they can be inspected and replayed.
type DeadLetterMiddleware struct {
	BaseMiddleware

	Publisher message.Publisher
	Topic     string
	// Metrics is optional.
	Metrics *DropMetrics
	Logger  loggingpkg.ServiceLogger
}

func (m *DeadLetterMiddleware) OnFailure(_ context.Context, c *ErrorContext) error {
	if c.Retry {
		return nil
	}
	err := m.forward(c)
	if m.Metrics != nil {
		m.Metrics.RecordDrop(c, err == nil)
	}
	return err
}

func (m *DeadLetterMiddleware) forward(c *ErrorContext) error {
	if m.Publisher == nil {
		return errorspkg.ErrPublisherRequired
	}
	msg := message.NewMessage(idspkg.CreateULID(), c.Payload)
	msg.Metadata = metadata.ToWatermill(deadLetterHeaders(c))
	if err := m.Publisher.Publish(m.Topic, msg); err != nil {
		return fmt.Errorf("forward dead letter to %s: %w", m.Topic, err)
	}
	if m.Logger != nil {
		m.Logger.Info("Message forwarded to dead-letter topic", loggingpkg.LogFields{
			"topic":    m.Topic,
			"actor":    c.Actor.Name(),
			"event":    c.Actor.EventName(),
			"sequence": c.Metadata.Sequence,
			"attempts": c.Metadata.Attempt,
		})
	}
	return nil
}

func deadLetterHeaders(c *ErrorContext) metadata.Metadata {
	reason := ""
	if c.Err != nil {
		reason = c.Err.Error()
	}
	return c.Metadata.Headers.WithAll(metadata.Metadata{
		metadata.HeaderDeadEvent:    c.Actor.EventName(),
		metadata.HeaderDeadActor:    c.Actor.Name(),
		metadata.HeaderDeadAttempts: strconv.Itoa(c.Metadata.Attempt),
		metadata.HeaderDeadReason:   reason,
		metadata.HeaderDeadKind:     string(c.Kind),
		metadata.HeaderDeadSequence: strconv.FormatUint(c.Metadata.Sequence, 10),
	})
}

// ReplayOptions tunes ReplayDeadLetters.
type ReplayOptions struct {
	// Filter selects which dead letters are replayed. Rejected ones are
	// nacked and stay on the dead-letter topic. Nil replays everything.
	Filter func(event, actor string) bool
	// SkipPause is the wait after nacking a rejected dead letter, so
	// transports that redeliver at once do not spin. Defaults to 100ms.
	SkipPause time.Duration
	// Metrics is optional.
	Metrics *DropMetrics
	Logger  loggingpkg.ServiceLogger
}

const defaultSkipPause = 100 * time.Millisecond

var (
	errNotDeadLetter = errors.New("message carries no dead-letter headers")
	errFiltered      = errors.New("dead letter rejected by filter")
)

// ReplayDeadLetters consumes topic and publishes every dead letter back to
// its event, addressed to the actor that dropped it. It returns when ctx is
// done or the subscription closes.
func ReplayDeadLetters(ctx context.Context, sub message.Subscriber, topic string, pub broker.Publisher, opts ReplayOptions) error {
	if sub == nil || pub == nil {
		return errorspkg.ErrPublisherRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.NewDiscardLogger()
	}
	if opts.SkipPause <= 0 {
		opts.SkipPause = defaultSkipPause
	}

	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			err := replayOne(ctx, msg, pub, opts)
			if errors.Is(err, errFiltered) {
				msg.Nack()
				if !sleep(ctx, opts.SkipPause) {
					return nil
				}
				continue
			}
			if errors.Is(err, errNotDeadLetter) {
				logger.Info("Skipping foreign message on dead-letter topic", loggingpkg.LogFields{"uuid": msg.UUID})
				msg.Ack()
				continue
			}
			if err != nil {
				logger.Error("Dead letter replay failed", err, loggingpkg.LogFields{"uuid": msg.UUID})
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}
}

func replayOne(ctx context.Context, msg *message.Message, pub broker.Publisher, opts ReplayOptions) error {
	headers := metadata.FromWatermill(msg.Metadata)
	event, actor := headers.Get(metadata.HeaderDeadEvent), headers.Get(metadata.HeaderDeadActor)
	if event == "" || actor == "" {
		return errNotDeadLetter
	}
	if opts.Filter != nil && !opts.Filter(event, actor) {
		return errFiltered
	}

	for _, key := range []string{
		metadata.HeaderDeadEvent, metadata.HeaderDeadActor, metadata.HeaderDeadAttempts,
		metadata.HeaderDeadReason, metadata.HeaderDeadKind, metadata.HeaderDeadSequence,
		metadata.HeaderMessageID,
	} {
		delete(headers, key)
	}
	key := event + "/" + actor
	headers[metadata.HeaderMessageID] = idspkg.CreateULID()
	headers[metadata.HeaderReplayFor] = key

	if err := pub.Publish(ctx, event, msg.Payload, headers); err != nil {
		return err
	}
	if opts.Metrics != nil {
		opts.Metrics.RecordReplay(event, key)
	}
	return nil
}
