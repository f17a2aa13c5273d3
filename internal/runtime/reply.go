package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/actorflow/broker"
	"github.com/drblury/actorflow/internal/runtime/codec"
	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/executor"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

// DefaultRequestTimeout bounds Request when ctx carries no deadline.
const DefaultRequestTimeout = 3 * time.Second

// Reply adapts a handler returning a result into an actor handler. When the
// message was sent by Request, the encoded result is published to the
// requester's inbox once the message is acked. Other messages ignore it.
func Reply[T, R any](response codec.Serializer[R], h func(context.Context, T) (R, error)) Handler[T] {
	return func(ctx context.Context, msg T) error {
		out, err := h(ctx, msg)
		if err != nil {
			return err
		}
		data, err := response.Encode(out)
		if err != nil {
			return fmt.Errorf("encode reply: %w", err)
		}
		executor.SetResult(ctx, data)
		return nil
	}
}

// Request emits value and waits for the reply of an actor built with Reply.
// The first reply wins when several actors answer the event. A message
// dropped after its last attempt answers with its final error.
func Request[T, R any](ctx context.Context, b broker.Requester, event Event[T], value T, response codec.Serializer[R], opts ...EmitOption) (R, error) {
	var zero R
	if b == nil {
		return zero, errorspkg.ErrPublisherRequired
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	subCtx, stop := context.WithCancel(ctx)
	defer stop()

	inbox := b.NewInbox()
	replies, err := b.Subscribe(subCtx, inbox)
	if err != nil {
		return zero, fmt.Errorf("request %s: %w", event.Name, err)
	}
	opts = append(opts, WithMeta(metadata.Metadata{metadata.HeaderReplyTo: inbox}))
	if err := Emit(ctx, b, event, value, opts...); err != nil {
		return zero, err
	}

	select {
	case n, ok := <-replies:
		if !ok {
			return zero, fmt.Errorf("request %s: %w", event.Name, broker.ErrClosed)
		}
		if reason := n.Headers.Get(metadata.HeaderReplyError); reason != "" {
			return zero, fmt.Errorf("request %s: %w", event.Name, &errorspkg.HandlerError{Message: reason})
		}
		out, err := response.Decode(n.Data)
		if err != nil {
			return zero, fmt.Errorf("decode reply to %s: %w", event.Name, err)
		}
		return out, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("request %s: %w: %w", event.Name, errorspkg.ErrRequestTimeout, ctx.Err())
	}
}

// reply answers a request with data, or with failure when the message was
// dropped. Messages without a reply inbox are left alone.
func (r *actorRuntime) reply(jc *Context, data []byte, failure error) {
	inbox := jc.Metadata.Headers.Get(metadata.HeaderReplyTo)
	if inbox == "" || r.opts.notifier == nil {
		return
	}
	headers := metadata.New()
	if jc.Metadata.MessageID != "" {
		headers[metadata.HeaderMessageID] = jc.Metadata.MessageID
	}
	if jc.Metadata.TraceID != "" {
		headers[metadata.HeaderTraceID] = jc.Metadata.TraceID
	}
	if failure != nil {
		headers[metadata.HeaderReplyError] = failure.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	if err := r.opts.notifier.Notify(ctx, inbox, data, headers); err != nil {
		r.logger.Error("Reply failed", err, loggingpkg.LogFields{"inbox": inbox, "job_id": jc.JobID})
	}
}

// Monitor streams every message published on the registered events, live.
// Nothing is replayed and no consumer is created. The channel closes when
// ctx is done; a slow reader loses notifications rather than blocking.
func (r *Events) Monitor(ctx context.Context, n broker.Notifier) (<-chan broker.Notification, error) {
	if n == nil {
		return nil, errorspkg.ErrNotifierRequired
	}
	names := r.Names()
	ctx, cancel := context.WithCancel(ctx)
	feeds := make([]<-chan broker.Notification, 0, len(names))
	for _, name := range names {
		feed, err := n.Subscribe(ctx, name)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("monitor %s: %w", name, err)
		}
		feeds = append(feeds, feed)
	}

	out := make(chan broker.Notification, len(names))
	var wg sync.WaitGroup
	for _, feed := range feeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for note := range feed {
				select {
				case out <- note:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out, nil
}
