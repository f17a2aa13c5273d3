package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/drblury/actorflow/internal/runtime/codec"
	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
)

// HandlerFunc is the shape of a handler callable inside a worker process.
type HandlerFunc func(ctx context.Context, payload []byte) error

// IsWorker reports whether the current process was spawned by a ProcessPool.
func IsWorker() bool {
	return os.Getenv(WorkerEnv) == "1"
}

// ServeWorker answers requests read from r until r is exhausted. Responses
// are written to w in request order.
func ServeWorker(ctx context.Context, handlers map[string]HandlerFunc, r io.Reader, w io.Writer) error {
	dec := codec.NewDecoder(bufio.NewReader(r))
	out := bufio.NewWriter(w)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		resp := response{ID: req.ID}
		handler, ok := handlers[req.Handler]
		if !ok {
			resp.Error = errorspkg.ErrUnknownHandler.Error()
		} else {
			jobCtx, result := WithResult(ctx)
			err := Safe(jobCtx, func(ctx context.Context) error { return handler(ctx, req.Payload) })
			var panicErr *errorspkg.PanicError
			switch {
			case errors.As(err, &panicErr):
				resp.Panic = true
				resp.Error = fmt.Sprint(panicErr.Value)
			case err != nil:
				resp.Error = err.Error()
			default:
				if data, ok := result.Bytes(); ok {
					resp.Result = data
					if data == nil {
						resp.Result = []byte{}
					}
				}
			}
		}

		if err := codec.Encode(out, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := out.Flush(); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// RunWorkerIfRequested turns the current process into a worker when it was
// spawned by a ProcessPool, and exits once the parent closes stdin. It
// returns immediately otherwise. Call it early in main, after handlers are
// known and before any side effects.
func RunWorkerIfRequested(handlers map[string]HandlerFunc) {
	if !IsWorker() {
		return
	}
	// Frames own stdout; stray prints from handlers go to stderr.
	frames := os.Stdout
	os.Stdout = os.Stderr
	if err := ServeWorker(context.Background(), handlers, os.Stdin, frames); err != nil {
		fmt.Fprintln(os.Stderr, "actorflow worker:", err)
		os.Exit(1)
	}
	os.Exit(0)
}
