package executor

import (
	"context"
	"sync"
)

// Result carries the encoded reply of a job back to the runtime, across
// goroutines and worker processes.
type Result struct {
	mu   sync.Mutex
	data []byte
	set  bool
}

type resultKey struct{}

// WithResult returns a context whose handler may report a reply with
// SetResult.
func WithResult(ctx context.Context) (context.Context, *Result) {
	r := &Result{}
	return context.WithValue(ctx, resultKey{}, r), r
}

// SetResult stores data as the reply of the running job. It reports false
// when nobody asked for a reply.
func SetResult(ctx context.Context, data []byte) bool {
	r, ok := ctx.Value(resultKey{}).(*Result)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append([]byte(nil), data...)
	r.set = true
	return true
}

// Bytes returns the stored reply and whether one was set.
func (r *Result) Bytes() ([]byte, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, r.set
}
