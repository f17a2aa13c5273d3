package executor

import (
	"context"
	"slices"
	"sync"
)

// Scheduler hands out a fixed number of slots. When callers queue up, freed
// slots go to waiters by smooth weighted round-robin over their weights, so
// heavier callers win more often and no weight is starved.
type Scheduler struct {
	mu      sync.Mutex
	free    int
	size    int
	queues  map[int][]*waiter
	current map[int]int
	waiting int
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// NewScheduler returns a scheduler with size slots. A size below one is
// treated as one.
func NewScheduler(size int) *Scheduler {
	if size < 1 {
		size = 1
	}
	return &Scheduler{
		free:    size,
		size:    size,
		queues:  make(map[int][]*waiter),
		current: make(map[int]int),
	}
}

// Size returns the number of slots.
func (s *Scheduler) Size() int { return s.size }

// Waiting returns the number of callers blocked in Acquire.
func (s *Scheduler) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// InUse returns the number of slots currently held.
func (s *Scheduler) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size - s.free
}

// Acquire blocks until a slot is granted or ctx is done. Weights below one
// count as one.
func (s *Scheduler) Acquire(ctx context.Context, weight int) error {
	if weight < 1 {
		weight = 1
	}
	s.mu.Lock()
	if s.free > 0 && s.waiting == 0 {
		s.free--
		s.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	s.queues[weight] = append(s.queues[weight], w)
	s.waiting++
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if w.granted {
			// Lost the race with Release: hand the slot on.
			s.releaseLocked()
			s.mu.Unlock()
			return ctx.Err()
		}
		s.remove(weight, w)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire takes a slot only if one is free right away.
func (s *Scheduler) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.free > 0 && s.waiting == 0 {
		s.free--
		return true
	}
	return false
}

// Release returns a slot taken by Acquire or TryAcquire.
func (s *Scheduler) Release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *Scheduler) releaseLocked() {
	if s.waiting == 0 {
		if s.free < s.size {
			s.free++
		}
		return
	}
	weight := s.pick()
	queue := s.queues[weight]
	w := queue[0]
	queue[0] = nil
	if len(queue) == 1 {
		delete(s.queues, weight)
	} else {
		s.queues[weight] = queue[1:]
	}
	s.waiting--
	w.granted = true
	close(w.ready)
}

// pick runs one round of smooth weighted round-robin across the weights that
// have waiters.
func (s *Scheduler) pick() int {
	weights := make([]int, 0, len(s.queues))
	for weight := range s.queues {
		weights = append(weights, weight)
	}
	slices.Sort(weights)
	slices.Reverse(weights)

	total := 0
	best := weights[0]
	for _, weight := range weights {
		s.current[weight] += weight
		total += weight
		if s.current[weight] > s.current[best] {
			best = weight
		}
	}
	s.current[best] -= total
	for weight := range s.current {
		if _, ok := s.queues[weight]; !ok {
			delete(s.current, weight)
		}
	}
	return best
}

func (s *Scheduler) remove(weight int, target *waiter) {
	queue := s.queues[weight]
	for i, w := range queue {
		if w == target {
			queue = append(queue[:i], queue[i+1:]...)
			s.waiting--
			break
		}
	}
	if len(queue) == 0 {
		delete(s.queues, weight)
		return
	}
	s.queues[weight] = queue
}
