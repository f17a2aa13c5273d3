package broker

import (
	"errors"
	"fmt"
	"time"
)

// DefaultDuplicateWindow is how long publish deduplication remembers ids.
const DefaultDuplicateWindow = 2 * time.Minute

// Limits bound what a stream keeps. Zero means unlimited.
type Limits struct {
	MaxAge         time.Duration
	MaxConsumers   int
	MaxMessages    int64
	MaxBytes       int64
	MaxMessageSize int32
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	var errs []error
	if l.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("max age cannot be negative: %s", l.MaxAge))
	}
	if l.MaxConsumers < 0 {
		errs = append(errs, fmt.Errorf("max consumers cannot be negative: %d", l.MaxConsumers))
	}
	if l.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("max messages cannot be negative: %d", l.MaxMessages))
	}
	if l.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("max bytes cannot be negative: %d", l.MaxBytes))
	}
	if l.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("max message size cannot be negative: %d", l.MaxMessageSize))
	}
	return errors.Join(errs...)
}

// Widen returns the more permissive value of every limit, so registering an
// older declaration never shrinks a stream.
func (l Limits) Widen(other Limits) Limits {
	return Limits{
		MaxAge:         widen(l.MaxAge, other.MaxAge),
		MaxConsumers:   widen(l.MaxConsumers, other.MaxConsumers),
		MaxMessages:    widen(l.MaxMessages, other.MaxMessages),
		MaxBytes:       widen(l.MaxBytes, other.MaxBytes),
		MaxMessageSize: widen(l.MaxMessageSize, other.MaxMessageSize),
	}
}

func widen[T int | int32 | int64 | time.Duration](a, b T) T {
	if a <= 0 || b <= 0 {
		return 0
	}
	return max(a, b)
}

// StreamConfig declares one stream.
type StreamConfig struct {
	Name            string
	Subjects        []string
	Description     string
	Limits          Limits
	Replicas        int
	DuplicateWindow time.Duration
}

// Merge folds an existing stream definition into c. Subjects are unioned and
// limits widened.
func (c StreamConfig) Merge(existing StreamConfig) StreamConfig {
	merged := c
	merged.Limits = c.Limits.Widen(existing.Limits)
	merged.Subjects = union(c.Subjects, existing.Subjects)
	merged.Replicas = max(c.Replicas, existing.Replicas)
	merged.DuplicateWindow = max(c.DuplicateWindow, existing.DuplicateWindow)
	if merged.Description == "" {
		merged.Description = existing.Description
	}
	return merged
}

// ConsumerConfig declares one durable pull consumer on Stream.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	Description   string
	FilterSubject string
	AckWait       time.Duration
	// MaxAckPending bounds deliveries awaiting ack across all instances. Zero
	// means unlimited.
	MaxAckPending int
	// Metadata is stored with the consumer. The runtime keeps the attempt
	// budget and priority here because redelivery is unbounded broker-side.
	Metadata map[string]string
}

// Merge folds an existing consumer definition into c, keeping the longer ack
// wait and the larger pending window.
func (c ConsumerConfig) Merge(existing ConsumerConfig) ConsumerConfig {
	merged := c
	merged.AckWait = max(c.AckWait, existing.AckWait)
	merged.MaxAckPending = widen(c.MaxAckPending, existing.MaxAckPending)
	if merged.Description == "" {
		merged.Description = existing.Description
	}
	if len(existing.Metadata) > 0 {
		md := make(map[string]string, len(existing.Metadata)+len(c.Metadata))
		for k, v := range existing.Metadata {
			md[k] = v
		}
		for k, v := range c.Metadata {
			md[k] = v
		}
		merged.Metadata = md
	}
	return merged
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
