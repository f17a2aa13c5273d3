// Package ids generates the message and job ids used by the runtime.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator hands out ULIDs that increase strictly even within one
// millisecond.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator returns a generator reading the time from now.
func NewGenerator(now func() time.Time) *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0), now: now}
}

// New returns the next id as a 26-character string.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

var defaultGenerator = NewGenerator(time.Now)

// CreateULID returns a time-sortable ULID from the process-wide generator.
func CreateULID() string {
	return defaultGenerator.New()
}

// Time returns the creation time encoded in id.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
