package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorIncreasesWithinOneMillisecond(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	g := NewGenerator(func() time.Time { return frozen })

	prev := g.New()
	for range 100 {
		next := g.New()
		require.Len(t, next, 26)
		require.Less(t, prev, next)
		prev = next
	}

	created, err := Time(prev)
	require.NoError(t, err)
	assert.True(t, frozen.Equal(created), "got %s", created)
}

func TestTimeRejectsGarbage(t *testing.T) {
	_, err := Time("not-an-id")
	assert.Error(t, err)
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const goroutines, perGoroutine = 10, 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				id := CreateULID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}
