package sqlstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBindNumbersPlaceholders(t *testing.T) {
	query := `UPDATE t SET a = ? WHERE id = ? AND b = ?`

	assert.Equal(t, query, Dialect{}.bind(query))
	assert.Equal(t, `UPDATE t SET a = $1 WHERE id = $2 AND b = $3`, Dialect{Numbered: true}.bind(query))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultLockFor, cfg.LockFor)

	cfg = Config{PollInterval: time.Second, LockFor: time.Minute}.withDefaults()
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, time.Minute, cfg.LockFor)
}
