package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRegistryHasBuiltins(t *testing.T) {
	assert.Equal(t, []string{"aws", "channel", "http", "kafka", "nats", "postgres", "rabbitmq", "sqlite"}, NewRegistry().Names())
}
