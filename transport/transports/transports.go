// Package transports assembles a registry holding every built-in transport.
package transports

import (
	"github.com/drblury/actorflow/transport"
	"github.com/drblury/actorflow/transport/aws"
	"github.com/drblury/actorflow/transport/channel"
	"github.com/drblury/actorflow/transport/http"
	"github.com/drblury/actorflow/transport/kafka"
	"github.com/drblury/actorflow/transport/nats"
	"github.com/drblury/actorflow/transport/postgres"
	"github.com/drblury/actorflow/transport/rabbitmq"
	"github.com/drblury/actorflow/transport/sqlite"
)

// NewRegistry returns a registry with every built-in transport registered.
func NewRegistry() *transport.Registry {
	reg := transport.NewRegistry()
	channel.Register(reg)
	nats.Register(reg)
	kafka.Register(reg)
	rabbitmq.Register(reg)
	http.Register(reg)
	aws.Register(reg)
	sqlite.Register(reg)
	postgres.Register(reg)
	return reg
}
