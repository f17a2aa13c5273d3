// Package channel provides an in-process watermill transport. Messages are
// kept after delivery so a dead-letter replay can read what was published
// before it subscribed.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/actorflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

// Register adds the channel transport to reg.
func Register(reg *transport.Registry) {
	reg.Register(TransportName, Build)
}

// Build creates a persistent Go channel transport.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          true,
	}, logger)
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}
