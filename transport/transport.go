// Package transport builds watermill publisher/subscriber pairs. The runtime
// uses them as dead-letter sinks: terminally dropped messages are forwarded
// to a topic on one of these systems and can be replayed from there.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/multierr"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both halves and reports every failure.
func (t Transport) Close() error {
	var err error
	if t.Publisher != nil {
		err = multierr.Append(err, t.Publisher.Close())
	}
	if t.Subscriber != nil {
		if closer, ok := t.Subscriber.(interface{ Close() error }); ok && any(closer) != any(t.Publisher) {
			err = multierr.Append(err, closer.Close())
		}
	}
	return err
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes only the settings transports need, so builders do not
// depend on the full config package.
type Config interface {
	// GetTransport returns the registered transport name to build.
	GetTransport() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	GetSQLiteFile() string
	GetPostgresURL() string
}
