package jetstream

import (
	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/actorflow/broker"
)

// JetStream reports "no limit" as -1; the broker package uses zero.
func limit[T int | int32 | int64](v T) T {
	if v <= 0 {
		return -1
	}
	return v
}

func unlimit[T int | int32 | int64](v T) T {
	if v < 0 {
		return 0
	}
	return v
}

func toStreamConfig(cfg broker.StreamConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:         cfg.Name,
		Description:  cfg.Description,
		Subjects:     cfg.Subjects,
		Retention:    jetstream.InterestPolicy,
		Storage:      jetstream.FileStorage,
		MaxAge:       cfg.Limits.MaxAge,
		MaxConsumers: limit(cfg.Limits.MaxConsumers),
		MaxMsgs:      limit(cfg.Limits.MaxMessages),
		MaxBytes:     limit(cfg.Limits.MaxBytes),
		MaxMsgSize:   limit(cfg.Limits.MaxMessageSize),
		Replicas:     cfg.Replicas,
		Duplicates:   cfg.DuplicateWindow,
	}
}

func fromStreamConfig(cfg jetstream.StreamConfig) broker.StreamConfig {
	return broker.StreamConfig{
		Name:        cfg.Name,
		Description: cfg.Description,
		Subjects:    cfg.Subjects,
		Limits: broker.Limits{
			MaxAge:         cfg.MaxAge,
			MaxConsumers:   unlimit(cfg.MaxConsumers),
			MaxMessages:    unlimit(cfg.MaxMsgs),
			MaxBytes:       unlimit(cfg.MaxBytes),
			MaxMessageSize: unlimit(cfg.MaxMsgSize),
		},
		Replicas:        cfg.Replicas,
		DuplicateWindow: cfg.Duplicates,
	}
}

func toConsumerConfig(cfg broker.ConsumerConfig) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		Description:   cfg.Description,
		FilterSubject: cfg.FilterSubject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    -1,
		MaxAckPending: limit(cfg.MaxAckPending),
		Metadata:      cfg.Metadata,
	}
}

func fromConsumerConfig(stream string, cfg jetstream.ConsumerConfig) broker.ConsumerConfig {
	return broker.ConsumerConfig{
		Stream:        stream,
		Durable:       cfg.Durable,
		Description:   cfg.Description,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxAckPending: unlimit(cfg.MaxAckPending),
		Metadata:      cfg.Metadata,
	}
}
