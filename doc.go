// Package actorflow runs typed actors over durable event streams. Events are
// named streams held by a broker (NATS JetStream in production, an in-memory
// log in tests); actors are handlers bound to an event through a durable pull
// consumer. The Engine pulls messages for every actor, runs handlers under
// per-actor and global concurrency limits, and acks or naks each delivery by
// outcome, so a failed message is redelivered after a backoff until the actor
// runs out of attempts.
//
// A minimal setup declares an Event, builds actors with NewActor, creates an
// Engine from Config, then calls Add, Register and Listen. Producers publish
// with Emit.
//
// # Execution
//
// Each actor picks where its handler runs: inline on the job goroutine, on a
// shared pool of locked OS threads, or in a pool of worker processes. Process
// actors need the binary to call Engine.RunWorkerIfRequested early in main.
//
// # Middleware
//
// The default chain logs jobs, opens OpenTelemetry spans, records Prometheus
// metrics and, when DeadLetterTransport is set, forwards dropped messages to a
// Watermill transport (kafka, rabbitmq, aws, nats, http, channel, or a sqlite
// or postgres table) from which Engine.ReplayDeadLetters can replay them. ErrorThreshold and Frequency
// middlewares gate jobs; JobHooks observe them.
//
// # Clock and decorators
//
// NewClock publishes aligned ticks that several replicas may emit without
// duplicates. RateLimit, Suppress, Require and FilterTime wrap handlers.
//
// # Monitoring
//
// Engine.Stats reports latency percentiles, throughput, failures and process
// resource usage; with StatusPort set the engine serves them over HTTP next
// to /metrics.
package actorflow
