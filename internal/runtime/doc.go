/*
Package runtime provides the actor engine behind actorflow.

# Architecture Overview

Events are durable, ordered streams held by a broker (NATS JetStream in
production, an in-memory log in tests). Actors are typed handlers bound to
an event through a durable pull consumer. The engine pulls messages for
every actor, runs the handler under per-actor and global concurrency limits,
and acks or naks each delivery depending on the outcome.

# Package Structure

## Engine (engine.go, actor_runtime.go)

The Engine registers streams and consumers and runs one runtime per actor:
  - Poll slots (MaxPolls) bound pulled but unresolved messages
  - Job slots (MaxJobs) bound concurrent handler calls of one actor
  - A global scheduler bounds handler calls across actors, weighted by priority
  - A pulse keeps slow deliveries alive with progress signals
  - Failures are classified and retried with a backoff policy

## Actors and Events (actor.go, event.go)

  - Event[T]: stream name, serializer and limits
  - ActorRegistration[T]: handler, execution mode and limits, validated by NewActor
  - Emit: typed publishing with message id, trace id and CloudEvents attributes

## Request and Monitor (reply.go)

  - Request emits and waits on a reply inbox; Reply wraps handlers that answer it
  - Events.Monitor streams published messages live without a consumer

## Middleware (middleware.go, middleware_flow.go, hooks.go, deadletter.go)

Middlewares observe and gate jobs:
  - OnStart runs in order and may reject the job
  - OnSuccess and OnFailure run in reverse order for every middleware
  - ErrorThreshold: circuit breaker over consecutive failures
  - Frequency: minimum spacing between jobs per key
  - DeadLetter: forwards dropped messages to a watermill transport

## Stats & Monitoring (stats.go, metrics.go, resources.go, status.go)

  - Latency percentiles (p50, p95, p99) and throughput per actor
  - Prometheus counters and histograms
  - Drop and replay accounting
  - A status API serving /api/actors, /api/stats and /metrics

# Sub-packages

  - clock/: periodic tick publisher
  - cloudevents/: CloudEvents attributes carried in headers
  - codec/: serializers for JSON, protobuf, strings, bytes and time
  - config/: engine configuration loaded from the environment
  - decorators/: handler wrappers (rate limit, suppress, require, time filter)
  - errors/: sentinel errors and error types
  - executor/: inline, thread and process executors and the slot scheduler
  - ids/: ULID generation for message IDs
  - logging/: logger interface and adapters
  - metadata/: message header utilities
*/
package runtime
