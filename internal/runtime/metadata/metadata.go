package metadata

import "strings"

// Header keys written and read by the runtime. HeaderMessageID is the key the
// broker uses for publish deduplication.
const (
	HeaderMessageID = "Nats-Msg-Id"
	HeaderTraceID   = "Actorflow-Trace"
	HeaderEmittedAt = "Actorflow-Emitted-At"

	// Dead-letter headers describe why and where a message was dropped.
	HeaderDeadEvent    = "Actorflow-Dead-Event"
	HeaderDeadActor    = "Actorflow-Dead-Actor"
	HeaderDeadAttempts = "Actorflow-Dead-Attempts"
	HeaderDeadReason   = "Actorflow-Dead-Reason"
	HeaderDeadKind     = "Actorflow-Dead-Kind"
	HeaderDeadSequence = "Actorflow-Dead-Sequence"

	// HeaderReplayFor restricts a replayed message to one actor, named by
	// its "<event>/<actor>" key. Other actors of the event skip it.
	HeaderReplayFor = "Actorflow-Replay-For"

	// HeaderReplyTo names the inbox that receives the handler result of a
	// request.
	HeaderReplyTo = "Actorflow-Reply-To"
	// HeaderReplyError carries the final error of a request whose message
	// was dropped.
	HeaderReplyError = "Actorflow-Reply-Error"

	// CloudEventPrefix marks headers carrying CloudEvents attributes.
	CloudEventPrefix = "ce-"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get looks a header up ignoring ASCII case, as brokers differ in how they
// canonicalise header names.
func (m Metadata) Get(key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// WithPrefix returns the entries whose key starts with prefix, with the
// prefix removed.
func (m Metadata) WithPrefix(prefix string) Metadata {
	out := Metadata{}
	for k, v := range m {
		if len(k) >= len(prefix) && strings.EqualFold(k[:len(prefix)], prefix) {
			out[k[len(prefix):]] = v
		}
	}
	return out
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
