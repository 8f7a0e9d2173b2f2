package bus

// Session event topics. All share the "session." prefix so one
// subscription covers the full registry stream.
const (
	TopicSessionPrefix       = "session."
	TopicSessionDiscovered   = "session.discovered"
	TopicSessionStateChanged = "session.state_changed"
	TopicSessionIdle         = "session.idle"
	TopicSessionClosed       = "session.closed"
	TopicSessionResponse     = "session.response_ready"
)

// SessionDiscoveredEvent is published when the registry first tracks a session.
type SessionDiscoveredEvent struct {
	SessionID string
	Title     string
	State     string
}

// SessionStateChangedEvent is published on every observed state transition.
type SessionStateChangedEvent struct {
	SessionID string
	Previous  string
	Current   string
}

// SessionIdleEvent is the convenience event published whenever a session
// becomes idle (including transitions reported by SessionStateChangedEvent).
type SessionIdleEvent struct {
	SessionID string
}

// SessionClosedEvent is published when a tracked session's page closes or
// its frame stops responding to probes.
type SessionClosedEvent struct {
	SessionID string
}

// ResponseReadyEvent carries an extracted response for response-augmented
// event streams.
type ResponseReadyEvent struct {
	SessionID string
	Text      string
}
