package observability

import "time"

// EventEnvelope is the wire shape of service events published to the broker.
type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Service    string      `json:"service"`
	Payload    interface{} `json:"payload"`
}

const eventService = "messaging-service"

// WSLifecycle describes one websocket lifecycle event of a thread session.
type WSLifecycle struct {
	ThreadID   string `json:"thread_id"`
	Event      string `json:"event"`
	ConnID     string `json:"conn_id"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason,omitempty"`
}

// WSIdentity names the party behind a connection.
type WSIdentity struct {
	PartyID   string `json:"party_id"`
	PartyType string `json:"party_type"`
	DeviceID  string `json:"device_id,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// NewWSEnvelope assembles the envelope for a websocket lifecycle event.
func NewWSEnvelope(lifecycle WSLifecycle, identity WSIdentity) EventEnvelope {
	return EventEnvelope{
		EventType:  "ws_events",
		EventName:  lifecycle.Event,
		OccurredAt: time.Now().UTC(),
		Service:    eventService,
		Payload: map[string]interface{}{
			"ws":       lifecycle,
			"identity": identity,
		},
	}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
