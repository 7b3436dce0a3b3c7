package types

import "time"

// Topic names one of the event streams fanned out to observers.
type Topic string

const (
	TopicConnections Topic = "connections"
	TopicErrors      Topic = "errors"
	TopicAudit       Topic = "audit"
	TopicMetrics     Topic = "metrics"
)

const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

// ConnectionEvent reports a client connecting to or disconnecting from the VPN.
type ConnectionEvent struct {
	ClientID      string `json:"client_id"`
	Name          string `json:"name,omitempty"`
	Kind          string `json:"kind"`
	VPNAddress    string `json:"vpn_address,omitempty"`
	SourceIP      string `json:"source_ip,omitempty"`
	BytesSent     uint64 `json:"bytes_sent,omitempty"`
	BytesReceived uint64 `json:"bytes_received,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ErrorEvent carries an error reported by a device or raised server side.
type ErrorEvent struct {
	ClientID string `json:"client_id,omitempty"`
	Message  string `json:"message"`
}

// AuditEvent records an administrative or security relevant action.
type AuditEvent struct {
	Action   string `json:"action"`
	ClientID string `json:"client_id,omitempty"`
	SourceIP string `json:"source_ip,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// MetricsEvent is the periodic aggregate snapshot pushed to observers.
type MetricsEvent struct {
	Online             int    `json:"online"`
	TotalConnections   uint64 `json:"total_connections"`
	TotalBytesSent     uint64 `json:"total_bytes_sent"`
	TotalBytesReceived uint64 `json:"total_bytes_received"`
}

// Event is the envelope broadcast to observers and peer instances. Exactly
// one payload field is set, matching Topic.
type Event struct {
	Topic  Topic     `json:"topic"`
	At     time.Time `json:"at"`
	Origin string    `json:"origin,omitempty"`

	Connection *ConnectionEvent `json:"connection,omitempty"`
	Error      *ErrorEvent      `json:"error,omitempty"`
	Audit      *AuditEvent      `json:"audit,omitempty"`
	Metrics    *MetricsEvent    `json:"metrics,omitempty"`
}

func NewConnectionEvent(ev ConnectionEvent) Event {
	return Event{Topic: TopicConnections, At: time.Now().UTC(), Connection: &ev}
}

func NewErrorEvent(ev ErrorEvent) Event {
	return Event{Topic: TopicErrors, At: time.Now().UTC(), Error: &ev}
}

func NewAuditEvent(ev AuditEvent) Event {
	return Event{Topic: TopicAudit, At: time.Now().UTC(), Audit: &ev}
}

func NewMetricsEvent(ev MetricsEvent) Event {
	return Event{Topic: TopicMetrics, At: time.Now().UTC(), Metrics: &ev}
}
