package types

import "time"

type CreateClientRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type ClientResponse struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Status          string     `json:"status"`
	PublicKey       string     `json:"public_key"`
	AssignedIP      string     `json:"assigned_ip"`
	Hostname        string     `json:"hostname,omitempty"`
	Platform        string     `json:"platform,omitempty"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	LastConfigFetch *time.Time `json:"last_config_fetch_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type EnrollmentCodeResponse struct {
	Code      string    `json:"code"`
	DeepLink  string    `json:"deep_link"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EnrollmentMessage is the rendered payload handed to the external mailer.
type EnrollmentMessage struct {
	Code      string    `json:"code"`
	DeepLink  string    `json:"deep_link"`
	ExpiresAt time.Time `json:"expires_at"`
	Body      string    `json:"body"`
}

type RedeemRequest struct {
	Code       string `json:"code"`
	HardwareID string `json:"hardware_id"`
	Platform   string `json:"platform"`
	DeviceName string `json:"device_name,omitempty"`
}

type RedeemResponse struct {
	DeviceCredential string `json:"device_credential"`
	ClientID         string `json:"client_id"`
	Config           string `json:"config"`
}

const (
	HeartbeatConnected    = "connected"
	HeartbeatDisconnected = "disconnected"
	HeartbeatPing         = "heartbeat"
)

type HeartbeatRequest struct {
	Event         string `json:"event"`
	VPNAddress    string `json:"vpn_address,omitempty"`
	BytesSent     uint64 `json:"bytes_sent,omitempty"`
	BytesReceived uint64 `json:"bytes_received,omitempty"`
	Hostname      string `json:"hostname,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

type OnlineCountResponse struct {
	Online    int  `json:"online"`
	Available bool `json:"presence_available"`
}

type PresenceEntry struct {
	ClientID        string    `json:"client_id"`
	DisplayName     string    `json:"display_name"`
	VPNAddress      string    `json:"vpn_address"`
	BytesSent       uint64    `json:"bytes_sent"`
	BytesReceived   uint64    `json:"bytes_received"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// ErrorResponse is returned for every rejected operation. Reason is a stable
// machine readable code callers can branch on.
type ErrorResponse struct {
	Error             string `json:"error"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}
