package manager

import (
	"net/netip"
	"time"

	"github.com/fleetwire/fleetwire/types"
)

type ClientStatus string

const (
	ClientPending  ClientStatus = "pending"
	ClientActive   ClientStatus = "active"
	ClientDisabled ClientStatus = "disabled"
)

// Client is one provisioned VPN identity. The keypair and address are
// allocated at creation; hardware and hostname bindings are set during
// enrollment and first heartbeat and are immutable afterwards.
type Client struct {
	ID          string `gorm:"primaryKey"`
	Name        string
	Description string
	Status      ClientStatus

	PublicKey        types.PublicKey `gorm:"serializer:json"`
	PrivateKeySealed []byte
	AssignedIP       netip.Addr `gorm:"serializer:json;uniqueIndex"`

	HardwareID string
	Platform   string
	Hostname   string

	// DeviceTokenHash is the HMAC of the currently valid device credential.
	// Tokens whose hash does not match are rejected, which is the whole
	// revocation model: issuing a new credential invalidates all others.
	DeviceTokenHash string

	LastSeenAt        *time.Time
	LastConfigFetchAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (c *Client) IsDisabled() bool {
	return c.Status == ClientDisabled
}

func (c *Client) ToResponse() types.ClientResponse {
	return types.ClientResponse{
		ID:              c.ID,
		Name:            c.Name,
		Description:     c.Description,
		Status:          string(c.Status),
		PublicKey:       c.PublicKey.String(),
		AssignedIP:      c.AssignedIP.String(),
		Hostname:        c.Hostname,
		Platform:        c.Platform,
		LastSeenAt:      c.LastSeenAt,
		LastConfigFetch: c.LastConfigFetchAt,
		CreatedAt:       c.CreatedAt,
	}
}

type Clients []*Client

// EnrollmentCode is a short lived single use code exchanged for a device
// credential. At most one active code exists per client; generating a new
// one revokes the previous one.
type EnrollmentCode struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Code       string `gorm:"uniqueIndex"`
	ClientID   string `gorm:"index"`
	ExpiresAt  time.Time
	RedeemedAt *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

func (e *EnrollmentCode) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

func (e *EnrollmentCode) IsActive(now time.Time) bool {
	return e.RedeemedAt == nil && e.RevokedAt == nil && !e.IsExpired(now)
}

// ConnectionSession is the durable record of one connect to disconnect
// interval. DisconnectedAt is nil while the session is open.
type ConnectionSession struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	ClientID         string `gorm:"index"`
	SourceIP         string
	ConnectedAt      time.Time
	DisconnectedAt   *time.Time
	BytesSent        uint64
	BytesReceived    uint64
	DisconnectReason string
}

func (s *ConnectionSession) IsOpen() bool {
	return s.DisconnectedAt == nil
}
