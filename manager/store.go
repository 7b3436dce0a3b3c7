package manager

import (
	"errors"
	"net/netip"
	"time"
)

var (
	ErrNotFound = errors.New("record not found in database")

	// ErrAddressTaken is returned by CreateClient when the proposed address
	// lost the unique-index race to another allocation.
	ErrAddressTaken = errors.New("address already assigned to another client")

	// ErrCodeNotRedeemable is returned by RedeemCode when the code exists but
	// the conditional write found it already redeemed, revoked or expired.
	ErrCodeNotRedeemable = errors.New("enrollment code is not redeemable")
)

// Store is the durable system of record for clients, enrollment codes and
// connection sessions. Uniqueness (addresses) and single-winner semantics
// (code redemption) are enforced here, not in application memory, because
// several instances may write concurrently.
type Store interface {
	// CreateClient inserts the client, returning ErrAddressTaken when the
	// assigned address conflicts with the unique index.
	CreateClient(client *Client) error
	GetClients() (Clients, error)
	GetClientByID(id string) (*Client, error)
	UpdateClient(client *Client) error
	DeleteClient(id string) error
	GetAllocatedIPs() ([]netip.Addr, error)

	CreateCode(code *EnrollmentCode) error
	// GetCode fetches a code by value regardless of its state so callers
	// can reject dead codes without consuming live ones.
	GetCode(code string) (*EnrollmentCode, error)
	GetActiveCode(clientID string, now time.Time) (*EnrollmentCode, error)
	// RedeemCode atomically marks the code redeemed if and only if it is
	// still active at now. Exactly one concurrent caller wins; losers get
	// the code back together with ErrCodeNotRedeemable (or ErrNotFound for
	// unknown codes) so they can report a precise reason.
	RedeemCode(code string, now time.Time) (*EnrollmentCode, error)
	RevokeActiveCodes(clientID string, now time.Time) error

	OpenSession(session *ConnectionSession) error
	// CloseOpenSession closes the open session for the client if one exists
	// and reports whether it did. A missing open session is not an error.
	CloseOpenSession(clientID string, at time.Time, bytesSent, bytesReceived uint64, reason string) (bool, error)
	GetOpenSession(clientID string) (*ConnectionSession, error)
	GetSessions(clientID string, limit int) ([]ConnectionSession, error)

	Close() error
}
