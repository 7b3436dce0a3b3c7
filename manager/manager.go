package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/fleetwire/fleetwire/types"
)

var ErrClientDisabled = errors.New("client is disabled")

// Options carries the static policy knobs the manager needs. Everything
// with behavior (stores, limiter, hub) is injected separately.
type Options struct {
	CodeTTL        time.Duration
	DeepLinkScheme string
	DeepLinkHost   string
	WG             WGConfig
}

// Manager owns the enrollment lifecycle, key material, presence tracking
// and event publication for the fleet.
type Manager struct {
	store    Store
	ipam     *IPAM
	keys     *KeyService
	creds    *DeviceCredentials
	presence *PresenceStore
	hub      *Hub
	limiter  RateLimiter
	opts     Options
}

func NewManager(
	store Store,
	ipam *IPAM,
	keys *KeyService,
	creds *DeviceCredentials,
	presence *PresenceStore,
	hub *Hub,
	limiter RateLimiter,
	opts Options,
) *Manager {
	m := &Manager{
		store:    store,
		ipam:     ipam,
		keys:     keys,
		creds:    creds,
		presence: presence,
		hub:      hub,
		limiter:  limiter,
		opts:     opts,
	}
	hub.SetSnapshotFunc(m.Snapshot)
	return m
}

// CreateClient provisions a new pending client slot: fresh keypair, sealed
// private key, and a unique address inside the fleet prefix.
func (m *Manager) CreateClient(name, description string) (*Client, error) {
	if name == "" {
		return nil, errors.New("client name is required")
	}

	priv, pub := m.keys.Generate()
	sealed, err := m.keys.Seal(priv)
	if err != nil {
		return nil, err
	}

	client := &Client{
		ID:               uuid.NewString(),
		Name:             name,
		Description:      description,
		Status:           ClientPending,
		PublicKey:        pub,
		PrivateKeySealed: sealed,
	}

	// Propose-and-insert: the store's unique index arbitrates address
	// uniqueness across instances, conflicts just move to the next
	// candidate.
	for {
		addr, err := m.ipam.Allocate()
		if err != nil {
			return nil, err
		}
		client.AssignedIP = addr

		err = m.store.CreateClient(client)
		if errors.Is(err, ErrAddressTaken) {
			continue
		}
		if err != nil {
			m.ipam.Release(addr)
			return nil, err
		}
		break
	}

	m.hub.Publish(types.NewAuditEvent(types.AuditEvent{
		Action:   "client_created",
		ClientID: client.ID,
		Detail:   client.Name,
	}))
	log.WithFields(log.Fields{"client": client.ID, "ip": client.AssignedIP}).Info("client created")

	return client, nil
}

func (m *Manager) GetClients() (Clients, error) {
	return m.store.GetClients()
}

func (m *Manager) GetClient(id string) (*Client, error) {
	return m.store.GetClientByID(id)
}

func (m *Manager) DeleteClient(ctx context.Context, id string) error {
	client, err := m.store.GetClientByID(id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteClient(id); err != nil {
		return err
	}

	m.ipam.Release(client.AssignedIP)
	if err := m.presence.Delete(ctx, id); err != nil && !errors.Is(err, ErrPresenceUnavailable) {
		log.WithError(err).Warn("removing presence for deleted client")
	}

	m.hub.Publish(types.NewAuditEvent(types.AuditEvent{
		Action:   "client_deleted",
		ClientID: id,
	}))
	return nil
}

// RegenerateKeys replaces the client keypair. The stored device token hash
// is left alone: existing tunnels keep working until the device re-enrolls
// and fetches a config rendered from the new key.
func (m *Manager) RegenerateKeys(id string) (*Client, error) {
	client, err := m.store.GetClientByID(id)
	if err != nil {
		return nil, err
	}

	priv, pub := m.keys.Generate()
	sealed, err := m.keys.Seal(priv)
	if err != nil {
		return nil, err
	}

	client.PublicKey = pub
	client.PrivateKeySealed = sealed
	if err := m.store.UpdateClient(client); err != nil {
		return nil, err
	}

	m.hub.Publish(types.NewAuditEvent(types.AuditEvent{
		Action:   "keys_regenerated",
		ClientID: client.ID,
	}))
	return client, nil
}

// RenderConfig decrypts the client's private key and renders the wg-quick
// configuration. The key never appears anywhere but the returned text.
func (m *Manager) RenderConfig(client *Client) (string, error) {
	priv, err := m.keys.Open(client.PrivateKeySealed)
	if err != nil {
		return "", err
	}
	return RenderClientConfig(client, m.opts.WG, priv), nil
}

// DownloadConfig renders the config and records the fetch time.
func (m *Manager) DownloadConfig(client *Client) (string, error) {
	text, err := m.RenderConfig(client)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	client.LastConfigFetchAt = &now
	if err := m.store.UpdateClient(client); err != nil {
		log.WithError(err).Warn("recording config fetch time")
	}
	return text, nil
}

// QRCodePayload renders the configuration as a PNG QR code for mobile
// enrollment.
func (m *Manager) QRCodePayload(client *Client) ([]byte, error) {
	text, err := m.DownloadConfig(client)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(text, qrcode.Medium, 512)
}

// Snapshot computes the aggregate metrics event pushed to observers every
// snapshot interval. Presence being down degrades to zeros rather than
// failing the snapshot.
func (m *Manager) Snapshot(ctx context.Context) (types.MetricsEvent, error) {
	ev := types.MetricsEvent{}

	online, err := m.presence.OnlineCount(ctx)
	if err != nil && !errors.Is(err, ErrPresenceUnavailable) {
		return ev, err
	}
	ev.Online = online

	totals, err := m.presence.Totals(ctx)
	if err != nil && !errors.Is(err, ErrPresenceUnavailable) {
		return ev, err
	}
	ev.TotalConnections = totals.Connections
	ev.TotalBytesSent = totals.BytesSent
	ev.TotalBytesReceived = totals.BytesReceived

	return ev, nil
}

// OnlineCount reports the presence-derived online client count and whether
// presence data was available at all.
func (m *Manager) OnlineCount(ctx context.Context) (int, bool) {
	n, err := m.presence.OnlineCount(ctx)
	if err != nil {
		if !errors.Is(err, ErrPresenceUnavailable) {
			log.WithError(err).Warn("presence online count failed")
		}
		return 0, false
	}
	return n, true
}

func (m *Manager) ActiveClients(ctx context.Context, limit int) ([]types.PresenceEntry, bool) {
	records, err := m.presence.ActiveClients(ctx, limit)
	if err != nil {
		if !errors.Is(err, ErrPresenceUnavailable) {
			log.WithError(err).Warn("presence active clients failed")
		}
		return nil, false
	}
	entries := make([]types.PresenceEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, types.PresenceEntry{
			ClientID:        r.ClientID,
			DisplayName:     r.DisplayName,
			VPNAddress:      r.VPNAddress,
			BytesSent:       r.BytesSent,
			BytesReceived:   r.BytesReceived,
			LastHeartbeatAt: r.LastHeartbeatAt,
		})
	}
	return entries, true
}

func (m *Manager) publishError(clientID, message string) {
	m.hub.Publish(types.NewErrorEvent(types.ErrorEvent{
		ClientID: clientID,
		Message:  message,
	}))
}

func (m *Manager) deepLink(code string) string {
	return fmt.Sprintf("%s://%s?code=%s", m.opts.DeepLinkScheme, m.opts.DeepLinkHost, code)
}
