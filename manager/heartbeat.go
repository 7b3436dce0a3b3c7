package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fleetwire/fleetwire/types"
)

var (
	// ErrHostnameMismatch is a policy violation, not a validation error:
	// the hostname was locked by an earlier event and may not change.
	ErrHostnameMismatch = errors.New("hostname does not match locked hostname")

	ErrUnknownHeartbeatEvent = errors.New("unknown heartbeat event kind")
)

// Heartbeat applies a connectivity event reported by an authenticated
// device. The hostname lock is enforced before any side effect so a
// rejected event mutates nothing. Plain heartbeats touch only the
// ephemeral presence record; durable writes happen on connect and
// disconnect, plus a one-time write when a heartbeat first locks the
// hostname.
func (m *Manager) Heartbeat(ctx context.Context, client *Client, req types.HeartbeatRequest, sourceIP string) error {
	switch req.Event {
	case types.HeartbeatConnected, types.HeartbeatDisconnected, types.HeartbeatPing:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownHeartbeatEvent, req.Event)
	}

	lockedHostname := false
	if req.Hostname != "" {
		if client.Hostname == "" {
			client.Hostname = req.Hostname
			lockedHostname = true
		} else if client.Hostname != req.Hostname {
			m.publishError(client.ID, fmt.Sprintf(
				"hostname mismatch: locked %q, reported %q", client.Hostname, req.Hostname))
			return ErrHostnameMismatch
		}
	}

	now := time.Now().UTC()
	switch req.Event {
	case types.HeartbeatConnected, types.HeartbeatDisconnected:
		client.LastSeenAt = &now
		if err := m.store.UpdateClient(client); err != nil {
			return err
		}
	default:
		if lockedHostname {
			if err := m.store.UpdateClient(client); err != nil {
				return err
			}
		}
	}

	if req.ErrorMessage != "" {
		m.publishError(client.ID, req.ErrorMessage)
	}

	switch req.Event {
	case types.HeartbeatConnected:
		return m.recordConnected(ctx, client, req, sourceIP, now)
	case types.HeartbeatDisconnected:
		return m.recordDisconnected(ctx, client, req, now)
	default:
		return m.recordHeartbeat(ctx, client, req, now)
	}
}

func (m *Manager) recordConnected(ctx context.Context, client *Client, req types.HeartbeatRequest, sourceIP string, now time.Time) error {
	// A connect while a session is still open means we missed the previous
	// disconnect; close the stale row with a synthetic reason so exactly
	// one session stays open per client.
	closed, err := m.store.CloseOpenSession(client.ID, now, 0, 0, "superseded by reconnect")
	if err != nil {
		return err
	}
	if closed {
		log.WithField("client", client.ID).Debug("closed stale session before reconnect")
	}

	if err := m.store.OpenSession(&ConnectionSession{
		ClientID:    client.ID,
		SourceIP:    sourceIP,
		ConnectedAt: now,
	}); err != nil {
		return err
	}

	m.refreshPresence(ctx, client, req, now)
	if err := m.presence.IncrConnections(ctx); err != nil && !errors.Is(err, ErrPresenceUnavailable) {
		log.WithError(err).Warn("incrementing connection counter")
	}

	m.hub.Publish(types.NewConnectionEvent(types.ConnectionEvent{
		ClientID:   client.ID,
		Name:       client.Name,
		Kind:       types.ConnectionConnected,
		VPNAddress: req.VPNAddress,
		SourceIP:   sourceIP,
	}))
	return nil
}

// recordHeartbeat refreshes the ephemeral record only; no durable write
// and no event. Repeating it with the same payload is idempotent.
func (m *Manager) recordHeartbeat(ctx context.Context, client *Client, req types.HeartbeatRequest, now time.Time) error {
	m.refreshPresence(ctx, client, req, now)
	return nil
}

func (m *Manager) recordDisconnected(ctx context.Context, client *Client, req types.HeartbeatRequest, now time.Time) error {
	// Closing an already-closed session is a no-op, which tolerates
	// out-of-order or duplicate disconnect delivery.
	if _, err := m.store.CloseOpenSession(client.ID, now, req.BytesSent, req.BytesReceived, "client disconnect"); err != nil {
		return err
	}

	if err := m.presence.Delete(ctx, client.ID); err != nil && !errors.Is(err, ErrPresenceUnavailable) {
		log.WithError(err).Warn("removing presence record")
	}
	if err := m.presence.AddTotals(ctx, req.BytesSent, req.BytesReceived); err != nil && !errors.Is(err, ErrPresenceUnavailable) {
		log.WithError(err).Warn("accumulating byte totals")
	}

	m.hub.Publish(types.NewConnectionEvent(types.ConnectionEvent{
		ClientID:      client.ID,
		Name:          client.Name,
		Kind:          types.ConnectionDisconnected,
		BytesSent:     req.BytesSent,
		BytesReceived: req.BytesReceived,
		Reason:        "client disconnect",
	}))
	return nil
}

func (m *Manager) refreshPresence(ctx context.Context, client *Client, req types.HeartbeatRequest, now time.Time) {
	addr := req.VPNAddress
	if addr == "" {
		addr = client.AssignedIP.String()
	}
	err := m.presence.Set(ctx, PresenceRecord{
		ClientID:        client.ID,
		DisplayName:     client.Name,
		VPNAddress:      addr,
		BytesSent:       req.BytesSent,
		BytesReceived:   req.BytesReceived,
		LastHeartbeatAt: now,
	})
	if err != nil && !errors.Is(err, ErrPresenceUnavailable) {
		log.WithError(err).Warn("refreshing presence record")
	}
}
