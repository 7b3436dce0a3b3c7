package manager_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fleetwire/fleetwire/manager"
	"github.com/fleetwire/fleetwire/types"
)

func (e *testEnv) heartbeat(t *testing.T, clientID string, req types.HeartbeatRequest) error {
	t.Helper()
	client, err := e.m.GetClient(clientID)
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	return e.m.Heartbeat(context.Background(), client, req, "203.0.113.10")
}

func TestHeartbeatSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	client := env.createClient(t, "laptop")

	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{
		Event:      types.HeartbeatConnected,
		VPNAddress: client.AssignedIP.String(),
	}); err != nil {
		t.Fatalf("connected: %v", err)
	}

	open, err := env.store.GetOpenSession(client.ID)
	if err != nil {
		t.Fatalf("expected an open session: %v", err)
	}
	if open.SourceIP != "203.0.113.10" {
		t.Fatalf("session source = %q", open.SourceIP)
	}

	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{
		Event:         types.HeartbeatDisconnected,
		BytesSent:     100,
		BytesReceived: 200,
	}); err != nil {
		t.Fatalf("disconnected: %v", err)
	}

	if _, err := env.store.GetOpenSession(client.ID); !errors.Is(err, manager.ErrNotFound) {
		t.Fatalf("expected no open session, got %v", err)
	}

	sessions, err := env.store.GetSessions(client.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.IsOpen() {
		t.Fatal("session still open after disconnect")
	}
	if s.BytesSent != 100 || s.BytesReceived != 200 {
		t.Fatalf("byte counters not recorded: sent=%d recv=%d", s.BytesSent, s.BytesReceived)
	}
	if s.DisconnectReason != "client disconnect" {
		t.Fatalf("unexpected disconnect reason %q", s.DisconnectReason)
	}

	// a new connect opens a second session
	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{Event: types.HeartbeatConnected}); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	sessions, err = env.store.GetSessions(client.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions after reconnect, got %d", len(sessions))
	}
}

func TestHeartbeatReconnectClosesStaleSession(t *testing.T) {
	env := newTestEnv(t)
	client := env.createClient(t, "laptop")

	for i := 0; i < 2; i++ {
		if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{Event: types.HeartbeatConnected}); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}

	sessions, err := env.store.GetSessions(client.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	openCount := 0
	for _, s := range sessions {
		if s.IsOpen() {
			openCount++
		} else if s.DisconnectReason != "superseded by reconnect" {
			t.Fatalf("stale session closed with reason %q", s.DisconnectReason)
		}
	}
	if openCount != 1 {
		t.Fatalf("expected exactly one open session, got %d", openCount)
	}
}

func TestHeartbeatDuplicateDisconnect(t *testing.T) {
	env := newTestEnv(t)
	client := env.createClient(t, "laptop")

	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{Event: types.HeartbeatConnected}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{Event: types.HeartbeatDisconnected}); err != nil {
			t.Fatalf("disconnect %d: %v", i, err)
		}
	}

	sessions, err := env.store.GetSessions(client.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("duplicate disconnect changed session count: %d", len(sessions))
	}
}

func TestHeartbeatHostnameLock(t *testing.T) {
	env := newTestEnv(t)
	client := env.createClient(t, "laptop")

	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{
		Event:    types.HeartbeatConnected,
		Hostname: "alpha",
	}); err != nil {
		t.Fatal(err)
	}

	stored, err := env.m.GetClient(client.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Hostname != "alpha" {
		t.Fatalf("hostname not locked: %q", stored.Hostname)
	}
	lockedSeen := stored.LastSeenAt

	err = env.heartbeat(t, client.ID, types.HeartbeatRequest{
		Event:    types.HeartbeatPing,
		Hostname: "bravo",
	})
	if !errors.Is(err, manager.ErrHostnameMismatch) {
		t.Fatalf("expected ErrHostnameMismatch, got %v", err)
	}

	// a rejected event must not have mutated anything
	stored, err = env.m.GetClient(client.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Hostname != "alpha" {
		t.Fatalf("hostname changed by rejected event: %q", stored.Hostname)
	}
	if lockedSeen == nil || stored.LastSeenAt == nil || !stored.LastSeenAt.Equal(*lockedSeen) {
		t.Fatal("last-seen updated by rejected event")
	}

	// the locked hostname keeps working, and an empty hostname is fine
	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{
		Event:    types.HeartbeatPing,
		Hostname: "alpha",
	}); err != nil {
		t.Fatalf("locked hostname rejected: %v", err)
	}
	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{Event: types.HeartbeatPing}); err != nil {
		t.Fatalf("empty hostname rejected: %v", err)
	}
}

func TestHeartbeatUnknownEvent(t *testing.T) {
	env := newTestEnv(t)
	client := env.createClient(t, "laptop")

	err := env.heartbeat(t, client.ID, types.HeartbeatRequest{Event: "rebooted"})
	if !errors.Is(err, manager.ErrUnknownHeartbeatEvent) {
		t.Fatalf("expected ErrUnknownHeartbeatEvent, got %v", err)
	}
	if stored, _ := env.m.GetClient(client.ID); stored.LastSeenAt != nil {
		t.Fatal("unknown event updated last-seen")
	}
}

func TestHeartbeatUpdatesLastSeen(t *testing.T) {
	env := newTestEnv(t)
	client := env.createClient(t, "laptop")

	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{Event: types.HeartbeatConnected}); err != nil {
		t.Fatal(err)
	}
	stored, err := env.m.GetClient(client.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastSeenAt == nil {
		t.Fatal("last-seen not recorded on connect")
	}
}

func TestHeartbeatPingIsEphemeralOnly(t *testing.T) {
	env := newTestEnv(t)
	client := env.createClient(t, "laptop")

	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{Event: types.HeartbeatConnected}); err != nil {
		t.Fatal(err)
	}
	stored, err := env.m.GetClient(client.ID)
	if err != nil {
		t.Fatal(err)
	}
	connectedSeen := stored.LastSeenAt
	connectedUpdated := stored.UpdatedAt

	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{
		Event:     types.HeartbeatPing,
		BytesSent: 1234,
	}); err != nil {
		t.Fatal(err)
	}

	// a plain heartbeat must not write the durable client row
	stored, err = env.m.GetClient(client.ID)
	if err != nil {
		t.Fatal(err)
	}
	if connectedSeen == nil || stored.LastSeenAt == nil || !stored.LastSeenAt.Equal(*connectedSeen) {
		t.Fatal("plain heartbeat changed last-seen")
	}
	if !stored.UpdatedAt.Equal(connectedUpdated) {
		t.Fatal("plain heartbeat wrote the client row")
	}
}

func TestHeartbeatPingLocksHostnameOnce(t *testing.T) {
	env := newTestEnv(t)
	client := env.createClient(t, "laptop")

	// the first hostname-bearing heartbeat is the one-time durable write
	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{
		Event:    types.HeartbeatPing,
		Hostname: "alpha",
	}); err != nil {
		t.Fatal(err)
	}
	stored, err := env.m.GetClient(client.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Hostname != "alpha" {
		t.Fatalf("hostname not locked by heartbeat: %q", stored.Hostname)
	}
	lockedUpdated := stored.UpdatedAt

	// repeating the same hostname is ephemeral again
	if err := env.heartbeat(t, client.ID, types.HeartbeatRequest{
		Event:    types.HeartbeatPing,
		Hostname: "alpha",
	}); err != nil {
		t.Fatal(err)
	}
	stored, err = env.m.GetClient(client.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.UpdatedAt.Equal(lockedUpdated) {
		t.Fatal("repeated heartbeat with locked hostname wrote the client row")
	}
}
