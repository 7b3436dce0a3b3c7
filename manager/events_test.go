package manager

import (
	"testing"
	"time"

	"github.com/fleetwire/fleetwire/types"
)

func recvEvent(t *testing.T, o *Observer) types.Event {
	t.Helper()
	select {
	case ev, ok := <-o.C:
		if !ok {
			t.Fatal("observer channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return types.Event{}
}

func TestHubPublishReachesObservers(t *testing.T) {
	hub := NewHub(nil, nil)

	a := hub.Subscribe(0)
	b := hub.Subscribe(0)
	defer a.Close()
	defer b.Close()

	hub.Publish(types.NewAuditEvent(types.AuditEvent{Action: "client_created", ClientID: "c1"}))

	for _, o := range []*Observer{a, b} {
		ev := recvEvent(t, o)
		if ev.Topic != types.TopicAudit {
			t.Fatalf("expected audit topic, got %q", ev.Topic)
		}
		if ev.Audit == nil || ev.Audit.ClientID != "c1" {
			t.Fatalf("unexpected payload: %+v", ev)
		}
		if ev.Origin == "" {
			t.Error("published event has no origin id")
		}
	}
}

func TestHubSlowObserverIsPruned(t *testing.T) {
	hub := NewHub(nil, nil)

	slow := hub.Subscribe(0)

	// Fill the observer's buffer, then keep publishing without draining
	// it until the hub gives up on it.
	total := observerBuffer + observerMaxDrops
	for i := 0; i < total; i++ {
		hub.Publish(types.NewErrorEvent(types.ErrorEvent{Message: "noise"}))
	}

	if n := hub.observerCount(); n != 0 {
		t.Fatalf("expected slow observer pruned, observer count = %d", n)
	}

	// The pruned observer's channel is closed once drained.
	drained := 0
	for range slow.C {
		drained++
	}
	if drained != observerBuffer {
		t.Fatalf("expected %d buffered events, drained %d", observerBuffer, drained)
	}
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(nil, nil)

	o := hub.Subscribe(0)
	o.Close()
	o.Close()

	if n := hub.observerCount(); n != 0 {
		t.Fatalf("expected no observers, got %d", n)
	}

	// Publishing after unsubscribe must not panic on the closed channel.
	hub.Publish(types.NewErrorEvent(types.ErrorEvent{Message: "after close"}))
}

func TestHubRelayedEventNotJournaled(t *testing.T) {
	journal, err := OpenJournal(t.TempDir() + "/journal.db")
	if err != nil {
		t.Fatal(err)
	}
	defer journal.Close()

	hub := NewHub(nil, journal)

	remote := types.NewAuditEvent(types.AuditEvent{Action: "client_created"})
	remote.Origin = "some-other-instance"
	hub.Publish(remote)

	events, err := journal.Recent(types.TopicAudit, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("relayed event was journaled: %+v", events)
	}
}

func TestHubSubscribeReplaysJournal(t *testing.T) {
	journal, err := OpenJournal(t.TempDir() + "/journal.db")
	if err != nil {
		t.Fatal(err)
	}
	defer journal.Close()

	hub := NewHub(nil, journal)
	hub.Publish(types.NewAuditEvent(types.AuditEvent{Action: "client_created", ClientID: "c1"}))
	hub.Publish(types.NewAuditEvent(types.AuditEvent{Action: "client_deleted", ClientID: "c1"}))

	o := hub.Subscribe(10)
	defer o.Close()

	first := recvEvent(t, o)
	second := recvEvent(t, o)
	if first.Audit == nil || first.Audit.Action != "client_created" {
		t.Fatalf("expected oldest event first, got %+v", first)
	}
	if second.Audit == nil || second.Audit.Action != "client_deleted" {
		t.Fatalf("expected newest event second, got %+v", second)
	}
}
