package manager

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/fleetwire/fleetwire/types"
)

const (
	eventsChannel    = "fleetwire:events"
	snapshotInterval = 10 * time.Second
	observerBuffer   = 16

	// An observer that fails to drain this many events in a row is dead
	// and gets pruned so it cannot grow the registry unboundedly.
	observerMaxDrops = 32
)

// Observer receives every event published to the hub on C until Close.
type Observer struct {
	C chan types.Event

	hub   *Hub
	drops int
}

func (o *Observer) Close() {
	o.hub.Unsubscribe(o)
}

// Hub fans events out to local observers, the on-disk journal and peer
// server instances via the shared store's pub/sub channel. Publishing never
// blocks on a slow observer; per-observer failures are isolated.
type Hub struct {
	mu        sync.Mutex
	observers map[*Observer]struct{}

	journal *Journal      // optional
	rdb     *redis.Client // optional
	origin  string

	// snapshot computes the periodic metrics event. Set once during wiring.
	snapshot func(ctx context.Context) (types.MetricsEvent, error)
}

func NewHub(rdb *redis.Client, journal *Journal) *Hub {
	return &Hub{
		observers: make(map[*Observer]struct{}),
		journal:   journal,
		rdb:       rdb,
		origin:    uuid.NewString(),
	}
}

func (h *Hub) SetSnapshotFunc(fn func(ctx context.Context) (types.MetricsEvent, error)) {
	h.snapshot = fn
}

// Publish delivers the event to local observers and, for locally produced
// events, appends it to the journal and relays it to peer instances.
func (h *Hub) Publish(ev types.Event) {
	remote := ev.Origin != "" && ev.Origin != h.origin
	if !remote {
		ev.Origin = h.origin
		if h.journal != nil {
			if err := h.journal.Append(ev); err != nil {
				log.WithError(err).Warn("event journal append failed")
			}
		}
		if h.rdb != nil {
			b, err := json.Marshal(ev)
			if err == nil {
				if err := h.rdb.Publish(context.Background(), eventsChannel, b).Err(); err != nil {
					log.WithError(err).Debug("event relay publish failed")
				}
			}
		}
	}

	h.broadcast(ev)
}

func (h *Hub) broadcast(ev types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for o := range h.observers {
		select {
		case o.C <- ev:
			o.drops = 0
		default:
			o.drops++
			if o.drops >= observerMaxDrops {
				delete(h.observers, o)
				close(o.C)
				log.Warn("pruned dead event observer")
			}
		}
	}
}

// Subscribe registers an observer. When replay is positive, up to replay
// recent journaled events per topic are queued first, oldest first.
func (h *Hub) Subscribe(replay int) *Observer {
	o := &Observer{hub: h}

	var history []types.Event
	if replay > 0 && h.journal != nil {
		for _, topic := range journalTopics {
			events, err := h.journal.Recent(topic, replay)
			if err != nil {
				log.WithError(err).Warn("event journal replay failed")
				continue
			}
			history = append(history, events...)
		}
		sort.Slice(history, func(i, j int) bool { return history[i].At.Before(history[j].At) })
	}

	buffer := observerBuffer
	if len(history) > buffer {
		buffer = len(history) + observerBuffer
	}
	o.C = make(chan types.Event, buffer)
	for _, ev := range history {
		o.C <- ev
	}

	h.mu.Lock()
	h.observers[o] = struct{}{}
	h.mu.Unlock()
	return o
}

func (h *Hub) Unsubscribe(o *Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[o]; ok {
		delete(h.observers, o)
		close(o.C)
	}
}

func (h *Hub) observerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Run drives the periodic snapshot and the cross-instance relay until ctx
// is done.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb != nil {
		go h.relayLoop(ctx)
	}

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.snapshot == nil {
				continue
			}
			m, err := h.snapshot(ctx)
			if err != nil {
				log.WithError(err).Debug("metrics snapshot failed")
				continue
			}
			h.Publish(types.NewMetricsEvent(m))
		}
	}
}

// relayLoop re-broadcasts events published by peer instances. Events that
// originated here are skipped by origin id to avoid double delivery.
func (h *Hub) relayLoop(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev := types.Event{}
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.WithError(err).Debug("discarding malformed relayed event")
				continue
			}
			if ev.Origin == h.origin {
				continue
			}
			h.broadcast(ev)
		}
	}
}
