package manager

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrPresenceUnavailable is returned when the shared fast store is disabled
// or unreachable. Presence is advisory: callers branch on this instead of
// failing the surrounding operation.
var ErrPresenceUnavailable = errors.New("presence store is unavailable")

const (
	presenceKeyPrefix  = "presence:"
	statConnectionsKey = "stats:total_connections"
	statBytesSentKey   = "stats:total_bytes_sent"
	statBytesRecvKey   = "stats:total_bytes_received"
)

// PresenceRecord is the ephemeral online state for one client. It lives in
// the shared fast store under a TTL and disappears when heartbeats stop.
type PresenceRecord struct {
	ClientID        string    `json:"client_id"`
	DisplayName     string    `json:"display_name"`
	VPNAddress      string    `json:"vpn_address"`
	BytesSent       uint64    `json:"bytes_sent"`
	BytesReceived   uint64    `json:"bytes_received"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

type Totals struct {
	Connections   uint64
	BytesSent     uint64
	BytesReceived uint64
}

// PresenceStore wraps the shared fast store. A nil redis client means
// presence is disabled and every read degrades to ErrPresenceUnavailable.
type PresenceStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewPresenceStore(rdb *redis.Client, ttl time.Duration) *PresenceStore {
	return &PresenceStore{rdb: rdb, ttl: ttl}
}

func (p *PresenceStore) Available() bool {
	return p.rdb != nil
}

func (p *PresenceStore) Set(ctx context.Context, rec PresenceRecord) error {
	if !p.Available() {
		return ErrPresenceUnavailable
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, presenceKeyPrefix+rec.ClientID, b, p.ttl).Err()
}

func (p *PresenceStore) Get(ctx context.Context, clientID string) (*PresenceRecord, error) {
	if !p.Available() {
		return nil, ErrPresenceUnavailable
	}
	b, err := p.rdb.Get(ctx, presenceKeyPrefix+clientID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec := &PresenceRecord{}
	if err := json.Unmarshal(b, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PresenceStore) Delete(ctx context.Context, clientID string) error {
	if !p.Available() {
		return ErrPresenceUnavailable
	}
	return p.rdb.Del(ctx, presenceKeyPrefix+clientID).Err()
}

// OnlineCount counts live presence keys. This is the near-real-time truth;
// durable session rows are never consulted here.
func (p *PresenceStore) OnlineCount(ctx context.Context) (int, error) {
	if !p.Available() {
		return 0, ErrPresenceUnavailable
	}
	var cursor uint64
	count := 0
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, presenceKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (p *PresenceStore) ActiveClients(ctx context.Context, limit int) ([]PresenceRecord, error) {
	if !p.Available() {
		return nil, ErrPresenceUnavailable
	}

	var keys []string
	var cursor uint64
	for {
		batch, next, err := p.rdb.Scan(ctx, cursor, presenceKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	if len(keys) == 0 {
		return []PresenceRecord{}, nil
	}

	values, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]PresenceRecord, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Key expired between SCAN and MGET.
			continue
		}
		rec := PresenceRecord{}
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *PresenceStore) IncrConnections(ctx context.Context) error {
	if !p.Available() {
		return ErrPresenceUnavailable
	}
	return p.rdb.Incr(ctx, statConnectionsKey).Err()
}

func (p *PresenceStore) AddTotals(ctx context.Context, bytesSent, bytesReceived uint64) error {
	if !p.Available() {
		return ErrPresenceUnavailable
	}
	pipe := p.rdb.Pipeline()
	pipe.IncrBy(ctx, statBytesSentKey, int64(bytesSent))
	pipe.IncrBy(ctx, statBytesRecvKey, int64(bytesReceived))
	_, err := pipe.Exec(ctx)
	return err
}

func (p *PresenceStore) Totals(ctx context.Context) (Totals, error) {
	if !p.Available() {
		return Totals{}, ErrPresenceUnavailable
	}
	values, err := p.rdb.MGet(ctx, statConnectionsKey, statBytesSentKey, statBytesRecvKey).Result()
	if err != nil {
		return Totals{}, err
	}
	parse := func(v interface{}) uint64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return Totals{
		Connections:   parse(values[0]),
		BytesSent:     parse(values[1]),
		BytesReceived: parse(values[2]),
	}, nil
}
