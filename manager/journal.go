package manager

import (
	"encoding/binary"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/fleetwire/fleetwire/types"
)

const journalKeepPerTopic = 256

var journalTopics = []types.Topic{
	types.TopicConnections,
	types.TopicErrors,
	types.TopicAudit,
	types.TopicMetrics,
}

// Journal keeps the tail of each event topic on disk so observers that
// attach later can replay recent history. One bucket per topic, sequence
// numbered keys, trimmed to the newest journalKeepPerTopic entries.
type Journal struct {
	db *bolt.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, topic := range journalTopics {
			if _, err := tx.CreateBucketIfNotExists([]byte(topic)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Append(ev types.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ev.Topic))
		if b == nil {
			var err error
			b, err = tx.CreateBucketIfNotExists([]byte(ev.Topic))
			if err != nil {
				return err
			}
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, value); err != nil {
			return err
		}

		// trim oldest entries beyond the keep window
		c := b.Cursor()
		for k, _ := c.First(); k != nil && seq-binary.BigEndian.Uint64(k) >= journalKeepPerTopic; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to n newest events for the topic, oldest first.
func (j *Journal) Recent(topic types.Topic, n int) ([]types.Event, error) {
	var events []types.Event

	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(topic))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(events) < n; k, v = c.Prev() {
			ev := types.Event{}
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// reverse into chronological order
	for l, r := 0, len(events)-1; l < r; l, r = l+1, r-1 {
		events[l], events[r] = events[r], events[l]
	}
	return events, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
