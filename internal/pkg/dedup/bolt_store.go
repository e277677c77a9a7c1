package dedup

import (
	"context"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"
)

var dedupBucket = []byte("dedup_entries")

// BoltStore is an embedded single-file ledger for single-node deployments.
// Bolt serializes write transactions, which makes MarkProcessed atomic.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

type boltEntry struct {
	AuxRef      string    `json:"aux_ref"`
	PayloadHash string    `json:"payload_hash"`
	ProcessedAt time.Time `json:"processed_at"`
}

// OpenBoltStore opens (or creates) the database file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dedupBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Close releases the file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func boltKey(handle, channel string) []byte {
	return []byte(channel + "\x00" + handle)
}

func (s *BoltStore) fresh(raw []byte) bool {
	var e boltEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return false
	}
	return !e.ProcessedAt.Before(s.now().Add(-Retention))
}

func (s *BoltStore) IsProcessed(ctx context.Context, handle, channel string) (bool, error) {
	if err := validateKey(handle, channel); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(dedupBucket).Get(boltKey(handle, channel)); v != nil {
			found = s.fresh(v)
		}
		return nil
	})
	return found, err
}

func (s *BoltStore) MarkProcessed(ctx context.Context, handle, channel, auxRef, payloadHash string) (bool, error) {
	if err := validateKey(handle, channel); err != nil {
		return false, err
	}
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dedupBucket)
		key := boltKey(handle, channel)
		if v := b.Get(key); v != nil && s.fresh(v) {
			return nil
		}
		value, err := json.Marshal(boltEntry{AuxRef: auxRef, PayloadHash: payloadHash, ProcessedAt: s.now()})
		if err != nil {
			return err
		}
		if err := b.Put(key, value); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *BoltStore) Release(ctx context.Context, handle, channel string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dedupBucket).Delete(boltKey(handle, channel))
	})
}

func (s *BoltStore) Cleanup(ctx context.Context) (int64, error) {
	var removed int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dedupBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if !s.fresh(v) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
