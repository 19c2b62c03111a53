// Package state holds the persistent nonce.Store implementations.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/csai/reqguard/internal/nonce"
)

var rootBucket = []byte("nonces")

// BoltStore keeps nonce records in a single bbolt file so consumed nonces
// survive a restart. One nested bucket per owner; it is dropped once empty.
// The file is locked by one process at a time, so this store does not help
// multi-instance deployments.
type BoltStore struct {
	db *bbolt.DB

	mu   sync.Mutex
	size int
}

func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	s := &BoltStore{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(rootBucket)
		if err != nil {
			return err
		}
		n, err := countRecords(root)
		s.size = n
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt store: %w", err)
	}
	return s, nil
}

func countRecords(root *bbolt.Bucket) (int, error) {
	n := 0
	err := root.ForEachBucket(func(owner []byte) error {
		n += root.Bucket(owner).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) Get(_ context.Context, owner, value string) (nonce.Record, bool, error) {
	var (
		rec   nonce.Record
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket([]byte(owner))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(value))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nonce.Record{}, false, fmt.Errorf("bolt get: %w", err)
	}
	return rec, found, nil
}

func (s *BoltStore) Put(_ context.Context, rec nonce.Record) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode nonce record: %w", err)
	}
	inserted := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(rec.Owner))
		if err != nil {
			return err
		}
		if b.Get([]byte(rec.Value)) != nil {
			return nil
		}
		if err := b.Put([]byte(rec.Value), raw); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bolt put: %w", err)
	}
	if inserted {
		s.mu.Lock()
		s.size++
		s.mu.Unlock()
	}
	return inserted, nil
}

func (s *BoltStore) Delete(_ context.Context, owner, value string) error {
	removed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		b := root.Bucket([]byte(owner))
		if b == nil {
			return nil
		}
		if b.Get([]byte(value)) != nil {
			if err := b.Delete([]byte(value)); err != nil {
				return err
			}
			removed = true
		}
		if k, _ := b.Cursor().First(); k == nil {
			return root.DeleteBucket([]byte(owner))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolt delete: %w", err)
	}
	if removed {
		s.mu.Lock()
		s.size--
		s.mu.Unlock()
	}
	return nil
}

func (s *BoltStore) ScanExpired(_ context.Context, cutoff time.Time) ([]nonce.Record, error) {
	var out []nonce.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		return root.ForEachBucket(func(owner []byte) error {
			return root.Bucket(owner).ForEach(func(_, raw []byte) error {
				var rec nonce.Record
				if err := json.Unmarshal(raw, &rec); err != nil {
					return err
				}
				if rec.ExpiredAt(cutoff) {
					out = append(out, rec)
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt scan: %w", err)
	}
	return out, nil
}

func (s *BoltStore) Len(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, nil
}

func (s *BoltStore) Reset(context.Context) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(rootBucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(rootBucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("bolt reset: %w", err)
	}
	s.mu.Lock()
	s.size = 0
	s.mu.Unlock()
	return nil
}

// Owners returns the number of owner buckets.
func (s *BoltStore) Owners() (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(rootBucket).ForEachBucket(func([]byte) error {
			n++
			return nil
		})
	})
	return n, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
