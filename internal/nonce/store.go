package nonce

import (
	"context"
	"sync"
	"time"
)

// Record is a consumed nonce. It is never mutated after creation.
type Record struct {
	Owner     string    `json:"owner"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	Ordering  *int64    `json:"ordering,omitempty"`
}

// ExpiredAt reports whether the record was created before cutoff.
func (r Record) ExpiredAt(cutoff time.Time) bool {
	return r.CreatedAt.Before(cutoff)
}

// Store persists consumed nonces. Put is insert-if-absent and reports
// whether the record was written, which lets a shared backend arbitrate
// races between process instances.
//
// The default MemoryStore is process-local: several instances behind a load
// balancer each keep their own view and a nonce consumed on one instance is
// not visible to the others. Deployments with more than one instance must
// substitute a shared Store.
type Store interface {
	Get(ctx context.Context, owner, value string) (Record, bool, error)
	Put(ctx context.Context, rec Record) (bool, error)
	Delete(ctx context.Context, owner, value string) error
	ScanExpired(ctx context.Context, cutoff time.Time) ([]Record, error)
	Len(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}

type MemoryStore struct {
	mu     sync.RWMutex
	owners map[string]map[string]Record
	size   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{owners: map[string]map[string]Record{}}
}

func (s *MemoryStore) Get(_ context.Context, owner, value string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.owners[owner][value]
	return rec, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.owners[rec.Owner]
	if !ok {
		set = map[string]Record{}
		s.owners[rec.Owner] = set
	}
	if _, exists := set[rec.Value]; exists {
		return false, nil
	}
	set[rec.Value] = rec
	s.size++
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, owner, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.owners[owner]
	if !ok {
		return nil
	}
	if _, exists := set[value]; exists {
		delete(set, value)
		s.size--
	}
	if len(set) == 0 {
		delete(s.owners, owner)
	}
	return nil
}

func (s *MemoryStore) ScanExpired(_ context.Context, cutoff time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, set := range s.owners {
		for _, rec := range set {
			if rec.ExpiredAt(cutoff) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Len(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, nil
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners = map[string]map[string]Record{}
	s.size = 0
	return nil
}

// Owners returns the number of identities with at least one live record.
func (s *MemoryStore) Owners() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.owners)
}
