package offsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Local durable store
// ============================================================================

// Entry is one stored item. Data holds the item's JSON encoding.
type Entry struct {
	ID           string
	Status       SyncStatus
	LastModified time.Time
	Data         []byte
}

// Store is the local store the sync engine persists items in. Buckets keep
// features apart; every write is keyed by item id and last writer wins.
type Store interface {
	Save(ctx context.Context, bucket string, e Entry) error
	// SaveIfSynced writes e only when no entry exists for its id or the
	// stored one is synced, and reports whether it wrote.
	SaveIfSynced(ctx context.Context, bucket string, e Entry) (bool, error)
	Get(ctx context.Context, bucket, id string) (Entry, error)
	GetAll(ctx context.Context, bucket string) ([]Entry, error)
	GetByStatus(ctx context.Context, bucket string, status SyncStatus) ([]Entry, error)
	Delete(ctx context.Context, bucket, id string) error
	Close() error
}

// MemoryStore is a goroutine-safe in-memory Store. It does not survive a
// restart; use SQLiteStore for that.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Entry
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]Entry)}
}

func (s *MemoryStore) Save(_ context.Context, bucket string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]Entry)
		s.buckets[bucket] = b
	}
	e.Data = append([]byte(nil), e.Data...)
	b[e.ID] = e
	return nil
}

func (s *MemoryStore) SaveIfSynced(_ context.Context, bucket string, e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]Entry)
		s.buckets[bucket] = b
	}
	if cur, ok := b[e.ID]; ok && cur.Status != StatusSynced {
		return false, nil
	}
	e.Data = append([]byte(nil), e.Data...)
	b[e.ID] = e
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, bucket, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, ErrStoreClosed
	}
	e, ok := s.buckets[bucket][id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) GetAll(_ context.Context, bucket string) ([]Entry, error) {
	return s.filter(bucket, func(Entry) bool { return true })
}

func (s *MemoryStore) GetByStatus(_ context.Context, bucket string, status SyncStatus) ([]Entry, error) {
	return s.filter(bucket, func(e Entry) bool { return e.Status == status })
}

func (s *MemoryStore) filter(bucket string, keep func(Entry) bool) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var result []Entry
	for _, e := range s.buckets[bucket] {
		if keep(e) {
			result = append(result, e)
		}
	}
	sortEntries(result)
	return result, nil
}

func (s *MemoryStore) Delete(_ context.Context, bucket, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.buckets[bucket], id)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// sortEntries orders oldest first so sweeps replay edits in the order they were made.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastModified.Equal(entries[j].LastModified) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].LastModified.Before(entries[j].LastModified)
	})
}
