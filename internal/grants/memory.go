package grants

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Database = (*MemoryStore)(nil)

// MemoryStore is an in-process Database used by tests and local tooling.
type MemoryStore struct {
	mu     sync.Mutex
	grants map[string]Grant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]Grant)}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error    { return nil }

func (s *MemoryStore) Store(ctx context.Context, g *Grant) error {
	if g.Key == "" || g.Type == "" || g.ClientID == "" {
		return fmt.Errorf("%w: key, type and client id are required", ErrInvalidInput)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.Key] = copyGrant(*g)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyGrant(g)
	return &out, nil
}

func (s *MemoryStore) GetAll(ctx context.Context, f Filter) ([]Grant, error) {
	if f.empty() {
		return nil, ErrEmptyFilter
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Grant
	for _, g := range s.grants {
		if f.match(g) {
			out = append(out, copyGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, key)
	return nil
}

func (s *MemoryStore) RemoveAll(ctx context.Context, f Filter) (int64, error) {
	if f.empty() {
		return 0, ErrEmptyFilter
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, g := range s.grants {
		if f.match(g) {
			delete(s.grants, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Consume(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[key]
	if !ok {
		return ErrNotFound
	}
	if g.ConsumedAt != nil {
		return ErrConsumed
	}
	at = at.UTC()
	g.ConsumedAt = &at
	s.grants[key] = g
	return nil
}

func (s *MemoryStore) RemoveExpired(ctx context.Context, now time.Time, batch int) (int64, error) {
	if batch <= 0 {
		return 0, fmt.Errorf("%w: batch must be positive", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Grant
	for _, g := range s.grants {
		if g.Expiration != nil && g.Expiration.Before(now) {
			expired = append(expired, g)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Expiration.Before(*expired[j].Expiration) })
	if len(expired) > batch {
		expired = expired[:batch]
	}
	for _, g := range expired {
		delete(s.grants, g.Key)
	}
	return int64(len(expired)), nil
}

func copyGrant(g Grant) Grant {
	if g.Expiration != nil {
		t := *g.Expiration
		g.Expiration = &t
	}
	if g.ConsumedAt != nil {
		t := *g.ConsumedAt
		g.ConsumedAt = &t
	}
	return g
}
