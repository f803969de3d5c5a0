package configstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	_ Database = (*MemoryStore)(nil)
	_ Tx       = (*memoryTx)(nil)
)

type memState struct {
	clients   map[string]Client
	resources map[string]IdentityResource
	scopes    map[string]ApiScope
	version   uint64
}

func newMemState() *memState {
	return &memState{
		clients:   make(map[string]Client),
		resources: make(map[string]IdentityResource),
		scopes:    make(map[string]ApiScope),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.clients {
		c.clients[k] = v
	}
	for k, v := range s.resources {
		c.resources[k] = v
	}
	for k, v := range s.scopes {
		c.scopes[k] = v
	}
	c.version = s.version
	return c
}

// MemoryStore is an in-process Database used by tests and local tooling.
type MemoryStore struct {
	mu     sync.Mutex
	writer sync.Mutex
	state  *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) view() *memView { return &memView{mu: &s.mu, state: &s.state} }

func (s *MemoryStore) Clients(ctx context.Context) ClientStore { return memClients{s.view()} }
func (s *MemoryStore) IdentityResources(ctx context.Context) IdentityResourceStore {
	return memResources{s.view()}
}
func (s *MemoryStore) ApiScopes(ctx context.Context) ApiScopeStore { return memScopes{s.view()} }

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memoryTx{parent: s, state: s.state.clone(), base: s.state.version}, nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error    { return nil }

type memoryTx struct {
	parent *MemoryStore
	mu     sync.Mutex
	state  *memState
	base   uint64
	locked bool
	done   bool
}

func (t *memoryTx) view() *memView { return &memView{mu: &t.mu, state: &t.state} }

func (t *memoryTx) Clients(ctx context.Context) ClientStore { return memClients{t.view()} }
func (t *memoryTx) IdentityResources(ctx context.Context) IdentityResourceStore {
	return memResources{t.view()}
}
func (t *memoryTx) ApiScopes(ctx context.Context) ApiScopeStore { return memScopes{t.view()} }

// Lock serialises writers and rebases the transaction on committed state.
func (t *memoryTx) Lock(ctx context.Context) error {
	if t.locked {
		return nil
	}
	t.parent.writer.Lock()
	t.locked = true
	t.parent.mu.Lock()
	t.state = t.parent.state.clone()
	t.base = t.parent.state.version
	t.parent.mu.Unlock()
	return nil
}

// Commit fails with ErrConflict when the store changed after the transaction read it.
func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	defer t.finish()
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	if t.parent.state.version != t.base {
		return fmt.Errorf("%w: store changed during transaction", ErrConflict)
	}
	t.parent.state = t.state
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *memoryTx) finish() {
	t.done = true
	if t.locked {
		t.locked = false
		t.parent.writer.Unlock()
	}
}

type memView struct {
	mu    *sync.Mutex
	state **memState
}

type memClients struct{ v *memView }

func (m memClients) Count(ctx context.Context) (int, error) {
	m.v.mu.Lock()
	defer m.v.mu.Unlock()
	return len((*m.v.state).clients), nil
}

func (m memClients) Add(ctx context.Context, clients []Client) error {
	m.v.mu.Lock()
	defer m.v.mu.Unlock()
	st := *m.v.state
	seen := make(map[string]bool, len(clients))
	for _, c := range clients {
		if c.ClientID == "" {
			return fmt.Errorf("%w: client id is required", ErrInvalidInput)
		}
		if _, ok := st.clients[c.ClientID]; ok || seen[c.ClientID] {
			return fmt.Errorf("%w: client %s", ErrConflict, c.ClientID)
		}
		seen[c.ClientID] = true
	}
	now := time.Now().UTC()
	for _, c := range clients {
		c.CreatedAt = now
		st.clients[c.ClientID] = c
	}
	st.version++
	return nil
}

func (m memClients) Find(ctx context.Context, clientID string) (*Client, error) {
	m.v.mu.Lock()
	defer m.v.mu.Unlock()
	c, ok := (*m.v.state).clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m memClients) List(ctx context.Context) ([]Client, error) {
	m.v.mu.Lock()
	defer m.v.mu.Unlock()
	out := make([]Client, 0, len((*m.v.state).clients))
	for _, c := range (*m.v.state).clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

type memResources struct{ v *memView }

func (m memResources) Count(ctx context.Context) (int, error) {
	m.v.mu.Lock()
	defer m.v.mu.Unlock()
	return len((*m.v.state).resources), nil
}

func (m memResources) Add(ctx context.Context, resources []IdentityResource) error {
	m.v.mu.Lock()
	defer m.v.mu.Unlock()
	st := *m.v.state
	seen := make(map[string]bool, len(resources))
	for _, r := range resources {
		if r.Name == "" {
			return fmt.Errorf("%w: identity resource name is required", ErrInvalidInput)
		}
		if _, ok := st.resources[r.Name]; ok || seen[r.Name] {
			return fmt.Errorf("%w: identity resource %s", ErrConflict, r.Name)
		}
		seen[r.Name] = true
	}
	now := time.Now().UTC()
	for _, r := range resources {
		r.CreatedAt = now
		st.resources[r.Name] = r
	}
	st.version++
	return nil
}

func (m memResources) List(ctx context.Context) ([]IdentityResource, error) {
	m.v.mu.Lock()
	defer m.v.mu.Unlock()
	out := make([]IdentityResource, 0, len((*m.v.state).resources))
	for _, r := range (*m.v.state).resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memScopes struct{ v *memView }

func (m memScopes) Count(ctx context.Context) (int, error) {
	m.v.mu.Lock()
	defer m.v.mu.Unlock()
	return len((*m.v.state).scopes), nil
}

func (m memScopes) Add(ctx context.Context, scopes []ApiScope) error {
	m.v.mu.Lock()
	defer m.v.mu.Unlock()
	st := *m.v.state
	seen := make(map[string]bool, len(scopes))
	for _, sc := range scopes {
		if sc.Name == "" {
			return fmt.Errorf("%w: api scope name is required", ErrInvalidInput)
		}
		if _, ok := st.scopes[sc.Name]; ok || seen[sc.Name] {
			return fmt.Errorf("%w: api scope %s", ErrConflict, sc.Name)
		}
		seen[sc.Name] = true
	}
	now := time.Now().UTC()
	for _, sc := range scopes {
		sc.CreatedAt = now
		st.scopes[sc.Name] = sc
	}
	st.version++
	return nil
}

func (m memScopes) List(ctx context.Context) ([]ApiScope, error) {
	m.v.mu.Lock()
	defer m.v.mu.Unlock()
	out := make([]ApiScope, 0, len((*m.v.state).scopes))
	for _, sc := range (*m.v.state).scopes {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
