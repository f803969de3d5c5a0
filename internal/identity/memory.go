package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	_ Database = (*MemoryStore)(nil)
	_ Tx       = (*memoryTx)(nil)
)

type membership struct {
	userID string
	roleID string
}

type loginKey struct {
	provider string
	key      string
}

type memState struct {
	users       map[string]User
	roles       map[string]Role
	memberships []membership
	claims      map[string][]Claim
	logins      map[loginKey]UserLogin
	// version counts writes so a commit can detect state it did not see.
	version uint64
}

func newMemState() *memState {
	return &memState{
		users:  make(map[string]User),
		roles:  make(map[string]Role),
		claims: make(map[string][]Claim),
		logins: make(map[loginKey]UserLogin),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.roles {
		c.roles[k] = v
	}
	c.memberships = append(c.memberships, s.memberships...)
	for k, v := range s.claims {
		c.claims[k] = append([]Claim(nil), v...)
	}
	for k, v := range s.logins {
		c.logins[k] = v
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

func (s *MemoryStore) Users(ctx context.Context) UserStore   { return s.view() }
func (s *MemoryStore) Roles(ctx context.Context) RoleStore   { return memRoles{s.view()} }
func (s *MemoryStore) Claims(ctx context.Context) ClaimStore { return memClaims{s.view()} }

func (s *MemoryStore) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	return s.view().snapshot(userID), nil
}

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

func (t *memoryTx) Users(ctx context.Context) UserStore   { return t.view() }
func (t *memoryTx) Roles(ctx context.Context) RoleStore   { return memRoles{t.view()} }
func (t *memoryTx) Claims(ctx context.Context) ClaimStore { return memClaims{t.view()} }

func (t *memoryTx) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	return t.view().snapshot(userID), nil
}

// Lock blocks other transactions' Lock calls and rebases this transaction on
// the latest committed state.
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

// Commit publishes the transaction's state. It fails with ErrConflict when the
// store was written after the transaction last read it.
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

// memView implements the sub-stores over a state guarded by mu.
type memView struct {
	mu    *sync.Mutex
	state **memState
}

func (v *memView) Create(ctx context.Context, u *User) error {
	if strings.TrimSpace(u.UserName) == "" {
		return fmt.Errorf("%w: user name is required", ErrInvalidInput)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	st := *v.state
	norm := Normalize(u.UserName)
	for _, existing := range st.users {
		if existing.NormalizedUserName == norm {
			return fmt.Errorf("%w: user %s", ErrConflict, u.UserName)
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.SecurityStamp == "" {
		u.SecurityStamp = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	u.NormalizedUserName = norm
	u.NormalizedEmail = Normalize(u.Email)
	u.CreatedAt = time.Now().UTC()
	st.users[u.ID] = *u
	st.version++
	return nil
}

func (v *memView) Find(ctx context.Context, id string) (*User, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	u, ok := (*v.state).users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (v *memView) FindByName(ctx context.Context, userName string) (*User, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	norm := Normalize(userName)
	for _, u := range (*v.state).users {
		if u.NormalizedUserName == norm {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (v *memView) FindByLogin(ctx context.Context, provider, providerKey string) (*User, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := *v.state
	login, ok := st.logins[loginKey{provider, providerKey}]
	if !ok {
		return nil, ErrNotFound
	}
	u, ok := st.users[login.UserID]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (v *memView) AddLogin(ctx context.Context, login UserLogin) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := *v.state
	if _, ok := st.users[login.UserID]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, login.UserID)
	}
	key := loginKey{login.Provider, login.ProviderKey}
	if _, ok := st.logins[key]; ok {
		return fmt.Errorf("%w: login %s/%s", ErrConflict, login.Provider, login.ProviderKey)
	}
	st.logins[key] = login
	st.version++
	return nil
}

func (v *memView) snapshot(userID string) Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := *v.state
	return Snapshot{
		Claims: append([]Claim(nil), st.claims[userID]...),
		Roles:  st.roleNames(userID),
	}
}

func (s *memState) roleNames(userID string) []string {
	var names []string
	for _, m := range s.memberships {
		if m.userID == userID {
			names = append(names, s.roles[m.roleID].Name)
		}
	}
	return names
}

type memRoles struct{ v *memView }

func (r memRoles) Create(ctx context.Context, role *Role) error {
	if strings.TrimSpace(role.Name) == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	r.v.mu.Lock()
	defer r.v.mu.Unlock()
	st := *r.v.state
	norm := Normalize(role.Name)
	for _, existing := range st.roles {
		if existing.NormalizedName == norm {
			return fmt.Errorf("%w: role %s", ErrConflict, role.Name)
		}
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	role.NormalizedName = norm
	role.CreatedAt = time.Now().UTC()
	st.roles[role.ID] = *role
	st.version++
	return nil
}

func (r memRoles) FindByName(ctx context.Context, name string) (*Role, error) {
	r.v.mu.Lock()
	defer r.v.mu.Unlock()
	return (*r.v.state).roleByName(name)
}

func (s *memState) roleByName(name string) (*Role, error) {
	norm := Normalize(name)
	for _, role := range s.roles {
		if role.NormalizedName == norm {
			return &role, nil
		}
	}
	return nil, ErrNotFound
}

func (r memRoles) AddUser(ctx context.Context, userID, roleName string) error {
	r.v.mu.Lock()
	defer r.v.mu.Unlock()
	st := *r.v.state
	role, err := st.roleByName(roleName)
	if err != nil {
		return fmt.Errorf("role %s: %w", roleName, err)
	}
	if _, ok := st.users[userID]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	for _, m := range st.memberships {
		if m.userID == userID && m.roleID == role.ID {
			return nil
		}
	}
	st.memberships = append(st.memberships, membership{userID: userID, roleID: role.ID})
	st.version++
	return nil
}

func (r memRoles) ForUser(ctx context.Context, userID string) ([]string, error) {
	r.v.mu.Lock()
	defer r.v.mu.Unlock()
	return (*r.v.state).roleNames(userID), nil
}

type memClaims struct{ v *memView }

func (c memClaims) Add(ctx context.Context, userID string, claims []Claim) error {
	c.v.mu.Lock()
	defer c.v.mu.Unlock()
	st := *c.v.state
	if _, ok := st.users[userID]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	for _, cl := range claims {
		if strings.TrimSpace(cl.Type) == "" {
			return fmt.Errorf("%w: claim type is required", ErrInvalidInput)
		}
	}
	st.claims[userID] = append(st.claims[userID], claims...)
	st.version++
	return nil
}

func (c memClaims) ForUser(ctx context.Context, userID string) ([]Claim, error) {
	c.v.mu.Lock()
	defer c.v.mu.Unlock()
	return append([]Claim(nil), (*c.v.state).claims[userID]...), nil
}
