package keyring

import (
	"sort"
	"time"
)

// Key is one versioned entry of the ring. The secret never leaves the package.
type Key struct {
	ID          string
	Version     int
	CreatedAt   time.Time
	ActivatesAt time.Time
	ExpiresAt   time.Time

	secret []byte
}

// KeyRing is the decrypted set of keys shared by all instances.
type KeyRing struct {
	discriminator string
	keys          map[string]*Key
	active        *Key
}

func newKeyRing(discriminator string, keys []*Key, now time.Time) *KeyRing {
	r := &KeyRing{discriminator: discriminator, keys: make(map[string]*Key, len(keys))}
	sorted := append([]*Key(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for _, k := range sorted {
		r.keys[k.ID] = k
		if !k.ActivatesAt.After(now) && k.ExpiresAt.After(now) {
			r.active = k
		}
	}
	if r.active == nil && len(sorted) > 0 {
		r.active = sorted[len(sorted)-1]
	}
	return r
}

func (r *KeyRing) Discriminator() string { return r.discriminator }

// ActiveKey returns the key used for new payloads.
func (r *KeyRing) ActiveKey() Key {
	k := *r.active
	k.secret = nil
	return k
}

func (r *KeyRing) key(id string) (*Key, bool) {
	k, ok := r.keys[id]
	return k, ok
}

func (r *KeyRing) Len() int { return len(r.keys) }
