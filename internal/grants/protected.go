package grants

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

// Protector encrypts grant payloads before they are persisted.
type Protector interface {
	Protect(plaintext []byte) ([]byte, error)
	Unprotect(protected []byte) ([]byte, error)
}

// ProtectedStore wraps a Store so Data is stored encrypted.
type ProtectedStore struct {
	inner     Store
	protector Protector
}

var _ Store = (*ProtectedStore)(nil)

func NewProtectedStore(inner Store, protector Protector) *ProtectedStore {
	return &ProtectedStore{inner: inner, protector: protector}
}

func (s *ProtectedStore) Store(ctx context.Context, g *Grant) error {
	stored := *g
	if g.Data != "" {
		sealed, err := s.protector.Protect([]byte(g.Data))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtectorFailed, err)
		}
		stored.Data = base64.RawStdEncoding.EncodeToString(sealed)
	}
	if err := s.inner.Store(ctx, &stored); err != nil {
		return err
	}
	g.CreatedAt = stored.CreatedAt
	return nil
}

func (s *ProtectedStore) Get(ctx context.Context, key string) (*Grant, error) {
	g, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.open(g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *ProtectedStore) GetAll(ctx context.Context, f Filter) ([]Grant, error) {
	list, err := s.inner.GetAll(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if err := s.open(&list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s *ProtectedStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

func (s *ProtectedStore) RemoveAll(ctx context.Context, f Filter) (int64, error) {
	return s.inner.RemoveAll(ctx, f)
}

func (s *ProtectedStore) Consume(ctx context.Context, key string, at time.Time) error {
	return s.inner.Consume(ctx, key, at)
}

func (s *ProtectedStore) RemoveExpired(ctx context.Context, now time.Time, batch int) (int64, error) {
	return s.inner.RemoveExpired(ctx, now, batch)
}

func (s *ProtectedStore) open(g *Grant) error {
	if g.Data == "" {
		return nil
	}
	sealed, err := base64.RawStdEncoding.DecodeString(g.Data)
	if err != nil {
		return fmt.Errorf("%w: grant %s: %w", ErrProtectorFailed, g.Key, err)
	}
	plain, err := s.protector.Unprotect(sealed)
	if err != nil {
		return fmt.Errorf("%w: grant %s: %w", ErrProtectorFailed, g.Key, err)
	}
	g.Data = string(plain)
	return nil
}
