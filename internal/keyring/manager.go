// Package keyring keeps the data-protection key ring shared by every instance
// of the service. The ring lives in a distributed cache and each key is
// encrypted to the configured certificate.
package keyring

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	documentVersion    = 1
	defaultKeyLifetime = 90 * 24 * time.Hour
	keySize            = 32
)

// Provider yields the shared key ring, creating it on first use.
type Provider interface {
	GetOrCreate(ctx context.Context) (*KeyRing, error)
}

type ringDocument struct {
	Version int        `json:"version"`
	Keys    []keyEntry `json:"keys"`
}

type keyEntry struct {
	ID          string    `json:"id"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created"`
	ActivatesAt time.Time `json:"activation"`
	ExpiresAt   time.Time `json:"expiration"`
	Secret      string    `json:"encryptedSecret"`
}

// Manager loads the ring from a Repository and decrypts it with an Encryptor.
type Manager struct {
	repo          Repository
	enc           Encryptor
	discriminator string
	keyLifetime   time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

var _ Provider = (*Manager)(nil)

type Option func(*Manager)

func WithKeyLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.keyLifetime = d
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(repo Repository, enc Encryptor, discriminator string, opts ...Option) *Manager {
	m := &Manager{
		repo:          repo,
		enc:           enc,
		discriminator: discriminator,
		keyLifetime:   defaultKeyLifetime,
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the shared ring. When the cache holds no ring, a new
// one is offered with create-if-absent and whichever ring won is read back.
func (m *Manager) GetOrCreate(ctx context.Context) (*KeyRing, error) {
	raw, ok, err := m.repo.Load(ctx, m.discriminator)
	if err != nil {
		return nil, fmt.Errorf("%w: load key ring: %w", ErrKeyProtectionUnavailable, err)
	}
	if !ok {
		raw, err = m.create(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyProtectionUnavailable, err)
		}
	}
	ring, err := m.open(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyProtectionUnavailable, err)
	}
	m.logger.Debug("key ring loaded",
		zap.String("discriminator", m.discriminator),
		zap.String("active_key", ring.active.ID),
		zap.Int("keys", ring.Len()))
	return ring, nil
}

func (m *Manager) create(ctx context.Context) (string, error) {
	doc, err := m.newDocument()
	if err != nil {
		return "", err
	}
	created, err := m.repo.CreateIfAbsent(ctx, m.discriminator, doc)
	if err != nil {
		return "", fmt.Errorf("create key ring: %w", err)
	}
	if created {
		m.logger.Info("key ring created", zap.String("discriminator", m.discriminator))
		return doc, nil
	}
	raw, ok, err := m.repo.Load(ctx, m.discriminator)
	if err != nil {
		return "", fmt.Errorf("reload key ring: %w", err)
	}
	if !ok {
		return "", errors.New("key ring vanished after concurrent creation")
	}
	return raw, nil
}

func (m *Manager) newDocument() (string, error) {
	secret := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	sealed, err := m.enc.Encrypt(secret)
	if err != nil {
		return "", err
	}
	now := m.now().UTC()
	doc := ringDocument{
		Version: documentVersion,
		Keys: []keyEntry{{
			ID:          uuid.NewString(),
			Version:     1,
			CreatedAt:   now,
			ActivatesAt: now,
			ExpiresAt:   now.Add(m.keyLifetime),
			Secret:      sealed,
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Manager) open(raw string) (*KeyRing, error) {
	var doc ringDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode key ring: %w", err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("unsupported key ring version %d", doc.Version)
	}
	if len(doc.Keys) == 0 {
		return nil, errors.New("key ring holds no keys")
	}
	keys := make([]*Key, 0, len(doc.Keys))
	for _, e := range doc.Keys {
		secret, err := m.enc.Decrypt(e.Secret)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", e.ID, err)
		}
		if len(secret) != keySize {
			return nil, fmt.Errorf("key %s: unexpected size %d", e.ID, len(secret))
		}
		keys = append(keys, &Key{
			ID:          e.ID,
			Version:     e.Version,
			CreatedAt:   e.CreatedAt,
			ActivatesAt: e.ActivatesAt,
			ExpiresAt:   e.ExpiresAt,
			secret:      secret,
		})
	}
	now := m.now()
	ring := newKeyRing(m.discriminator, keys, now)
	if ring.active.ExpiresAt.Before(now) {
		m.logger.Warn("active key is past its expiration", zap.String("key", ring.active.ID))
	}
	return ring, nil
}
