package keyring

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var magicHeader = []byte{0x09, 0xF0, 0xC9, 0xF0}

const headerLen = 4 + 16

// Protector seals payloads for one purpose with the ring's active key.
type Protector struct {
	ring    *KeyRing
	purpose string
}

// CreateProtector returns a protector whose payloads only open under the same purpose.
func (r *KeyRing) CreateProtector(purpose string) *Protector {
	return &Protector{ring: r, purpose: purpose}
}

func (p *Protector) Protect(plaintext []byte) ([]byte, error) {
	key := p.ring.active
	id, err := uuid.Parse(key.ID)
	if err != nil {
		return nil, fmt.Errorf("keyring: key id %q: %w", key.ID, err)
	}
	aead, err := p.aead(key)
	if err != nil {
		return nil, err
	}
	header := make([]byte, 0, headerLen)
	header = append(header, magicHeader...)
	header = append(header, id[:]...)

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := append(header, nonce...)
	return aead.Seal(out, nonce, plaintext, p.additionalData(header)), nil
}

func (p *Protector) Unprotect(protected []byte) ([]byte, error) {
	if len(protected) < headerLen || !bytes.Equal(protected[:4], magicHeader) {
		return nil, ErrInvalidPayload
	}
	id, err := uuid.FromBytes(protected[4:headerLen])
	if err != nil {
		return nil, ErrInvalidPayload
	}
	key, ok := p.ring.key(id.String())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	aead, err := p.aead(key)
	if err != nil {
		return nil, err
	}
	rest := protected[headerLen:]
	if len(rest) < aead.NonceSize() {
		return nil, ErrInvalidPayload
	}
	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, p.additionalData(protected[:headerLen]))
	if err != nil {
		return nil, ErrInvalidPayload
	}
	return plain, nil
}

func (p *Protector) aead(k *Key) (cipher.AEAD, error) {
	sub := make([]byte, 32)
	info := []byte(p.ring.discriminator + "|" + p.purpose)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.secret, nil, info), sub); err != nil {
		return nil, fmt.Errorf("keyring: derive key: %w", err)
	}
	block, err := aes.NewCipher(sub)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (p *Protector) additionalData(header []byte) []byte {
	ad := make([]byte, 0, len(header)+len(p.purpose))
	ad = append(ad, header...)
	return append(ad, p.purpose...)
}

// TimeLimitedProtector rejects payloads older than its lifetime.
type TimeLimitedProtector struct {
	inner    *Protector
	lifetime time.Duration
	now      func() time.Time
}

func (p *Protector) WithLifetime(lifetime time.Duration) *TimeLimitedProtector {
	return &TimeLimitedProtector{inner: p, lifetime: lifetime, now: time.Now}
}

func (t *TimeLimitedProtector) Protect(plaintext []byte) ([]byte, error) {
	buf := make([]byte, 8, 8+len(plaintext))
	binary.BigEndian.PutUint64(buf, uint64(t.now().Add(t.lifetime).Unix()))
	return t.inner.Protect(append(buf, plaintext...))
}

func (t *TimeLimitedProtector) Unprotect(protected []byte) ([]byte, error) {
	plain, err := t.inner.Unprotect(protected)
	if err != nil {
		return nil, err
	}
	if len(plain) < 8 {
		return nil, ErrInvalidPayload
	}
	exp := time.Unix(int64(binary.BigEndian.Uint64(plain[:8])), 0)
	if !t.now().Before(exp) {
		return nil, ErrPayloadExpired
	}
	return plain[8:], nil
}
