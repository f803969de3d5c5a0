// Package signing issues and verifies RS256 tokens with the service certificate.
package signing

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"godwit.dev/identity/internal/keyring"
)

const Algorithm = "RS256"

var ErrInvalidToken = errors.New("signing: invalid token")

// Credential signs tokens with the certificate's private key. The key id is
// the certificate thumbprint.
type Credential struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
	kid  string
}

func NewCredential(cert *keyring.Certificate) *Credential {
	return &Credential{key: cert.PrivateKey, cert: cert.Leaf, kid: cert.Thumbprint()}
}

func (c *Credential) KeyID() string { return c.kid }

func (c *Credential) Sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = c.kid
	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	return signed, nil
}

// Verify parses token into claims, checking signature, algorithm and time claims.
func (c *Credential) Verify(token string, claims jwt.Claims, opts ...jwt.ParserOption) error {
	opts = append([]jwt.ParserOption{jwt.WithValidMethods([]string{Algorithm})}, opts...)
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != "" && kid != c.kid {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return &c.key.PublicKey, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return nil
}

// JWKS publishes the verification key.
func (c *Credential) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:          &c.key.PublicKey,
		KeyID:        c.kid,
		Algorithm:    Algorithm,
		Use:          "sig",
		Certificates: []*x509.Certificate{c.cert},
	}}}
}
