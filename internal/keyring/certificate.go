package keyring

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// Certificate is an X.509 certificate with its RSA private key.
type Certificate struct {
	Leaf       *x509.Certificate
	PrivateKey *rsa.PrivateKey
}

// Thumbprint is the hex SHA-256 digest of the DER certificate.
func (c *Certificate) Thumbprint() string {
	sum := sha256.Sum256(c.Leaf.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (c *Certificate) PublicKey() *rsa.PublicKey {
	return &c.PrivateKey.PublicKey
}

// LoadCertificate reads a PKCS#12 bundle (.pfx, .p12) or a PEM file holding
// the certificate and its private key.
func LoadCertificate(path, password string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read certificate: %w", ErrKeyProtectionUnavailable, err)
	}
	var cert *Certificate
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pfx", ".p12":
		cert, err = ParsePKCS12(data, password)
	default:
		cert, err = ParsePEM(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKeyProtectionUnavailable, filepath.Base(path), err)
	}
	return cert, nil
}

func ParsePKCS12(data []byte, password string) (*Certificate, error) {
	key, leaf, _, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12: %w", err)
	}
	return newCertificate(leaf, key)
}

func ParsePEM(data []byte) (*Certificate, error) {
	var (
		leaf *x509.Certificate
		key  any
	)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		var err error
		switch block.Type {
		case "CERTIFICATE":
			if leaf == nil {
				leaf, err = x509.ParseCertificate(block.Bytes)
			}
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", strings.ToLower(block.Type), err)
		}
	}
	if leaf == nil {
		return nil, errors.New("no certificate block found")
	}
	return newCertificate(leaf, key)
}

func newCertificate(leaf *x509.Certificate, key any) (*Certificate, error) {
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("certificate private key must be RSA")
	}
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(rsaKey.N) != 0 {
		return nil, errors.New("private key does not match certificate")
	}
	return &Certificate{Leaf: leaf, PrivateKey: rsaKey}, nil
}
