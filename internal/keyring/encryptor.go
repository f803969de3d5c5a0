package keyring

import (
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// Encryptor protects key material at rest.
type Encryptor interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// CertificateEncryptor wraps key material in a compact JWE addressed to the
// certificate's public key (RSA-OAEP-256, A256GCM).
type CertificateEncryptor struct {
	cert *Certificate
}

func NewCertificateEncryptor(cert *Certificate) *CertificateEncryptor {
	return &CertificateEncryptor{cert: cert}
}

func (e *CertificateEncryptor) Encrypt(plaintext []byte) (string, error) {
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{
		Algorithm: jose.RSA_OAEP_256,
		Key:       e.cert.PublicKey(),
		KeyID:     e.cert.Thumbprint(),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("keyring: encrypter: %w", err)
	}
	obj, err := enc.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("keyring: encrypt: %w", err)
	}
	return obj.CompactSerialize()
}

func (e *CertificateEncryptor) Decrypt(ciphertext string) ([]byte, error) {
	obj, err := jose.ParseEncrypted(ciphertext,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
		[]jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return nil, fmt.Errorf("keyring: parse jwe: %w", err)
	}
	if kid := obj.Header.KeyID; kid != "" && kid != e.cert.Thumbprint() {
		return nil, fmt.Errorf("keyring: key encrypted for certificate %s", kid)
	}
	plain, err := obj.Decrypt(e.cert.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: decrypt: %w", err)
	}
	return plain, nil
}
