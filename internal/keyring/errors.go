package keyring

import "errors"

var (
	// ErrKeyProtectionUnavailable is returned when the key ring cannot be
	// loaded because the cache or the certificate is unusable.
	ErrKeyProtectionUnavailable = errors.New("keyring: key protection unavailable")

	ErrUnknownKey     = errors.New("keyring: unknown key")
	ErrInvalidPayload = errors.New("keyring: invalid protected payload")
	ErrPayloadExpired = errors.New("keyring: protected payload expired")
)
