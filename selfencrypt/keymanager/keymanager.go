// Package keymanager abstracts external Key Management Systems that wrap and
// unwrap the per-data-map key the engine's data-map encryption scheme (§4.6)
// protects its key material with. Adapted from the teacher's
// internal/crypto.KeyManager, which served the same role for per-object S3
// data encryption keys.
package keymanager

import "context"

// KeyManager wraps and unwraps data-map keys against an external KMS.
// Implementations must never expose plaintext master keys and must ensure
// all cryptographic operations happen inside the KMS (KMIP, AWS KMS, Vault
// Transit, etc).
//
// Current implementations:
//   - Cosmian KMIP (CosmianKMIPManager)
type KeyManager interface {
	// Provider returns a short identifier (e.g. "cosmian-kmip") used for
	// diagnostics and metadata.
	Provider() string

	// WrapKey encrypts plaintext (a data-map key) and returns an envelope
	// suitable for persisting alongside the encrypted data map.
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext in envelope and returns the
	// plaintext data-map key.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)

	// ActiveKeyVersion returns the version identifier of the primary
	// wrapping key.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies the KMS is reachable without performing a real
	// encrypt/decrypt.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

// KeyEnvelope captures the information required to unwrap a data-map key.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}

// MetaKeyVersion is the data-map metadata key recording which wrapping key
// protected it.
const MetaKeyVersion = "x-selfencrypt-meta-key-version"
