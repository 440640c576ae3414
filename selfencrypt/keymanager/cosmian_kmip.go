package keymanager

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"
)

// KMIPKeyReference names one wrapping key known to the KMIP server, by its
// unique identifier and the logical version this manager should report for
// envelopes wrapped under it.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager. Keys must list at
// least the active wrapping key; the last entry is treated as active.
// UnwrapKey always falls back to resolving an envelope by KeyVersion (among
// the listed Keys) when its KeyID is unset or unknown; DualReadWindow is
// stored on the manager, but that fallback does not consult it.
type CosmianKMIPOptions struct {
	Endpoint       string
	Keys           []KMIPKeyReference
	TLSConfig      *tls.Config
	Timeout        time.Duration
	Provider       string
	DualReadWindow int
}

// CosmianKMIPManager wraps/unwraps data-map keys against a Cosmian KMS over
// KMIP, grounded on the teacher's go.mod dependency on github.com/ovh/kmip-go
// (the teacher repo carried this dependency and a server-mock-backed test
// for a KeyManager of this name, but never checked in the client-side
// implementation — this is that implementation).
type CosmianKMIPManager struct {
	client   kmipclient.Client
	provider string
	timeout  time.Duration

	byID      map[string]KMIPKeyReference
	byVersion map[int]KMIPKeyReference
	active    KMIPKeyReference

	dualReadWindow int
}

// NewCosmianKMIPManager dials the KMIP server at opts.Endpoint over TLS and
// returns a manager ready to wrap/unwrap keys against opts.Keys.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("keymanager: at least one key reference is required")
	}

	client, err := kmipclient.Dial(opts.Endpoint,
		kmipclient.WithTLSConfig(opts.TLSConfig),
		kmipclient.WithTimeout(opts.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("keymanager: dial kmip server %s: %w", opts.Endpoint, err)
	}

	byID := make(map[string]KMIPKeyReference, len(opts.Keys))
	byVersion := make(map[int]KMIPKeyReference, len(opts.Keys))
	for _, k := range opts.Keys {
		byID[k.ID] = k
		byVersion[k.Version] = k
	}

	provider := opts.Provider
	if provider == "" {
		provider = "cosmian-kmip"
	}

	return &CosmianKMIPManager{
		client:         client,
		provider:       provider,
		timeout:        opts.Timeout,
		byID:           byID,
		byVersion:      byVersion,
		active:         opts.Keys[len(opts.Keys)-1],
		dualReadWindow: opts.DualReadWindow,
	}, nil
}

// Provider returns the configured provider identifier.
func (m *CosmianKMIPManager) Provider() string { return m.provider }

func (m *CosmianKMIPManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

// WrapKey encrypts plaintext under the active wrapping key.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, _ map[string]string) (*KeyEnvelope, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	resp, err := m.client.Encrypt(ctx, payloads.EncryptRequestPayload{
		UniqueIdentifier: m.active.ID,
		Data:             plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("keymanager: kmip encrypt: %w", err)
	}

	return &KeyEnvelope{
		KeyID:      m.active.ID,
		KeyVersion: m.active.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts envelope.Ciphertext under the key it names. If
// envelope.KeyID is empty or unknown, it falls back to resolving the key by
// envelope.KeyVersion, so envelopes that only recorded a version still
// unwrap.
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, _ map[string]string) ([]byte, error) {
	ref, ok := m.resolve(envelope)
	if !ok {
		return nil, fmt.Errorf("keymanager: unknown wrapping key (id=%q version=%d)", envelope.KeyID, envelope.KeyVersion)
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	resp, err := m.client.Decrypt(ctx, payloads.DecryptRequestPayload{
		UniqueIdentifier: ref.ID,
		Data:             envelope.Ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("keymanager: kmip decrypt: %w", err)
	}
	return resp.Data, nil
}

func (m *CosmianKMIPManager) resolve(envelope *KeyEnvelope) (KMIPKeyReference, bool) {
	if envelope.KeyID != "" {
		if ref, ok := m.byID[envelope.KeyID]; ok {
			return ref, true
		}
	}
	if ref, ok := m.byVersion[envelope.KeyVersion]; ok {
		return ref, true
	}
	return KMIPKeyReference{}, false
}

// ActiveKeyVersion returns the version of the key WrapKey currently uses.
func (m *CosmianKMIPManager) ActiveKeyVersion(context.Context) (int, error) {
	return m.active.Version, nil
}

// HealthCheck fetches the active key's metadata via KMIP Get, without
// performing a real encrypt/decrypt.
func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	_, err := m.client.Get(ctx, payloads.GetRequestPayload{UniqueIdentifier: m.active.ID})
	if err != nil {
		return fmt.Errorf("keymanager: kmip health check: %w", err)
	}
	return nil
}

// Close closes the underlying KMIP connection.
func (m *CosmianKMIPManager) Close(context.Context) error {
	return m.client.Close()
}
