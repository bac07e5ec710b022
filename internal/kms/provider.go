// Package kms provides a pluggable KMS (Key Management Service) provider
// interface for sealing key-rotation attestations.
//
// When internal/keyrotation is configured with a Provider, every
// completed rotation has its correlation ID and old/new public keys
// hashed and wrapped through the KMS key identified by KMSKeyID,
// producing an Attestation blob on the rotation Record. A nil provider
// is valid: rotations simply complete unsealed.
package kms

import (
	"context"
)

// Provider defines the interface a KMS backend must satisfy to seal
// rotation attestations. Implementations exist for HashiCorp Vault
// Transit, OpenBao, AWS KMS, Azure Key Vault, and GCP Cloud KMS.
type Provider interface {
	// Wrap encrypts plaintext using the KMS key identified by kmsKeyID.
	// Returns the ciphertext (wrapped key material).
	Wrap(ctx context.Context, kmsKeyID string, plaintext []byte, props map[string]string) ([]byte, error)

	// Type returns the KMS provider type identifier (e.g., "hcvault", "openbao",
	// "aws-kms", "azure-kms", "gcp-kms").
	Type() string

	// Close releases any resources held by the provider.
	Close() error
}
