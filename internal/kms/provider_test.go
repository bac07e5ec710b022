package kms

import (
	"context"
	"testing"
)

// mockProvider is a test KMS provider satisfying the attestation-sealing
// Provider contract.
type mockProvider struct {
	kmsType string
}

func (m *mockProvider) Type() string { return m.kmsType }
func (m *mockProvider) Close() error { return nil }
func (m *mockProvider) Wrap(_ context.Context, _ string, plaintext []byte, _ map[string]string) ([]byte, error) {
	return append([]byte("wrapped:"), plaintext...), nil
}

var _ Provider = (*mockProvider)(nil)

func TestProviderWrap(t *testing.T) {
	p := &mockProvider{kmsType: "test-kms"}

	ciphertext, err := p.Wrap(context.Background(), "key-1", []byte("attestation-seal"), nil)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if string(ciphertext) != "wrapped:attestation-seal" {
		t.Errorf("Wrap result = %q, want %q", ciphertext, "wrapped:attestation-seal")
	}
	if p.Type() != "test-kms" {
		t.Errorf("Type() = %q, want %q", p.Type(), "test-kms")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
