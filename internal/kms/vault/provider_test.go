package vault

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// mockVaultTransit creates a test HTTP server that mimics Vault Transit's
// encrypt endpoint, the only one the rotation core's attestation seal uses.
func mockVaultTransit(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		switch {
		case strings.Contains(path, "/encrypt/"):
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			plaintext := body["plaintext"].(string)
			ciphertext := "vault:v1:" + plaintext
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"ciphertext": ciphertext,
				},
			})

		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"errors": []string{"unsupported path: " + path},
			})
		}
	}))
}

func TestProviderType(t *testing.T) {
	p, err := NewProvider(Config{Address: "http://localhost:8200", Token: "test"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if got := p.Type(); got != ProviderType {
		t.Errorf("Type() = %q, want %q", got, ProviderType)
	}
}

func TestWrapSealsAttestation(t *testing.T) {
	srv := mockVaultTransit(t)
	defer srv.Close()

	p, err := NewProvider(Config{
		Address:      srv.URL,
		Token:        "test-token",
		TransitMount: "transit",
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	ctx := context.Background()
	seal := sha256.Sum256([]byte("correlation-id" + "old-pub-key" + "new-pub-key"))

	wrapped, err := p.Wrap(ctx, "rotation-attestation-key", seal[:], nil)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if !strings.HasPrefix(string(wrapped), "vault:v1:") {
		t.Errorf("Wrap result = %q, want vault:v1: prefix", wrapped)
	}
}

func TestNewProviderFromProps(t *testing.T) {
	srv := mockVaultTransit(t)
	defer srv.Close()

	props := map[string]string{
		"vault.address":       srv.URL,
		"vault.token":         "test-token",
		"vault.transit.mount": "my-transit",
	}

	p, err := NewProviderFromProps(props)
	if err != nil {
		t.Fatalf("NewProviderFromProps: %v", err)
	}

	ctx := context.Background()
	wrapped, err := p.Wrap(ctx, "test-key", []byte("test-seal"), nil)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if len(wrapped) == 0 {
		t.Fatal("Wrap returned empty")
	}
}

func TestClose(t *testing.T) {
	p, err := NewProvider(Config{Address: "http://localhost:8200", Token: "test"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
