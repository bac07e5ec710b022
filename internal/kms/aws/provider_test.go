package aws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// mockAWSKMS creates a test HTTP server that mimics AWS KMS's Encrypt
// operation, the only one the rotation core's attestation seal uses.
func mockAWSKMS(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := r.Header.Get("X-Amz-Target")
		w.Header().Set("Content-Type", "application/x-amz-json-1.1")

		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)

		switch target {
		case "TrentService.Encrypt":
			resp := map[string]interface{}{
				"CiphertextBlob": "ZW5jcnlwdGVk", // base64 of "encrypted"
				"KeyId":          body["KeyId"],
			}
			json.NewEncoder(w).Encode(resp)

		default:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"__type":  "UnknownOperationException",
				"Message": "unsupported operation: " + target,
			})
		}
	}))
}

func TestProviderType(t *testing.T) {
	srv := mockAWSKMS(t)
	defer srv.Close()

	p, err := NewProvider(context.Background(), Config{
		Region:          "us-east-1",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if got := p.Type(); got != ProviderType {
		t.Errorf("Type() = %q, want %q", got, ProviderType)
	}
}

func TestWrapSealsAttestation(t *testing.T) {
	srv := mockAWSKMS(t)
	defer srv.Close()

	p, err := NewProvider(context.Background(), Config{
		Region:          "us-east-1",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	wrapped, err := p.Wrap(context.Background(), "rotation-attestation-key", []byte("seal-bytes"), nil)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if len(wrapped) == 0 {
		t.Fatal("Wrap returned empty ciphertext")
	}
}

func TestNewProviderFromProps(t *testing.T) {
	srv := mockAWSKMS(t)
	defer srv.Close()

	props := map[string]string{
		"aws.region":            "us-west-2",
		"aws.access.key.id":     "test-key",
		"aws.secret.access.key": "test-secret",
		"aws.endpoint":          srv.URL,
	}

	p, err := NewProviderFromProps(context.Background(), props)
	if err != nil {
		t.Fatalf("NewProviderFromProps: %v", err)
	}
	if p.Type() != ProviderType {
		t.Errorf("Type() = %q, want %q", p.Type(), ProviderType)
	}
}

func TestClose(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
