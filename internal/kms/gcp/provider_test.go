package gcp

import (
	"testing"
)

func TestProviderType_Constant(t *testing.T) {
	if ProviderType != "gcp-kms" {
		t.Errorf("ProviderType = %q, want %q", ProviderType, "gcp-kms")
	}
}

func TestCryptoKeyName(t *testing.T) {
	p := &Provider{
		projectID: "my-project",
		location:  "us-east1",
		keyRing:   "my-ring",
	}

	got := p.cryptoKeyName("my-key")
	want := "projects/my-project/locations/us-east1/keyRings/my-ring/cryptoKeys/my-key"
	if got != want {
		t.Errorf("cryptoKeyName() = %q, want %q", got, want)
	}
}

