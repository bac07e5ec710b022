// Package keystore seals the node's own Ed25519 signing key (used
// when this node acts as a client of another node's signature
// authentication core) under a passphrase, and bcrypt-hashes the
// operator passphrase gating the orchestrator's restart/soft_restart
// lifecycle operations (§4.4). It stores nothing itself: callers
// persist the Sealed blob and the hash.
// Neither is named as a persisted key space in spec.md §6 — the spec
// is silent on how the node authenticates itself as a peer or gates
// its own lifecycle controls — so this package fills that gap in the
// teacher's idiom: bcrypt-hashed credentials, argon2id-derived
// symmetric wrapping, mirroring the teacher's bcrypt-hashed
// BootstrapConfig admin user.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	saltSize  = 16
	nonceSize = 12

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

var (
	ErrInvalidPassphrase = errors.New("keystore: invalid passphrase")
	ErrCorrupt           = errors.New("keystore: sealed blob is corrupt")
)

// Sealed is the on-disk/persisted shape of a passphrase-wrapped
// private key: salt and nonce are stored alongside the ciphertext so
// unsealing never needs out-of-band parameters.
type Sealed struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// GenerateSigningKey creates a fresh Ed25519 keypair for a node's own
// identity (the key it signs handshake tokens and outbound
// peer-client requests with).
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Seal derives an AES-256-GCM key from passphrase via argon2id and
// encrypts priv under it.
func Seal(priv ed25519.PrivateKey, passphrase string) (*Sealed, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: generate salt: %w", err)
	}
	key := deriveKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, priv, nil)
	return &Sealed{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Unseal reverses Seal, failing with ErrInvalidPassphrase if the
// passphrase does not match (GCM authentication failure, not a
// distinguishable decrypt error, so any tag mismatch maps here).
func Unseal(s *Sealed, passphrase string) (ed25519.PrivateKey, error) {
	if len(s.Salt) != saltSize || len(s.Nonce) != nonceSize {
		return nil, ErrCorrupt
	}
	key := deriveKey(passphrase, s.Salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	if len(plaintext) != ed25519.PrivateKeySize {
		return nil, ErrCorrupt
	}
	return ed25519.PrivateKey(plaintext), nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// HashOperatorPassphrase bcrypt-hashes the passphrase gating
// restart/soft_restart, following the teacher's HashPassword helper.
func HashOperatorPassphrase(passphrase string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("keystore: hash passphrase: %w", err)
	}
	return string(hash), nil
}

// VerifyOperatorPassphrase checks passphrase against a bcrypt hash
// produced by HashOperatorPassphrase.
func VerifyOperatorPassphrase(hash, passphrase string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passphrase)) == nil
}

// EncodeBase64/DecodeBase64 are convenience helpers for persisting
// Sealed's byte fields inside the single-file YAML config layer
// (gopkg.in/yaml.v3 maps []byte to base64 automatically when
// marshaling, but a caller parsing from a plain string field needs
// this explicitly).
func EncodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func DecodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
