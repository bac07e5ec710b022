//go:build bdd

// Package steps provides godog step definitions driving internal/node
// directly: there is no HTTP surface in front of it to go through.
package steps

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/cucumber/godog"

	"github.com/datafold/datafold-node/internal/atom"
	"github.com/datafold/datafold-node/internal/auth"
	"github.com/datafold/datafold-node/internal/dbops"
	"github.com/datafold/datafold-node/internal/eventbus"
	"github.com/datafold/datafold-node/internal/keyrotation"
	"github.com/datafold/datafold-node/internal/kvstore/memory"
	"github.com/datafold/datafold-node/internal/node"
	"github.com/datafold/datafold-node/internal/pubkey"
	"github.com/datafold/datafold-node/internal/schema"
)

// TestContext holds the node and per-scenario scratch state a step
// definition needs, mirroring the shape of a test HTTP client's
// context but built around direct Go calls.
type TestContext struct {
	ctx       context.Context
	Node      *node.Node
	Keys      *pubkey.Store
	schemaDir string

	report     *schema.Report
	lastErr    error
	lastResult *node.OperationResult

	signers           map[string]*clientKey
	oldSignerPriv     ed25519.PrivateKey
	oldSignerClientID string

	lastRequest     *http.Request
	lastAuthClient  *auth.AuthenticatedClient
	lastAuthErr     *auth.AuthenticationError
	lastRotationRec *keyrotation.Record
	lastRotationErr error
}

type clientKey struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewTestContext wires a fresh Node over in-memory storage, the same
// collaborator graph cmd/datafold-node builds, minus networking.
func NewTestContext() *TestContext {
	ctx := context.Background()
	db := dbops.New(memory.New())
	atoms := atom.New(db)
	bus := eventbus.New(nil)
	eng := schema.New(db, atoms, bus, nil)
	keys := pubkey.New(db)
	verifier := auth.NewVerifier(auth.DefaultConfig(), keys, nil)
	rotation := keyrotation.New(keyrotation.Config{
		DB:          db,
		Keys:        keys,
		Lookup:      keys,
		Invalidator: verifier,
		Bus:         bus,
	})

	n, err := node.New(ctx, node.Config{
		DB:       db,
		Atoms:    atoms,
		Schema:   eng,
		Auth:     verifier,
		Keys:     keys,
		Rotation: rotation,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to build test node: %v", err))
	}

	dir, err := os.MkdirTemp("", "datafold-bdd-")
	if err != nil {
		panic(fmt.Sprintf("failed to create schema scratch dir: %v", err))
	}

	return &TestContext{
		ctx:       ctx,
		Node:      n,
		Keys:      keys,
		schemaDir: dir,
		signers:   make(map[string]*clientKey),
	}
}

// RegisterBackgroundSteps wires the scenario-setup step every feature
// file's Background relies on. The node is already built by
// NewTestContext; this step only exists so the Gherkin reads naturally.
func RegisterBackgroundSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Step(`^a fresh node backed by memory storage$`, func() error { return nil })
}

// signedRequest builds an RFC 9421-shaped signed request the same way
// internal/auth's own tests do, without importing that package's
// unexported test helper.
func (tc *TestContext) signedRequest(priv ed25519.PrivateKey, keyID, nonce string, created time.Time) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/execute", nil)
	input := &auth.ParsedSignatureInput{
		Components: []string{"@method", "@target-uri"},
		Created:    created.Unix(),
		KeyID:      keyID,
		Algorithm:  "ed25519",
		Nonce:      nonce,
	}
	message := auth.CanonicalMessage(r, input)
	sig := ed25519.Sign(priv, []byte(message))

	r.Header.Set("Signature-Input", fmt.Sprintf(
		`sig1=("@method" "@target-uri");created=%d;keyid="%s";alg="ed25519";nonce="%s"`,
		input.Created, keyID, nonce))
	r.Header.Set("Signature", fmt.Sprintf("sig1=:%x:", sig))
	return r
}
