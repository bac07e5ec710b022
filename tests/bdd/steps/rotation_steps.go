//go:build bdd

package steps

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/cucumber/godog"

	"github.com/datafold/datafold-node/internal/keyrotation"
)

func (tc *TestContext) clientRotatesToANewKey(clientID string) error {
	signer, ok := tc.signers[clientID]
	if !ok {
		return fmt.Errorf("no signing key registered for %q", clientID)
	}

	newPub, newPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}

	req := &keyrotation.Request{
		ClientID:     clientID,
		OldPublicKey: signer.pub,
		NewPublicKey: newPub,
		Reason:       keyrotation.ReasonManual,
	}
	req.Signature = ed25519.Sign(signer.priv, req.CanonicalPayload())

	record, err := tc.Node.RotateKey(context.Background(), req)
	tc.lastRotationRec, tc.lastRotationErr = record, err

	if err == nil {
		tc.signers[clientID] = &clientKey{pub: newPub, priv: newPriv}
	}
	return nil
}

func (tc *TestContext) theRotationRecordStatusIs(want string) error {
	if tc.lastRotationErr != nil {
		return tc.lastRotationErr
	}
	if string(tc.lastRotationRec.Status) != want {
		return fmt.Errorf("expected rotation status %q, got %q", want, tc.lastRotationRec.Status)
	}
	return nil
}

// requestsSignedByTheOldKeyAreRejectedWithErrorCode re-signs a fresh
// request with the key that was active before rotation and asserts
// verification now fails with the given error code.
func (tc *TestContext) requestsSignedByTheOldKeyAreRejectedWithErrorCode(code string) error {
	oldPriv := tc.oldSignerPriv
	if oldPriv == nil {
		return fmt.Errorf("no prior signing key recorded for this scenario")
	}

	r := tc.signedRequest(oldPriv, tc.oldSignerClientID, "nonce-post-rotation", time.Now())
	_, authErr := tc.Node.Auth().Verify(context.Background(), r)
	if authErr == nil {
		return fmt.Errorf("expected rejection with code %q, request succeeded", code)
	}
	if string(authErr.Code) != code {
		return fmt.Errorf("expected error code %q, got %q", code, authErr.Code)
	}
	return nil
}

// RegisterRotationSteps wires key-rotation steps into ctx.
func RegisterRotationSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Step(`^"([^"]*)" rotates to a new key$`, tc.clientRotatesToANewKeyTracked)
	ctx.Step(`^the rotation record status is "([^"]*)"$`, tc.theRotationRecordStatusIs)
	ctx.Step(`^requests signed by the old key are rejected with error code "([^"]*)"$`, tc.requestsSignedByTheOldKeyAreRejectedWithErrorCode)
}

// clientRotatesToANewKeyTracked remembers the pre-rotation key so a
// later step can assert it no longer authenticates.
func (tc *TestContext) clientRotatesToANewKeyTracked(clientID string) error {
	signer, ok := tc.signers[clientID]
	if !ok {
		return fmt.Errorf("no signing key registered for %q", clientID)
	}
	tc.oldSignerPriv = signer.priv
	tc.oldSignerClientID = clientID
	return tc.clientRotatesToANewKey(clientID)
}
