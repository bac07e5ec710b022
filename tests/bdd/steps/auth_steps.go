//go:build bdd

package steps

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/cucumber/godog"
)

func (tc *TestContext) aRegisteredClientWithAFreshSigningKey(clientID string) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	if _, err := tc.Node.RegisterPublicKey(context.Background(), clientID, pub); err != nil {
		return err
	}
	tc.signers[clientID] = &clientKey{pub: pub, priv: priv}
	return nil
}

func (tc *TestContext) clientSignsAndSendsARequestWithNonce(clientID, nonce string) error {
	signer, ok := tc.signers[clientID]
	if !ok {
		return fmt.Errorf("no signing key registered for %q", clientID)
	}
	r := tc.signedRequest(signer.priv, clientID, nonce, time.Now())
	tc.lastRequest = r
	client, authErr := tc.Node.Auth().Verify(context.Background(), r)
	tc.lastAuthClient, tc.lastAuthErr = client, authErr
	return nil
}

func (tc *TestContext) clientReplaysTheRequestWithNonce(clientID, nonce string) error {
	return tc.clientSignsAndSendsARequestWithNonce(clientID, nonce)
}

func (tc *TestContext) theRequestIsAuthenticatedAs(clientID string) error {
	if tc.lastAuthErr != nil {
		return fmt.Errorf("expected success, got error %q", tc.lastAuthErr.Code)
	}
	if tc.lastAuthClient.ClientID != clientID {
		return fmt.Errorf("expected client %q, got %q", clientID, tc.lastAuthClient.ClientID)
	}
	return nil
}

func (tc *TestContext) theRequestIsRejectedWithErrorCode(code string) error {
	if tc.lastAuthErr == nil {
		return fmt.Errorf("expected rejection with code %q, request succeeded", code)
	}
	if string(tc.lastAuthErr.Code) != code {
		return fmt.Errorf("expected error code %q, got %q", code, tc.lastAuthErr.Code)
	}
	return nil
}

// RegisterAuthSteps wires signed-request authentication steps into ctx.
func RegisterAuthSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Step(`^a registered client "([^"]*)" with a fresh signing key$`, tc.aRegisteredClientWithAFreshSigningKey)
	ctx.Step(`^"([^"]*)" signs and sends a request with nonce "([^"]*)"$`, tc.clientSignsAndSendsARequestWithNonce)
	ctx.Step(`^"([^"]*)" replays the request with nonce "([^"]*)"$`, tc.clientReplaysTheRequestWithNonce)
	ctx.Step(`^the request is authenticated as "([^"]*)"$`, tc.theRequestIsAuthenticatedAs)
	ctx.Step(`^the request is rejected with error code "([^"]*)"$`, tc.theRequestIsRejectedWithErrorCode)
}
