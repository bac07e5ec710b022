package keyrotation

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold-node/internal/dbops"
	"github.com/datafold/datafold-node/internal/eventbus"
	"github.com/datafold/datafold-node/internal/kvstore/memory"
	"github.com/datafold/datafold-node/internal/pubkey"
)

type fakeInvalidator struct {
	invalidated []string
}

func (f *fakeInvalidator) InvalidateKey(keyID string) { f.invalidated = append(f.invalidated, keyID) }

type failingPropagator struct{}

func (failingPropagator) PropagateKeyRotation(ctx context.Context, event eventbus.KeyRotation) (int, int, error) {
	return 0, 1, errors.New("peer unreachable")
}

func newTestCore(t *testing.T, invalidator KeyInvalidator, propagator PeerPropagator) (*Core, *dbops.DB, *pubkey.Store) {
	t.Helper()
	db := dbops.New(memory.New())
	keys := pubkey.New(db)
	bus := eventbus.New(nil)
	core := New(Config{
		DB:          db,
		Keys:        keys,
		Lookup:      keys,
		Invalidator: invalidator,
		Bus:         bus,
		Propagator:  propagator,
	})
	return core, db, keys
}

func registerClient(t *testing.T, ctx context.Context, keys *pubkey.Store, clientID string, pub ed25519.PublicKey) {
	t.Helper()
	_, err := keys.Register(ctx, clientID, clientID+"-reg-1", pub)
	require.NoError(t, err)
}

func signedRequest(t *testing.T, clientID string, oldPub ed25519.PublicKey, oldPriv ed25519.PrivateKey, newPub ed25519.PublicKey, reason Reason) *Request {
	t.Helper()
	req := &Request{
		ClientID:     clientID,
		OldPublicKey: oldPub,
		NewPublicKey: newPub,
		Reason:       reason,
		Force:        true,
	}
	req.Signature = ed25519.Sign(oldPriv, req.CanonicalPayload())
	return req
}

func TestValidateRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	core, _, keys := newTestCore(t, nil, nil)

	oldPub, oldPriv, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	registerClient(t, ctx, keys, "client-1", oldPub)

	req := signedRequest(t, "client-1", oldPub, oldPriv, newPub, ReasonManual)
	req.Signature = []byte("garbage")

	res := core.Validate(ctx, req)
	assert.False(t, res.ok())
	assert.Contains(t, res.Errors[len(res.Errors)-1], "signature")
}

func TestValidateRejectsUnknownReason(t *testing.T) {
	ctx := context.Background()
	core, _, keys := newTestCore(t, nil, nil)

	oldPub, oldPriv, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	registerClient(t, ctx, keys, "client-1", oldPub)

	req := signedRequest(t, "client-1", oldPub, oldPriv, newPub, Reason("bogus"))

	res := core.Validate(ctx, req)
	assert.False(t, res.ok())
}

func TestValidateRejectsMismatchedOldKey(t *testing.T) {
	ctx := context.Background()
	core, _, keys := newTestCore(t, nil, nil)

	oldPub, oldPriv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	registerClient(t, ctx, keys, "client-1", otherPub)

	req := signedRequest(t, "client-1", oldPub, oldPriv, newPub, ReasonManual)

	res := core.Validate(ctx, req)
	assert.False(t, res.ok())
}

func TestRotateSuccessUpdatesIndexAndInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	invalidator := &fakeInvalidator{}
	core, db, keys := newTestCore(t, invalidator, nil)

	oldPub, oldPriv, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	registerClient(t, ctx, keys, "client-1", oldPub)

	req := signedRequest(t, "client-1", oldPub, oldPriv, newPub, ReasonScheduled)

	record, err := core.Rotate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.NotEmpty(t, record.CorrelationID)

	active, err := keys.ActiveForClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(newPub), []byte(active.PublicKeyBytes))

	idx, err := db.GetString(ctx, dbops.PKIdxKey("client-1"))
	require.NoError(t, err)
	assert.Equal(t, active.RegistrationID, idx)

	require.Len(t, invalidator.invalidated, 1)
	assert.Equal(t, "client-1", invalidator.invalidated[0])
}

func TestRotateMovesAssociationEntries(t *testing.T) {
	ctx := context.Background()
	core, db, keys := newTestCore(t, nil, nil)

	oldPub, oldPriv, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	registerClient(t, ctx, keys, "client-1", oldPub)

	oldHex := hex.EncodeToString(oldPub)
	require.NoError(t, db.PutJSON(ctx, dbops.AssocKey(oldHex), []string{"resource-a", "resource-b"}))

	req := signedRequest(t, "client-1", oldPub, oldPriv, newPub, ReasonManual)
	record, err := core.Rotate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, record.AssociationsUpdated)

	var moved []string
	require.NoError(t, db.GetJSON(ctx, dbops.AssocKey(hex.EncodeToString(newPub)), &moved))
	assert.ElementsMatch(t, []string{"resource-a", "resource-b"}, moved)

	_, err = db.GetJSON(ctx, dbops.AssocKey(oldHex), &moved)
	assert.True(t, dbops.IsNotFound(err))
}

func TestRotatePropagationFailureKeepsRotationCompleted(t *testing.T) {
	ctx := context.Background()
	core, _, keys := newTestCore(t, nil, failingPropagator{})

	oldPub, oldPriv, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	registerClient(t, ctx, keys, "client-1", oldPub)

	req := signedRequest(t, "client-1", oldPub, oldPriv, newPub, ReasonManual)
	record, err := core.Rotate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Contains(t, record.PropagationStatus, "peer unreachable")
}

func TestRotateInvalidRequestNeverCommits(t *testing.T) {
	ctx := context.Background()
	core, _, keys := newTestCore(t, nil, nil)

	oldPub, oldPriv, _ := ed25519.GenerateKey(nil)
	registerClient(t, ctx, keys, "client-1", oldPub)

	req := signedRequest(t, "client-1", oldPub, oldPriv, oldPub, ReasonManual) // new == old

	_, err := core.Rotate(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRotationRequest)

	active, err := keys.ActiveForClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(oldPub), []byte(active.PublicKeyBytes))
}

func TestStatusOfAndHistory(t *testing.T) {
	ctx := context.Background()
	core, _, keys := newTestCore(t, nil, nil)

	oldPub, oldPriv, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	registerClient(t, ctx, keys, "client-1", oldPub)

	req := signedRequest(t, "client-1", oldPub, oldPriv, newPub, ReasonManual)
	record, err := core.Rotate(ctx, req)
	require.NoError(t, err)

	got, err := core.StatusOf(ctx, record.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, record.CorrelationID, got.CorrelationID)

	_, err = core.StatusOf(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := core.History(ctx, hex.EncodeToString(newPub), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, record.CorrelationID, history[0].CorrelationID)

	stats, err := core.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)
}

func TestValidateWarnsOnRecentRotationUnlessForced(t *testing.T) {
	ctx := context.Background()
	core, _, keys := newTestCore(t, nil, nil)

	oldPub, oldPriv, _ := ed25519.GenerateKey(nil)
	midPub, midPriv, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	registerClient(t, ctx, keys, "client-1", oldPub)

	first := signedRequest(t, "client-1", oldPub, oldPriv, midPub, ReasonManual)
	_, err := core.Rotate(ctx, first)
	require.NoError(t, err)

	second := signedRequest(t, "client-1", midPub, midPriv, newPub, ReasonManual)
	second.Force = false

	res := core.Validate(ctx, second)
	assert.True(t, res.ok())
	assert.NotEmpty(t, res.Warnings)
}

