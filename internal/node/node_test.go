package node

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold-node/internal/atom"
	"github.com/datafold/datafold-node/internal/dbops"
	"github.com/datafold/datafold-node/internal/dferr"
	"github.com/datafold/datafold-node/internal/eventbus"
	"github.com/datafold/datafold-node/internal/keyrotation"
	"github.com/datafold/datafold-node/internal/keystore"
	"github.com/datafold/datafold-node/internal/kvstore/memory"
	"github.com/datafold/datafold-node/internal/network"
	"github.com/datafold/datafold-node/internal/pubkey"
	"github.com/datafold/datafold-node/internal/schema"
)

type fakeInvalidator struct{ invalidated []string }

func (f *fakeInvalidator) InvalidateKey(keyID string) { f.invalidated = append(f.invalidated, keyID) }

func newTestNode(t *testing.T) *Node {
	t.Helper()
	ctx := context.Background()

	db := dbops.New(memory.New())
	atoms := atom.New(db)
	bus := eventbus.New(nil)
	eng := schema.New(db, atoms, bus, nil)
	keys := pubkey.New(db)
	rotation := keyrotation.New(keyrotation.Config{
		DB:          db,
		Keys:        keys,
		Lookup:      keys,
		Invalidator: &fakeInvalidator{},
		Bus:         bus,
	})

	n, err := New(ctx, Config{
		DB:       db,
		Atoms:    atoms,
		Schema:   eng,
		Keys:     keys,
		Rotation: rotation,
		Log:      nil,
	})
	require.NoError(t, err)
	return n
}

func loadApprovedSchema(t *testing.T, n *Node, name string, fields map[string]*schema.FieldDefinition) {
	t.Helper()
	ctx := context.Background()
	s := &schema.Schema{Name: name, SchemaType: "record", Fields: fields}
	s.Hash = s.ComputeHash()
	require.NoError(t, n.LoadSchema(ctx, s))
	require.NoError(t, n.ApproveSchema(ctx, name))
}

func TestNewPersistsNodeIDOnce(t *testing.T) {
	n := newTestNode(t)
	id1 := n.NodeID()
	require.NotEmpty(t, id1)

	n2, err := New(context.Background(), Config{DB: n.db, Atoms: n.atoms, Schema: n.schema, Keys: n.keys, Rotation: n.rotation})
	require.NoError(t, err)
	assert.Equal(t, id1, n2.NodeID())
}

func TestSchemaLifecycleSurface(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	loadApprovedSchema(t, n, "widgets", map[string]*schema.FieldDefinition{
		"name": {Kind: schema.FieldSingle},
	})

	state, err := n.GetSchemaState("widgets")
	require.NoError(t, err)
	assert.Equal(t, schema.StateApproved, state)

	assert.Len(t, n.ListSchemas(), 1)
	assert.Len(t, n.ListAvailableSchemas(), 1)
	assert.Len(t, n.ListSchemasByState(schema.StateApproved), 1)

	status := n.GetSchemaStatus()
	assert.Contains(t, status.Loaded, "widgets")

	require.NoError(t, n.BlockSchema(ctx, "widgets"))
	assert.False(t, n.schema.CheckSchemaPermission("widgets"))

	require.NoError(t, n.ApproveSchema(ctx, "widgets"))
	require.NoError(t, n.UnloadSchema(ctx, "widgets"))

	_, err = n.GetSchema("does-not-exist")
	require.Error(t, err)
	de, ok := dferr.As(err)
	require.True(t, ok)
	assert.Equal(t, dferr.KindNotFound, de.Kind)
}

func TestExecuteOperationQueryUnknownField(t *testing.T) {
	n := newTestNode(t)
	loadApprovedSchema(t, n, "orders", map[string]*schema.FieldDefinition{
		"total": {Kind: schema.FieldSingle},
	})

	result, err := n.ExecuteOperation(context.Background(), Operation{
		Kind:   OpQuery,
		Schema: "orders",
		Fields: []string{"total", "ghost"},
	})
	require.NoError(t, err)
	require.Len(t, result.Fields, 2)

	byField := map[string]FieldResult{}
	for _, f := range result.Fields {
		byField[f.Field] = f
	}
	assert.Nil(t, byField["total"].Err)
	require.Error(t, byField["ghost"].Err)
}

func TestExecuteOperationMutationRequiresApproval(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	s := &schema.Schema{Name: "accounts", SchemaType: "record", Fields: map[string]*schema.FieldDefinition{
		"balance": {Kind: schema.FieldSingle},
	}}
	s.Hash = s.ComputeHash()
	require.NoError(t, n.LoadSchema(ctx, s))
	// not approved yet

	_, err := n.ExecuteOperation(ctx, Operation{
		Kind:   OpMutation,
		Schema: "accounts",
		Data:   map[string]interface{}{"balance": 10},
	})
	require.Error(t, err)
	de, ok := dferr.As(err)
	require.True(t, ok)
	assert.Equal(t, dferr.KindPermissionDenied, de.Kind)
}

func TestExecuteOperationMutationWritesAndQueryReadsBack(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	loadApprovedSchema(t, n, "accounts", map[string]*schema.FieldDefinition{
		"balance": {Kind: schema.FieldSingle},
	})
	_, err := n.schema.MapFields(ctx, "accounts")
	require.NoError(t, err)

	mres, err := n.ExecuteOperation(ctx, Operation{
		Kind:   OpMutation,
		Schema: "accounts",
		Data:   map[string]interface{}{"balance": float64(42)},
	})
	require.NoError(t, err)
	require.Len(t, mres.Fields, 1)
	assert.Nil(t, mres.Fields[0].Err)

	qres, err := n.ExecuteOperation(ctx, Operation{
		Kind:   OpQuery,
		Schema: "accounts",
		Fields: []string{"balance"},
	})
	require.NoError(t, err)
	require.Len(t, qres.Fields, 1)
	assert.Equal(t, float64(42), qres.Fields[0].Value)
}

func TestRegisterAndRotateKey(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	oldPub, oldPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = n.RegisterPublicKey(ctx, "client-1", oldPub)
	require.NoError(t, err)

	newPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	req := &keyrotation.Request{
		ClientID:     "client-1",
		OldPublicKey: oldPub,
		NewPublicKey: newPub,
		Reason:       keyrotation.ReasonManual,
		Force:        true,
	}
	req.Signature = ed25519.Sign(oldPriv, req.CanonicalPayload())

	record, err := n.RotateKey(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, keyrotation.StatusCompleted, record.Status)

	got, err := n.GetRotationStatus(ctx, record.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, record.CorrelationID, got.CorrelationID)

	history, err := n.GetRotationHistory(ctx, record.NewPublicKey, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRotateKeyInvalidRequestMapsToKeyRotationError(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	oldPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	newPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	req := &keyrotation.Request{
		ClientID:     "no-such-client",
		OldPublicKey: oldPub,
		NewPublicKey: newPub,
		Reason:       keyrotation.ReasonManual,
		Force:        true,
		Signature:    []byte("not-a-real-signature"),
	}

	_, err = n.RotateKey(ctx, req)
	require.Error(t, err)
	de, ok := dferr.As(err)
	require.True(t, ok)
	assert.Equal(t, dferr.KindKeyRotationError, de.Kind)
}

func TestNetworkSurfaceRequiresInit(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	_, err := n.GetNetworkStatus()
	require.Error(t, err)

	n.InitNetwork(network.Config{NodeID: n.NodeID()})
	require.NoError(t, n.StartNetwork(ctx))

	status, err := n.GetNetworkStatus()
	require.NoError(t, err)
	assert.True(t, status.Running)

	require.NoError(t, n.AddTrustedNode(network.Peer{ID: "peer-1"}))
	peers, err := n.GetTrustedNodes()
	require.NoError(t, err)
	assert.Len(t, peers, 1)

	require.NoError(t, n.RemoveTrustedNode("peer-1"))
	peers, err = n.GetTrustedNodes()
	require.NoError(t, err)
	assert.Empty(t, peers)

	require.NoError(t, n.StopNetwork(ctx))
}

func TestSchemaPermissionGrantAndRevoke(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	require.NoError(t, n.GrantSchemaPermission(ctx, "widgets"))
	granted, err := n.loadGrantedSchemas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"widgets"}, granted)

	// granting twice is idempotent
	require.NoError(t, n.GrantSchemaPermission(ctx, "widgets"))
	granted, err = n.loadGrantedSchemas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"widgets"}, granted)

	require.NoError(t, n.RevokeSchemaPermission(ctx, "widgets"))
	granted, err = n.loadGrantedSchemas(ctx)
	require.NoError(t, err)
	assert.Empty(t, granted)
}

type fakeRestarter struct {
	called bool
	soft   bool
}

func (f *fakeRestarter) Restart(ctx context.Context, soft bool) error {
	f.called = true
	f.soft = soft
	return nil
}

func TestLifecycleRequiresPassphrase(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	hash, err := keystore.HashOperatorPassphrase("operator-secret")
	require.NoError(t, err)

	restarter := &fakeRestarter{}
	err = n.Restart(ctx, hash, "wrong-passphrase", restarter)
	require.Error(t, err)
	assert.False(t, restarter.called)

	err = n.SoftRestart(ctx, hash, "operator-secret", restarter)
	require.NoError(t, err)
	assert.True(t, restarter.called)
	assert.True(t, restarter.soft)
}
