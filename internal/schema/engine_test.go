package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold-node/internal/atom"
	"github.com/datafold/datafold-node/internal/dbops"
	"github.com/datafold/datafold-node/internal/eventbus"
	"github.com/datafold/datafold-node/internal/kvstore/memory"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	backend := memory.New()
	db := dbops.New(backend)
	atoms := atom.New(db)
	bus := eventbus.New(nil)
	return New(db, atoms, bus, nil)
}

func simpleSchema(name string) *Schema {
	s := &Schema{
		Name:       name,
		SchemaType: "object",
		Fields: map[string]*FieldDefinition{
			"id": {Kind: FieldSingle},
		},
	}
	s.Hash = s.ComputeHash()
	return s
}

func TestLoadSchemaInternalInsertsAvailable(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.LoadSchemaInternal(ctx, simpleSchema("users")))

	s, err := e.GetSchema("users")
	require.NoError(t, err)
	assert.Equal(t, "users", s.Name)
	assert.False(t, e.CheckSchemaPermission("users"))
}

func TestApproveRunsMapFieldsAndBindsRefs(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.LoadSchemaInternal(ctx, simpleSchema("users")))
	require.NoError(t, e.Approve(ctx, "users"))

	assert.True(t, e.CheckSchemaPermission("users"))
	s, err := e.GetSchema("users")
	require.NoError(t, err)
	assert.NotEmpty(t, s.Fields["id"].RefAtomUUID)

	ref, err := e.atoms.GetSingleRef(ctx, s.Fields["id"].RefAtomUUID)
	require.NoError(t, err)
	assert.Equal(t, atom.RefSingle, ref.Kind)
}

func TestBlockRequiresApprovedFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.LoadSchemaInternal(ctx, simpleSchema("users")))

	err := e.Block(ctx, "users")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBlockThenReapprove(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.LoadSchemaInternal(ctx, simpleSchema("users")))
	require.NoError(t, e.Approve(ctx, "users"))
	require.NoError(t, e.Block(ctx, "users"))

	assert.False(t, e.CheckSchemaPermission("users"))
	assert.Len(t, e.ListLoaded(), 0)

	require.NoError(t, e.Approve(ctx, "users"))
	assert.True(t, e.CheckSchemaPermission("users"))
}

func TestUnloadReturnsToAvailable(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.LoadSchemaInternal(ctx, simpleSchema("users")))
	require.NoError(t, e.Approve(ctx, "users"))
	require.NoError(t, e.Unload(ctx, "users"))

	assert.False(t, e.CheckSchemaPermission("users"))
	states := e.ListByState(StateAvailable)
	require.Len(t, states, 1)
	assert.Equal(t, "users", states[0].Name)
}

func TestMapFieldsInheritsFromFieldMapper(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	source := simpleSchema("accounts")
	require.NoError(t, e.LoadSchemaInternal(ctx, source))
	require.NoError(t, e.Approve(ctx, "accounts"))

	derived := &Schema{
		Name:       "profiles",
		SchemaType: "object",
		Fields: map[string]*FieldDefinition{
			"id": {
				Kind:         FieldSingle,
				FieldMappers: []FieldMapper{{SourceSchema: "accounts", SourceField: "id"}},
			},
		},
	}
	derived.Hash = derived.ComputeHash()
	require.NoError(t, e.LoadSchemaInternal(ctx, derived))
	require.NoError(t, e.Approve(ctx, "profiles"))

	accounts, err := e.GetSchema("accounts")
	require.NoError(t, err)
	profiles, err := e.GetSchema("profiles")
	require.NoError(t, err)
	assert.Equal(t, accounts.Fields["id"].RefAtomUUID, profiles.Fields["id"].RefAtomUUID)
}

func TestTransformRegistrationIndexesInputs(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	s := &Schema{
		Name:       "orders",
		SchemaType: "object",
		Fields: map[string]*FieldDefinition{
			"total": {
				Kind: FieldSingle,
				Transform: &Transform{
					Inputs: []string{"orders.quantity", "orders.price"},
					Logic:  "quantity * price",
					Output: "test.total",
				},
			},
		},
	}
	s.Hash = s.ComputeHash()
	require.NoError(t, e.LoadSchemaInternal(ctx, s))

	loaded, err := e.GetSchema("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders.total", loaded.Fields["total"].Transform.Output)

	ids, err := e.db.TransformsForField(ctx, "orders.quantity")
	require.NoError(t, err)
	assert.Contains(t, ids, "orders.total")
}

func TestUpdateFieldRefAtomUUIDUnknownField(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.LoadSchemaInternal(ctx, simpleSchema("users")))

	err := e.UpdateFieldRefAtomUUID(ctx, "users", "nope", "some-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiscoveredStateNeverOverridesPersisted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.LoadSchemaInternal(ctx, simpleSchema("users")))
	require.NoError(t, e.Approve(ctx, "users"))

	// Re-loading the same name through LoadSchemaInternal directly
	// (simulating a rediscovery pass) must not demote the state back
	// to Available: the persisted Approved state wins, and discovery
	// itself skips names already known.
	require.NoError(t, e.LoadSchemaInternal(ctx, simpleSchema("users")))
	e.mu.RLock()
	_, known := e.available["users"]
	e.mu.RUnlock()
	require.True(t, known)
	assert.True(t, e.CheckSchemaPermission("users"))
}
