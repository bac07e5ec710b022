package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold-node/internal/dbops"
	"github.com/datafold/datafold-node/internal/eventbus"
	"github.com/datafold/datafold-node/internal/kvstore/memory"
	"github.com/datafold/datafold-node/internal/schema"
)

type fakeExecutor struct {
	calls int
}

func (f *fakeExecutor) Execute(_ context.Context, def Definition, inputs map[string]interface{}) (interface{}, error) {
	f.calls++
	return inputs[def.Inputs[0]], nil
}

func newTestRegistry(t *testing.T, exec Executor) (*Registry, *dbops.DB) {
	t.Helper()
	db := dbops.New(memory.New())
	bus := eventbus.New(nil)
	return New(db, bus, exec, nil), db
}

func TestTransformsForInputResolvesRegisteredTransforms(t *testing.T) {
	ctx := context.Background()
	r, db := newTestRegistry(t, nil)

	require.NoError(t, db.PutJSON(ctx, dbops.TransformKey("orders.total"), &schema.Transform{
		Inputs: []string{"orders.quantity"}, Logic: "x", Output: "orders.total",
	}))
	require.NoError(t, db.AddFieldTransform(ctx, "orders.quantity", "orders.total"))

	defs, err := r.TransformsForInput(ctx, "orders.quantity")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "orders.total", defs[0].ID)
}

func TestOnFieldChangedDispatchesToExecutor(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	r, db := newTestRegistry(t, exec)

	require.NoError(t, db.PutJSON(ctx, dbops.TransformKey("orders.total"), &schema.Transform{
		Inputs: []string{"orders.quantity"}, Logic: "x", Output: "orders.total",
	}))
	require.NoError(t, db.AddFieldTransform(ctx, "orders.quantity", "orders.total"))

	results, err := r.OnFieldChanged(ctx, "orders.quantity", func(field string) (interface{}, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, results["orders.total"])
	assert.Equal(t, 1, exec.calls)
}

func TestOnFieldChangedNoExecutorReturnsNil(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, nil)

	results, err := r.OnFieldChanged(ctx, "orders.quantity", func(string) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, results)
}
