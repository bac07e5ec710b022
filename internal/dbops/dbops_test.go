package dbops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold-node/internal/kvstore/memory"
)

type sampleSchema struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func TestGetPutJSON(t *testing.T) {
	ctx := context.Background()
	db := New(memory.New())

	in := sampleSchema{Name: "BlogPost", State: "available"}
	require.NoError(t, db.PutJSON(ctx, SchemaKey("BlogPost"), in))

	var out sampleSchema
	require.NoError(t, db.GetJSON(ctx, SchemaKey("BlogPost"), &out))
	assert.Equal(t, in, out)
}

func TestGetJSONNotFound(t *testing.T) {
	ctx := context.Background()
	db := New(memory.New())

	var out sampleSchema
	err := db.GetJSON(ctx, SchemaKey("missing"), &out)
	assert.True(t, IsNotFound(err))
}

func TestAtomicJSONWriteStoresStringsRaw(t *testing.T) {
	ctx := context.Background()
	db := New(memory.New())

	writes := []JSONWrite{
		{Key: SchemaKey("BlogPost"), Value: sampleSchema{Name: "BlogPost", State: "approved"}},
		{Key: SchemaStateKey("BlogPost"), Value: "approved"},
	}
	require.NoError(t, AtomicJSONWrite(ctx, db, writes))

	state, err := db.GetString(ctx, SchemaStateKey("BlogPost"))
	require.NoError(t, err)
	assert.Equal(t, "approved", state)
}

func TestSnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	db := New(memory.New())
	require.NoError(t, db.PutString(ctx, PKIdxKey("alice"), "reg-1"))

	before, err := db.Snapshot(ctx, []string{PKIdxKey("alice"), PKIdxKey("bob")})
	require.NoError(t, err)
	assert.Equal(t, []byte("reg-1"), before[PKIdxKey("alice")])
	assert.Nil(t, before[PKIdxKey("bob")])

	require.NoError(t, db.PutString(ctx, PKIdxKey("alice"), "reg-2"))
	require.NoError(t, db.RestoreSnapshot(ctx, before))

	restored, err := db.GetString(ctx, PKIdxKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, "reg-1", restored)

	_, err = db.GetString(ctx, PKIdxKey("bob"))
	assert.True(t, IsNotFound(err))
}

func TestAddFieldTransformIdempotent(t *testing.T) {
	ctx := context.Background()
	db := New(memory.New())

	require.NoError(t, db.AddFieldTransform(ctx, "Order.total", "Invoice.grand_total"))
	require.NoError(t, db.AddFieldTransform(ctx, "Order.total", "Invoice.grand_total"))
	require.NoError(t, db.AddFieldTransform(ctx, "Order.total", "Ledger.sum"))

	ids, err := db.TransformsForField(ctx, "Order.total")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Invoice.grand_total", "Ledger.sum"}, ids)
}

func TestScanPrefix(t *testing.T) {
	ctx := context.Background()
	db := New(memory.New())
	require.NoError(t, db.PutString(ctx, SchemaStateKey("BlogPost"), "available"))
	require.NoError(t, db.PutString(ctx, SchemaStateKey("Comment"), "blocked"))
	require.NoError(t, db.PutString(ctx, PKIdxKey("alice"), "reg-1"))

	kvs, err := db.ScanPrefix(ctx, PrefixSchemaState)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, SchemaStateKey("BlogPost"), string(kvs[0].Key))
	assert.Equal(t, SchemaStateKey("Comment"), string(kvs[1].Key))
}
