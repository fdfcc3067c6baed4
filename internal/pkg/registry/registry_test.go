package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/entity/transform"
	"github.com/zpiroux/fnchain/internal/pkg/admin"
)

func newTestRegistry(t *testing.T) (*Registry, *[]admin.Event) {
	t.Helper()
	r := New(transform.NewRegistry(), make(entity.NotifyChan, 64), false)
	var events []admin.Event
	r.Subscribe(func(ctx context.Context, event admin.Event) {
		events = append(events, event)
	})
	return r, &events
}

func TestPutDestination(t *testing.T) {

	ctx := context.Background()
	r, events := newTestRegistry(t)

	spec, err := r.PutDestination(ctx, destinationSpec(1, "setTable"))
	require.NoError(t, err)
	assert.Equal(t, "orders", spec.Id)
	require.Len(t, *events, 1)
	assert.Equal(t, admin.OperationDestinationRegistration, (*events)[0].Data[0].Operation)

	_, err = r.PutDestination(ctx, destinationSpec(1, "setTable"))
	assert.True(t, errors.Is(err, ErrVersionExists))

	_, err = r.PutDestination(ctx, destinationSpec(2, "noSuchBuiltin"))
	assert.True(t, errors.Is(err, transform.ErrUnknownBuiltin))

	_, err = r.PutDestination(ctx, destinationSpec(2, "setTable"))
	require.NoError(t, err)
	got, err := r.Destination("orders")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Len(t, r.Destinations(), 1)

	_, err = r.PutDestination(ctx, []byte(`{"id": "x"}`))
	assert.Error(t, err)

	require.NoError(t, r.DeleteDestination(ctx, "orders"))
	_, err = r.Destination("orders")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(r.DeleteDestination(ctx, "orders"), ErrNotFound))
	assert.Equal(t, admin.OperationDestinationDeletion, (*events)[len(*events)-1].Data[0].Operation)
}

func TestFunctionAssembly(t *testing.T) {

	ctx := context.Background()
	r, events := newTestRegistry(t)

	_, err := r.PutFunction(ctx, []byte(`{"id":"lib","version":1,"kind":"library","code":"function twice(x) { return 2 * x; }"}`))
	require.NoError(t, err)
	_, err = r.PutFunction(ctx, []byte(`{
		"id": "enrich",
		"version": 1,
		"handler": "run",
		"code": "export function run(p) { return [table, { n: twice(p.n) }]; }",
		"variables": { "table": "enriched" },
		"includes": ["lib"]
	}`))
	require.NoError(t, err)

	f, err := r.Function("enrich")
	require.NoError(t, err)
	assert.Equal(t, "run", f.Spec.Handler)
	assert.True(t, strings.HasPrefix(string(f.Code), "function twice(x)"))
	assert.Contains(t, string(f.Code), `const table = "enriched";`)
	assert.Len(t, f.Hash, 64)

	same, err := r.Function("enrich")
	require.NoError(t, err)
	assert.Same(t, f, same, "assembled once")

	_, err = r.Function("lib")
	assert.True(t, errors.Is(err, ErrNotRunnable))
	_, err = r.Function("nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	// A new library version invalidates the function including it
	*events = nil
	_, err = r.PutFunction(ctx, []byte(`{"id":"lib","version":2,"kind":"library","code":"function twice(x) { return x + x; }"}`))
	require.NoError(t, err)
	require.Len(t, *events, 1)
	data := (*events)[0].Data
	require.Len(t, data, 2)
	assert.Equal(t, "lib", data[0].Id)
	assert.Equal(t, "enrich", data[1].Id)
	assert.Equal(t, f.Hash, data[1].PreviousHash)

	updated, err := r.Function("enrich")
	require.NoError(t, err)
	assert.NotEqual(t, f.Hash, updated.Hash)

	// Replacing the function itself reports the hash to evict
	*events = nil
	_, err = r.PutFunction(ctx, []byte(`{"id":"enrich","version":1,"code":"export default () => null"}`))
	assert.True(t, errors.Is(err, ErrVersionExists))
	_, err = r.PutFunction(ctx, []byte(`{"id":"enrich","version":2,"code":"export default () => null"}`))
	require.NoError(t, err)
	require.Len(t, *events, 1)
	assert.Equal(t, updated.Hash, (*events)[0].Data[0].PreviousHash)
	assert.Equal(t, 2, (*events)[0].Data[0].Version)

	require.NoError(t, r.DeleteFunction(ctx, "lib"))
	assert.True(t, errors.Is(r.DeleteFunction(ctx, "lib"), ErrNotFound))
}

func TestMissingLibrary(t *testing.T) {

	r, _ := newTestRegistry(t)
	_, err := r.PutFunction(context.Background(), []byte(`{"id":"f","version":1,"code":"export default () => null","includes":["nolib"]}`))
	require.NoError(t, err)

	_, err = r.Function("f")
	assert.True(t, errors.Is(err, ErrNotFound))

	spec, err := r.FunctionSpec("f")
	require.NoError(t, err)
	assert.Equal(t, entity.FunctionKindFunction, spec.Kind)
}

func destinationSpec(version int, builtin string) []byte {
	return []byte(`{
		"id": "orders",
		"description": "order events to void",
		"version": ` + string(rune('0'+version)) + `,
		"chain": [
			{ "kind": "builtin", "ref": "` + builtin + `", "config": { "table": "orders" } },
			{ "kind": "udf", "ref": "enrich" }
		],
		"sink": { "type": "void" }
	}`)
}
