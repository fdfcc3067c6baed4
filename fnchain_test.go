package fnchain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/pkg/fault"
)

var (
	normalizeSpec = []byte(`{
		"id": "normalize",
		"version": 1,
		"handler": "normalize",
		"code": "export function normalize(p, c) { console.log('normalizing', p.id); return [c.table, { id: String(p.id), amount: p.amount * rate }]; }",
		"variables": { "rate": 100 }
	}`)

	paymentsSpec = []byte(`{
		"id": "payments",
		"description": "payments in cents",
		"version": 1,
		"synchronous": true,
		"chain": [
			{ "kind": "builtin", "ref": "excludeEventsWith", "config": { "filters": [ { "key": "test", "values": ["true"] } ] } },
			{ "kind": "udf", "ref": "normalize", "config": { "table": "payments_v1" } }
		],
		"sink": { "type": "memory" }
	}`)

	archiveSpec = []byte(`{
		"id": "archive",
		"description": "everything as is",
		"version": 1,
		"defaultTable": "raw",
		"chain": [ { "kind": "builtin", "ref": "setField", "config": { "path": "archived", "value": true } } ],
		"ops": { "batchTimeoutMs": 10 },
		"sink": { "type": "memory" }
	}`)
)

type testInstance struct {
	*Fnchain
	sinks *memorySinkFactory
	done  chan error
}

func newTestInstance(t *testing.T, hooks HookConfig) *testInstance {
	t.Helper()

	ctx := context.Background()
	c := NewConfig()
	c.Hooks = hooks
	c.Sandbox.CallTimeout = 5 * time.Second
	c.Sandbox.ExecTimeout = 5 * time.Second
	c.Ops.NotifyChanSize = 1000

	ti := &testInstance{sinks: &memorySinkFactory{sinkId: "memory"}, done: make(chan error, 1)}
	require.NoError(t, c.RegisterSinkType(ti.sinks))

	var err error
	ti.Fnchain, err = New(ctx, c)
	require.NoError(t, err)

	go func() { ti.done <- ti.Run(ctx) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ti.Shutdown(ctx)
	})
	return ti
}

func TestFnchainEndToEnd(t *testing.T) {

	ctx := context.Background()
	f := newTestInstance(t, HookConfig{})

	id, err := f.RegisterFunction(ctx, normalizeSpec)
	require.NoError(t, err)
	assert.Equal(t, "normalize", id)
	id, err = f.RegisterDestination(ctx, paymentsSpec)
	require.NoError(t, err)
	assert.Equal(t, "payments", id)
	_, err = f.RegisterDestination(ctx, archiveSpec)
	require.NoError(t, err)

	result, err := f.Publish(ctx, entity.Event{Data: []byte(`{"id": 7, "amount": 1.5}`), Key: []byte("7")})
	require.NoError(t, err)
	require.NoError(t, result.Error)
	assert.Equal(t, entity.ExecutorStatusSuccessful, result.Status)

	payments := requireLoaded(t, f.sinks.sink("payments"), 1)
	assert.Equal(t, "payments_v1", payments[0].Table)
	assert.Equal(t, []byte("7"), payments[0].Key)
	assert.JSONEq(t, `{"id": "7", "amount": 150}`, string(payments[0].Payload))
	assert.Equal(t, "payments_v1", result.Destinations["payments"].ResourceId)

	assert.True(t, result.Destinations["archive"].Queued)
	assert.Eventually(t, func() bool { return len(f.sinks.sink("archive").loaded()) == 1 }, 2*time.Second, 5*time.Millisecond)
	archived := f.sinks.sink("archive").loaded()[0]
	assert.Equal(t, "raw", archived.Table)
	assert.True(t, gjson.GetBytes(archived.Payload, "archived").Bool())

	// Test events are filtered out for payments only
	result, err = f.Publish(ctx, entity.Event{Data: []byte(`{"id": 8, "amount": 1, "test": "true"}`)})
	require.NoError(t, err)
	assert.Equal(t, entity.ChainDropped, result.Destinations["payments"].State)
	assert.Equal(t, entity.DropFiltered, result.Destinations["payments"].Drop)
	assert.Equal(t, entity.ChainDone, result.Destinations["archive"].State)
	requireLoaded(t, f.sinks.sink("payments"), 1)

	// Function logs end up on the notify channel
	assert.Eventually(t, func() bool {
		for {
			select {
			case event := <-f.NotifyChannel():
				if event.Sender == "udf" && event.Message == "normalizing 7" {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)

	metrics := f.Metrics()
	assert.Equal(t, int64(2), metrics["payments"].EventsProcessed)
	assert.Equal(t, int64(1), metrics["payments"].ChainsDropped)
}

func TestFnchainRegistration(t *testing.T) {

	ctx := context.Background()
	f := newTestInstance(t, HookConfig{})

	_, err := f.RegisterFunction(ctx, normalizeSpec)
	require.NoError(t, err)
	_, err = f.RegisterFunction(ctx, normalizeSpec)
	assert.ErrorIs(t, err, ErrSpecAlreadyExists)
	_, err = f.RegisterFunction(ctx, []byte(`{"id": "x"}`))
	assert.ErrorIs(t, err, ErrInvalidFunctionSpec)

	_, err = f.RegisterDestination(ctx, paymentsSpec)
	require.NoError(t, err)
	_, err = f.RegisterDestination(ctx, paymentsSpec)
	assert.ErrorIs(t, err, ErrSpecAlreadyExists)
	_, err = f.RegisterDestination(ctx, []byte(`{"id": "nochain"}`))
	assert.ErrorIs(t, err, ErrInvalidDestinationSpec)

	id, err := f.ValidateDestinationSpec(archiveSpec)
	assert.NoError(t, err)
	assert.Equal(t, "archive", id)

	specData, err := f.GetDestinationSpec("payments")
	require.NoError(t, err)
	spec, err := entity.NewDestinationSpec(specData)
	require.NoError(t, err)
	assert.Equal(t, "payments in cents", spec.Description)

	specs, err := f.GetDestinationSpecs()
	require.NoError(t, err)
	assert.Len(t, specs, 1)

	symbols, _, err := f.Describe(ctx, "normalize")
	require.NoError(t, err)
	assert.Equal(t, []string{"normalize"}, symbols.Functions())
	_, _, err = f.Describe(ctx, "unknown")
	assert.ErrorIs(t, err, ErrInvalidFunctionId)

	require.NoError(t, f.DeleteDestination(ctx, "payments"))
	_, err = f.GetDestinationSpec("payments")
	assert.ErrorIs(t, err, ErrInvalidDestinationId)
	assert.ErrorIs(t, f.DeleteDestination(ctx, "payments"), ErrInvalidDestinationId)
	require.NoError(t, f.DeleteFunction(ctx, "normalize"))
	assert.ErrorIs(t, f.DeleteFunction(ctx, "normalize"), ErrInvalidFunctionId)

	entities := f.Entities()
	assert.True(t, entities["sink"]["memory"])
	assert.True(t, entities["sink"]["void"])
	assert.True(t, entities["builtin"]["setField"])
}

func TestFnchainHooks(t *testing.T) {

	ctx := context.Background()
	f := newTestInstance(t, HookConfig{
		PreChainHookFunc: func(ctx context.Context, spec *entity.DestinationSpec, event *[]byte) entity.HookAction {
			enriched, err := EnrichEvent(*event, "region", "eu")
			if err != nil {
				return entity.HookActionUnretryableError
			}
			*event = enriched
			return entity.HookActionProceed
		},
	})

	_, err := f.RegisterDestination(ctx, []byte(`{
		"id": "regional", "description": "events with region", "version": 1, "synchronous": true,
		"chain": [ { "kind": "builtin", "ref": "setTable", "config": { "fromPath": "region" } } ],
		"sink": { "type": "memory" }
	}`))
	require.NoError(t, err)

	result, err := f.Publish(ctx, entity.Event{Data: []byte(`{"id": 1}`)})
	require.NoError(t, err)
	require.NoError(t, result.Error)
	out := requireLoaded(t, f.sinks.sink("regional"), 1)
	assert.Equal(t, "eu", out[0].Table)
	assert.JSONEq(t, `{"id": 1, "region": "eu"}`, string(out[0].Payload))
}

func TestFnchainTransform(t *testing.T) {

	ctx := context.Background()
	f := newTestInstance(t, HookConfig{})

	_, err := f.RegisterFunction(ctx, []byte(`{"id": "guard", "version": 1, "code": "export default (p) => { if (!p.ok) throw new RetryError('not yet'); return ['ok', p]; }"}`))
	require.NoError(t, err)

	steps := []entity.Step{{Kind: entity.StepKindUDF, Ref: "guard"}}
	result, err := f.Transform(ctx, entity.Event{Data: []byte(`{"ok": true}`)}, steps)
	require.NoError(t, err)
	assert.Equal(t, entity.ChainDone, result.State)
	assert.Equal(t, "ok", result.Outputs[0].Table)

	result, err = f.Transform(ctx, entity.Event{Data: []byte(`{}`)}, steps)
	require.NoError(t, err)
	assert.Equal(t, entity.ChainFaulted, result.State)
	assert.Equal(t, fault.NameRetry, result.Fault.Name())
	assert.True(t, result.Retryable)
}

func TestFnchainShutdown(t *testing.T) {

	ctx := context.Background()
	f := newTestInstance(t, HookConfig{})
	_, err := f.RegisterDestination(ctx, archiveSpec)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.Publish(ctx, entity.Event{Data: []byte(`{}`)})
		require.NoError(t, err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.Shutdown(shutdownCtx))
	assert.Len(t, f.sinks.sink("archive").loaded(), 5, "queued outputs are flushed on shutdown")
	assert.True(t, f.sinks.isClosed())

	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	_, err = f.Publish(ctx, entity.Event{Data: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrInternalDataProcessing)
}
