package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/entity/transform"
	"github.com/zpiroux/fnchain/internal/pkg/registry"
	"github.com/zpiroux/fnchain/internal/pkg/sandbox"
	"github.com/zpiroux/fnchain/internal/pkg/supervisor"
	"github.com/zpiroux/fnchain/pkg/fault"
	"github.com/zpiroux/fnchain/pkg/notify"
)

var testFunctions = []string{
	`{
		"id": "enrich",
		"version": 1,
		"handler": "run",
		"code": "export function run(p, c) { console.log('enriching', p.id); return [c.table || table, { ...p, enriched: true }]; }",
		"variables": { "table": "enriched" }
	}`,
	`{"id": "dropNull", "version": 1, "code": "export default (p) => [null, p]"}`,
	`{"id": "dropEmpty", "version": 1, "code": "export default (p) => ['', p]"}`,
	`{"id": "dropUndefined", "version": 1, "code": "export default (p) => undefined"}`,
	`{"id": "split", "version": 1, "code": "export default (p) => ['items', p.items]"}`,
	`{"id": "unsure", "version": 1, "code": "export default (p) => (p.keep ? ['kept', p] : [false, p])"}`,
	`{"id": "busy", "version": 1, "code": "export default () => { throw new RetryError('busy', { drop: true }); }"}`,
	`{"id": "broken", "version": 1, "code": "export default () => { throw new HTTPError('bad gateway', 502, 'upstream down'); }"}`,
	`{"id": "badResult", "version": 1, "code": "export default () => 42"}`,
}

type chainFixture struct {
	runner     *ChainRunner
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	builtins   *transform.Registry
	notifyChan entity.NotifyChan
	notifier   *notify.Notifier
}

func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()

	f := &chainFixture{
		builtins:   transform.NewRegistry(),
		notifyChan: make(entity.NotifyChan, 256),
	}
	f.registry = registry.New(f.builtins, f.notifyChan, false)
	for _, spec := range testFunctions {
		_, err := f.registry.PutFunction(context.Background(), []byte(spec))
		require.NoError(t, err)
	}

	f.supervisor = supervisor.New(
		supervisor.Config{CallTimeout: 5 * time.Second, KillGrace: 100 * time.Millisecond},
		&supervisor.InProcessLauncher{Config: sandbox.Config{ExecTimeout: 5 * time.Second}})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, f.supervisor.Shutdown(ctx))
	})

	f.runner = NewChainRunner(f.builtins, f.supervisor, f.registry)
	f.notifier = notify.New(f.notifyChan, nil, 2, "executor", "test", "orders")
	return f
}

func (f *chainFixture) run(steps []entity.Step, payload string) *entity.DestinationResult {
	input := entity.Output{Table: "input", Payload: json.RawMessage(payload), Key: []byte("k1")}
	return f.runner.Run(context.Background(), steps, input, f.notifier)
}

func (f *chainFixture) notifications() []entity.NotificationEvent {
	var events []entity.NotificationEvent
	for {
		select {
		case event := <-f.notifyChan:
			events = append(events, event)
		default:
			return events
		}
	}
}

func udf(ref string) entity.Step {
	return entity.Step{Kind: entity.StepKindUDF, Ref: ref}
}

func builtin(ref string, config map[string]any) entity.Step {
	return entity.Step{Kind: entity.StepKindBuiltin, Ref: ref, Config: config}
}

func TestChainBuiltinsAndUDF(t *testing.T) {

	f := newChainFixture(t)
	f.notifications()

	steps := []entity.Step{
		builtin(transform.SetField, map[string]any{"path": "source", "value": "web"}),
		udf("enrich"),
	}
	result := f.run(steps, `{"id": "e1"}`)
	require.Equal(t, entity.ChainDone, result.State, result.Error)
	assert.Equal(t, -1, result.Step)
	require.Len(t, result.Outputs, 1)

	out := result.Outputs[0]
	assert.Equal(t, "enriched", out.Table)
	assert.Equal(t, []byte("k1"), out.Key)
	assert.Equal(t, "web", gjson.GetBytes(out.Payload, "source").String())
	assert.True(t, gjson.GetBytes(out.Payload, "enriched").Bool())

	// Step config reaches the function as second argument
	steps[1].Config = map[string]any{"table": "fromConfig"}
	result = f.run(steps, `{"id": "e2"}`)
	require.Equal(t, entity.ChainDone, result.State)
	assert.Equal(t, "fromConfig", result.Outputs[0].Table)

	var logged []entity.NotificationEvent
	for _, event := range f.notifications() {
		if event.Sender == "udf" {
			logged = append(logged, event)
		}
	}
	require.Len(t, logged, 2)
	assert.Equal(t, "enriching e1", logged[0].Message)
	assert.Equal(t, "udf:enrich#1", logged[0].Step)
	assert.Equal(t, "orders", logged[0].Destination)
	assert.NotEmpty(t, logged[0].Timestamp)
}

func TestChainBuiltinKeepsTable(t *testing.T) {

	f := newChainFixture(t)
	result := f.run([]entity.Step{builtin(transform.SetField, map[string]any{"path": "a", "value": 1})}, `{}`)
	require.Equal(t, entity.ChainDone, result.State)
	assert.Equal(t, "input", result.Outputs[0].Table)
	assert.JSONEq(t, `{"a":1}`, string(result.Outputs[0].Payload))
}

func TestChainDrops(t *testing.T) {

	f := newChainFixture(t)

	cases := []struct {
		ref    string
		reason entity.DropReason
	}{
		{"dropNull", entity.DropNull},
		{"dropEmpty", entity.DropEmpty},
		{"dropUndefined", entity.DropUndefined},
	}
	for _, c := range cases {
		result := f.run([]entity.Step{udf("enrich"), udf(c.ref), udf("enrich")}, `{"id": "x"}`)
		assert.Equal(t, entity.ChainDropped, result.State, c.ref)
		assert.Equal(t, c.reason, result.Drop, c.ref)
		assert.Equal(t, 1, result.Step, c.ref)
		assert.Empty(t, result.Outputs, c.ref)
		assert.NoError(t, result.Error, c.ref)
	}

	filter := builtin(transform.ExcludeEventsWith, map[string]any{
		"filters": []any{map[string]any{"key": "type", "values": []any{"test"}}},
	})
	result := f.run([]entity.Step{filter}, `{"type": "test"}`)
	assert.Equal(t, entity.ChainDropped, result.State)
	assert.Equal(t, entity.DropFiltered, result.Drop)
	assert.Equal(t, 0, result.Step)
}

func TestChainFanOut(t *testing.T) {

	f := newChainFixture(t)

	steps := []entity.Step{udf("split"), udf("unsure")}
	result := f.run(steps, `{"items": [{"n": 1, "keep": true}, {"n": 2}, {"n": 3, "keep": true}]}`)
	require.Equal(t, entity.ChainDone, result.State)
	require.Len(t, result.Outputs, 2)
	for i, n := range []int64{1, 3} {
		assert.Equal(t, "kept", result.Outputs[i].Table)
		assert.Equal(t, n, gjson.GetBytes(result.Outputs[i].Payload, "n").Int())
		assert.Equal(t, []byte("k1"), result.Outputs[i].Key)
	}

	result = f.run(steps, `{"items": [{"n": 2}]}`)
	assert.Equal(t, entity.ChainDropped, result.State)
	assert.Equal(t, entity.DropFalse, result.Drop)
	assert.Equal(t, 1, result.Step)

	result = f.run(steps, `{"items": []}`)
	assert.Equal(t, entity.ChainDropped, result.State)
	assert.Equal(t, entity.DropNone, result.Drop)
	assert.Equal(t, 0, result.Step)
}

func TestChainFaults(t *testing.T) {

	f := newChainFixture(t)
	f.notifications()

	result := f.run([]entity.Step{udf("enrich"), udf("busy")}, `{"id": "x"}`)
	require.Equal(t, entity.ChainFaulted, result.State)
	assert.Equal(t, 1, result.Step)
	assert.Equal(t, fault.NameDropRetry, result.Fault.Name())
	assert.True(t, result.Retryable)
	assert.True(t, result.DropRetry)
	assert.Empty(t, result.Outputs)

	var faults []entity.NotificationEvent
	for _, event := range f.notifications() {
		if event.Level == "ERROR" {
			faults = append(faults, event)
		}
	}
	require.Len(t, faults, 1)
	assert.Equal(t, "udf:busy#1", faults[0].Step)
	assert.JSONEq(t, `{"name": "Drop & RetryError", "message": "busy"}`, string(faults[0].Fault))

	result = f.run([]entity.Step{udf("broken")}, `{}`)
	require.Equal(t, entity.ChainFaulted, result.State)
	var httpErr *fault.HTTPError
	require.ErrorAs(t, result.Error, &httpErr)
	assert.Equal(t, 502, httpErr.Status)
	assert.True(t, result.Retryable)
	assert.False(t, result.DropRetry)

	result = f.run([]entity.Step{udf("badResult")}, `{}`)
	require.Equal(t, entity.ChainFaulted, result.State)
	assert.Equal(t, fault.NameGeneric, result.Fault.Name())
	assert.False(t, result.Retryable)

	result = f.run([]entity.Step{udf("noSuchFunction")}, `{}`)
	require.Equal(t, entity.ChainFaulted, result.State)
	assert.ErrorIs(t, result.Error, registry.ErrNotFound)

	result = f.run([]entity.Step{builtin(transform.SetTable, map[string]any{"table": 12})}, `{}`)
	require.Equal(t, entity.ChainFaulted, result.State)
	assert.Equal(t, 0, result.Step)
}

func TestChainBuiltinPanicIsFault(t *testing.T) {

	f := newChainFixture(t)
	require.NoError(t, f.builtins.Register("explode", func(ctx context.Context, in entity.Output, config map[string]any) (entity.ChainResult, error) {
		panic("boom")
	}))

	result := f.run([]entity.Step{builtin("explode", nil)}, `{}`)
	require.Equal(t, entity.ChainFaulted, result.State)
	assert.Contains(t, result.Error.Error(), "boom")
}

func TestChainStepsAreCopied(t *testing.T) {

	f := newChainFixture(t)
	steps := []entity.Step{udf("enrich")}
	_ = f.run(steps, `{"id": "x"}`)
	assert.Equal(t, []entity.Step{udf("enrich")}, steps)
}
