package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/entity/transform"
	"github.com/zpiroux/fnchain/internal/pkg/ifnchain"
	"github.com/zpiroux/fnchain/pkg/fault"
	"github.com/zpiroux/fnchain/pkg/notify"
)

// ChainRunner runs a single input through an ordered list of steps. Built-in steps are
// called in-process while udf steps are executed in the sandbox. A runner holds no per-run
// state and is shared by all executors.
type ChainRunner struct {
	builtins  *transform.Registry
	udfs      ifnchain.UDFRunner
	functions ifnchain.FunctionResolver
}

func NewChainRunner(builtins *transform.Registry, udfs ifnchain.UDFRunner, functions ifnchain.FunctionResolver) *ChainRunner {
	return &ChainRunner{builtins: builtins, udfs: udfs, functions: functions}
}

// Run takes input through steps. Each item in flight continues to the next step until it
// is dropped, the last step has been run, or a step fails. A failing step faults the whole
// run, with no outputs. The returned result is never nil.
func (c *ChainRunner) Run(ctx context.Context, steps []entity.Step, input entity.Output, notifier *notify.Notifier) *entity.DestinationResult {

	steps = append([]entity.Step(nil), steps...)
	result := &entity.DestinationResult{State: entity.ChainRunning, Step: -1}
	items := []entity.Output{input}
	lastDrop := entity.DropNone

	for i, step := range steps {

		var next []entity.Output
		for _, item := range items {

			res, err := c.runStep(ctx, i, step, item, notifier)
			if err != nil {
				f := fault.Wrap(err)
				notifier.NotifyFault(stepName(i, step), f)
				result.State = entity.ChainFaulted
				result.Step = i
				result.Fault = f
				result.Error = err
				result.Retryable = f.Retryable()
				result.DropRetry = fault.IsDropRetry(err)
				return result
			}

			if res.Drop != entity.DropNone {
				notifier.Notify(entity.NotifyLevelDebug, "Item dropped at step %s, reason: %s", stepName(i, step), res.Drop)
				lastDrop = res.Drop
				result.Step = i
				continue
			}

			table := res.Table
			if table == "" {
				table = item.Table
			}
			for _, payload := range res.Payloads {
				next = append(next, entity.Output{Table: table, Payload: payload, Key: input.Key})
			}
		}

		items = next
		if len(items) == 0 {
			result.State = entity.ChainDropped
			result.Drop = lastDrop
			if result.Step < 0 {
				result.Step = i
			}
			return result
		}
	}

	result.State = entity.ChainDone
	result.Step = -1
	result.Outputs = make([]*entity.Output, len(items))
	for i := range items {
		result.Outputs[i] = &items[i]
	}
	return result
}

func (c *ChainRunner) runStep(ctx context.Context, i int, step entity.Step, in entity.Output, notifier *notify.Notifier) (res entity.ChainResult, err error) {

	if err = ctx.Err(); err != nil {
		return res, &fault.Generic{Message: fmt.Sprintf("chain canceled before step %s: %v", stepName(i, step), err)}
	}

	switch step.Kind {
	case entity.StepKindBuiltin:
		return c.runBuiltin(ctx, step, in)
	case entity.StepKindUDF:
		return c.runUDF(ctx, i, step, in, notifier)
	}
	return res, fmt.Errorf("%w: unknown step kind %q", entity.ErrInvalidStep, step.Kind)
}

func (c *ChainRunner) runBuiltin(ctx context.Context, step entity.Step, in entity.Output) (res entity.ChainResult, err error) {

	// Built-ins include custom ones registered by the client
	defer func() {
		if r := recover(); r != nil {
			err = &fault.Generic{Message: fmt.Sprintf("panic in built-in %s: %v", step.Ref, r)}
		}
	}()
	return c.builtins.Call(ctx, step.Ref, in, step.Config)
}

func (c *ChainRunner) runUDF(ctx context.Context, i int, step entity.Step, in entity.Output, notifier *notify.Notifier) (entity.ChainResult, error) {

	f, err := c.functions.Function(step.Ref)
	if err != nil {
		return entity.ChainResult{}, err
	}

	config := step.Config
	if config == nil {
		config = map[string]any{}
	}

	out, err := c.udfs.Execute(ctx, f.Code, f.Spec.Handler, in.Payload, config)
	notifier.NotifyLog(stepName(i, step), out.Log)
	if err != nil {
		return entity.ChainResult{}, err
	}

	res, err := entity.ParseChainResult(out.Value)
	if err != nil {
		return res, &fault.Generic{Message: fmt.Sprintf("function %s: %v", step.Ref, err)}
	}
	return res, nil
}

func stepName(i int, step entity.Step) string {
	return fmt.Sprintf("%s#%d", step, i)
}

// rawCopy gives each destination its own copy of the event data, since hooks may modify it.
func rawCopy(data []byte) json.RawMessage {
	return append(json.RawMessage(nil), data...)
}
