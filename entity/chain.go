package entity

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

type StepKind string

const (
	StepKindBuiltin StepKind = "builtin"
	StepKindUDF     StepKind = "udf"
)

// Step is one function in a destination's chain. For built-in steps Ref is the name of
// the built-in function, for udf steps it is the id of a registered FunctionSpec.
// Config is passed to the function as its second argument.
type Step struct {
	Kind   StepKind       `json:"kind"`
	Ref    string         `json:"ref"`
	Config map[string]any `json:"config,omitempty"`
}

func (s Step) Validate() error {
	switch s.Kind {
	case StepKindBuiltin, StepKindUDF:
	default:
		return fmt.Errorf("%w: unknown step kind %q", ErrInvalidStep, s.Kind)
	}
	if s.Ref == "" {
		return fmt.Errorf("%w: missing ref", ErrInvalidStep)
	}
	return nil
}

func (s Step) String() string {
	return string(s.Kind) + ":" + s.Ref
}

// ChainState is the state of a single chain run (one event, one destination).
//
//	Pending -> Running -> Dropped | Faulted | Done
//
// A run is Running while steps return Continue.
type ChainState int

const (
	ChainPending ChainState = iota
	ChainRunning
	ChainDropped
	ChainFaulted
	ChainDone
)

var chainStateName = map[ChainState]string{
	ChainPending: "pending",
	ChainRunning: "running",
	ChainDropped: "dropped",
	ChainFaulted: "faulted",
	ChainDone:    "done",
}

func (c ChainState) String() string {
	name, ok := chainStateName[c]
	if !ok {
		return "invalid"
	}
	return name
}

// DropReason tells which falsy table name value a step returned, or that a built-in
// filter excluded the item.
type DropReason int

const (
	DropNone DropReason = iota
	DropNull
	DropFalse
	DropEmpty
	DropZero
	DropUndefined
	DropFiltered
)

var dropReasonName = map[DropReason]string{
	DropNone:      "none",
	DropNull:      "null",
	DropFalse:     "false",
	DropEmpty:     "empty",
	DropZero:      "zero",
	DropUndefined: "undefined",
	DropFiltered:  "filtered",
}

func (d DropReason) String() string {
	name, ok := dropReasonName[d]
	if !ok {
		return "invalid"
	}
	return name
}

var ErrInvalidChainResult = errors.New("invalid function result, expected [tableName, payload]")

// ChainResult is the outcome of a single step: [tableName, payload]. If Drop is set the item
// is discarded, otherwise each payload continues to the next step with Table as its table.
type ChainResult struct {
	Table    string
	Drop     DropReason
	Payloads []json.RawMessage
}

// Continue gives a result passing payloads on with the given table.
func Continue(table string, payloads ...json.RawMessage) ChainResult {
	return ChainResult{Table: table, Payloads: payloads}
}

func Drop(reason DropReason) ChainResult {
	return ChainResult{Drop: reason}
}

// ParseChainResult interprets the JSON returned by a UDF. An empty result (the function
// returned undefined) drops the item, as does any falsy table name. An array payload
// fans out into one payload per item.
func ParseChainResult(raw []byte) (ChainResult, error) {

	if len(raw) == 0 {
		return Drop(DropUndefined), nil
	}
	if !gjson.ValidBytes(raw) {
		return ChainResult{}, fmt.Errorf("%w: not valid JSON", ErrInvalidChainResult)
	}

	result := gjson.ParseBytes(raw)
	if result.Type == gjson.Null {
		return Drop(DropNull), nil
	}
	if !result.IsArray() {
		return ChainResult{}, fmt.Errorf("%w, got: %s", ErrInvalidChainResult, truncateRaw(result.Raw))
	}

	table := result.Get("0")
	switch {
	case !table.Exists():
		return Drop(DropUndefined), nil
	case table.Type == gjson.Null:
		return Drop(DropNull), nil
	case table.Type == gjson.False:
		return Drop(DropFalse), nil
	case table.Type == gjson.String && table.Str == "":
		return Drop(DropEmpty), nil
	case table.Type == gjson.Number && table.Num == 0:
		return Drop(DropZero), nil
	case table.Type != gjson.String:
		return ChainResult{}, fmt.Errorf("%w: table name must be a string, got: %s", ErrInvalidChainResult, table.Raw)
	}

	payload := result.Get("1")
	out := ChainResult{Table: table.Str}
	switch {
	case payload.IsObject():
		out.Payloads = []json.RawMessage{json.RawMessage(payload.Raw)}
	case payload.IsArray():
		for i, item := range payload.Array() {
			if !item.IsObject() {
				return ChainResult{}, fmt.Errorf("%w: payload item #%d is not an object", ErrInvalidChainResult, i)
			}
			out.Payloads = append(out.Payloads, json.RawMessage(item.Raw))
		}
	default:
		return ChainResult{}, fmt.Errorf("%w: payload must be an object or an array of objects", ErrInvalidChainResult)
	}
	return out, nil
}

func truncateRaw(s string) string {
	const max = 100
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// Output is a single chain outcome ready to be loaded into a sink.
type Output struct {
	Table   string          `json:"table"`
	Payload json.RawMessage `json:"payload"`
	Key     []byte          `json:"key,omitempty"`
}

func (o *Output) String() string {
	return fmt.Sprintf("{table: %s, key: %s, payload: %s}", o.Table, string(o.Key), string(o.Payload))
}
