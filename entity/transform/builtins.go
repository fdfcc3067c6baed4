package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zpiroux/fnchain/entity"
)

// Func is the signature of a built-in chain function. The input payload is never modified
// in place, results carry new payload bytes.
type Func func(ctx context.Context, in entity.Output, config map[string]any) (entity.ChainResult, error)

var (
	ErrUnknownBuiltin = errors.New("unknown built-in function")
	ErrInvalidConfig  = errors.New("invalid built-in config")
)

// Built-in function names
const (
	ExtractFields         = "extractFields"
	ExcludeEventsWith     = "excludeEventsWith"
	SetField              = "setField"
	SetTable              = "setTable"
	ExtractItemsFromArray = "extractItemsFromArray"
	UserAgentParse        = "userAgent"
	ValidateSchema        = "validateSchema"
)

// Registry maps built-in names to their functions. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns a registry with all native built-ins registered.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.funcs[ExtractFields] = extractFields
	r.funcs[ExcludeEventsWith] = excludeEventsWith
	r.funcs[SetField] = setField
	r.funcs[SetTable] = setTable
	r.funcs[ExtractItemsFromArray] = extractItemsFromArray
	r.funcs[UserAgentParse] = userAgent
	r.funcs[ValidateSchema] = validateSchema
	return r
}

// Register adds a custom built-in. Native built-ins can be replaced this way.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: name and function are required", ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
	return nil
}

func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the sorted names of all registered built-ins.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs the named built-in.
func (r *Registry) Call(ctx context.Context, name string, in entity.Output, config map[string]any) (entity.ChainResult, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return entity.ChainResult{}, fmt.Errorf("%w: %s", ErrUnknownBuiltin, name)
	}
	return fn(ctx, in, config)
}

// decodeConfig maps a step's generic config onto the built-in's own config struct.
func decodeConfig(name string, config map[string]any, v any) error {
	if config == nil {
		config = map[string]any{}
	}
	data, err := json.Marshal(config)
	if err == nil {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidConfig, name, err)
	}
	return nil
}

// tableOr returns table if set, otherwise the input's table.
func tableOr(table string, in entity.Output) string {
	if table != "" {
		return table
	}
	return in.Table
}
