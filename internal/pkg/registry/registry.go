// Package registry keeps the destination and function specs produced by the configuration
// UI, and assembles registered UDFs into runnable modules.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/teltech/logger"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/entity/transform"
	"github.com/zpiroux/fnchain/internal/pkg/admin"
	"github.com/zpiroux/fnchain/internal/pkg/assembly"
	"github.com/zpiroux/fnchain/internal/pkg/ifnchain"
	"github.com/zpiroux/fnchain/internal/pkg/supervisor"
	"github.com/zpiroux/fnchain/pkg/notify"
)

var (
	ErrNotFound      = errors.New("spec not found")
	ErrVersionExists = errors.New("spec with same or higher version already registered")
	ErrNotRunnable   = errors.New("function spec is not runnable")
)

// Registry is an in-memory registry of destination and function specs. All registry
// modifications are published as admin events to subscribers, e.g. for the engine to rebuild
// destinations, and for the sandbox supervisor to evict workers running replaced code.
type Registry struct {
	builtins *transform.Registry
	notifier *notify.Notifier

	mu           sync.RWMutex
	destinations map[string]*entity.DestinationSpec
	functions    map[string]*entity.FunctionSpec
	compiled     map[string]*ifnchain.Function

	sm          sync.RWMutex // subscriber mutex
	subscribers []func(ctx context.Context, event admin.Event)
}

func New(builtins *transform.Registry, notifyChan entity.NotifyChan, logging bool) *Registry {

	r := &Registry{
		builtins:     builtins,
		destinations: make(map[string]*entity.DestinationSpec),
		functions:    make(map[string]*entity.FunctionSpec),
		compiled:     make(map[string]*ifnchain.Function),
	}

	var log *logger.Log
	if logging {
		log = logger.New()
	}
	r.notifier = notify.New(notifyChan, log, 2, "registry", "inmem", "")
	return r
}

// Subscribe adds a handler for registry change events. Handlers are called synchronously,
// in the goroutine modifying the registry, after the modification is done.
func (r *Registry) Subscribe(handler func(ctx context.Context, event admin.Event)) {
	r.sm.Lock()
	defer r.sm.Unlock()
	r.subscribers = append(r.subscribers, handler)
}

// PutDestination validates and registers a destination spec. To replace an existing
// destination the version needs to be incremented.
func (r *Registry) PutDestination(ctx context.Context, specData []byte) (*entity.DestinationSpec, error) {

	spec, err := entity.NewDestinationSpec(specData)
	if err != nil {
		return nil, err
	}
	for i, step := range spec.Chain {
		if step.Kind != entity.StepKindBuiltin {
			continue
		}
		if _, ok := r.builtins.Lookup(step.Ref); !ok {
			return nil, fmt.Errorf("destination %s, step #%d: %w: %s", spec.Id, i, transform.ErrUnknownBuiltin, step.Ref)
		}
	}

	r.mu.Lock()
	if existing, ok := r.destinations[spec.Id]; ok && spec.Version <= existing.Version {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w, destination: %s, registered version: %d", ErrVersionExists, spec.Id, existing.Version)
	}
	r.destinations[spec.Id] = spec
	r.mu.Unlock()

	r.notifier.Notify(entity.NotifyLevelInfo, "Destination %s registered with version %d", spec.Id, spec.Version)
	r.publish(ctx, admin.EventData{Operation: admin.OperationDestinationRegistration, Id: spec.Id, Version: spec.Version})
	return spec, nil
}

// PutFunction validates and registers a function or library spec. Replacing a library
// invalidates all functions including it.
func (r *Registry) PutFunction(ctx context.Context, specData []byte) (*entity.FunctionSpec, error) {

	spec, err := entity.NewFunctionSpec(specData)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.functions[spec.Id]; ok && spec.Version <= existing.Version {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w, function: %s, registered version: %d", ErrVersionExists, spec.Id, existing.Version)
	}
	r.functions[spec.Id] = spec
	changes := r.invalidateLocked(spec.Id, admin.OperationFunctionRegistration)
	r.mu.Unlock()

	r.notifier.Notify(entity.NotifyLevelInfo, "Function %s (%s) registered with version %d", spec.Id, spec.Kind, spec.Version)
	changes[0].Version = spec.Version
	r.publish(ctx, changes...)
	return spec, nil
}

func (r *Registry) DeleteDestination(ctx context.Context, id string) error {

	r.mu.Lock()
	spec, ok := r.destinations[id]
	delete(r.destinations, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: destination %s", ErrNotFound, id)
	}
	r.publish(ctx, admin.EventData{Operation: admin.OperationDestinationDeletion, Id: id, Version: spec.Version})
	return nil
}

func (r *Registry) DeleteFunction(ctx context.Context, id string) error {

	r.mu.Lock()
	if _, ok := r.functions[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: function %s", ErrNotFound, id)
	}
	delete(r.functions, id)
	changes := r.invalidateLocked(id, admin.OperationFunctionDeletion)
	r.mu.Unlock()

	r.publish(ctx, changes...)
	return nil
}

// invalidateLocked drops the compiled form of the function id and of all functions
// including it. The first returned change is the one for id itself.
func (r *Registry) invalidateLocked(id, operation string) []admin.EventData {

	changes := []admin.EventData{{Operation: operation, Id: id}}
	if f, ok := r.compiled[id]; ok {
		changes[0].PreviousHash = f.Hash
		delete(r.compiled, id)
	}

	for fid, f := range r.compiled {
		for _, include := range f.Spec.Includes {
			if include == id {
				changes = append(changes, admin.EventData{
					Operation:    admin.OperationFunctionRegistration,
					Id:           fid,
					Version:      f.Spec.Version,
					PreviousHash: f.Hash,
				})
				delete(r.compiled, fid)
				break
			}
		}
	}
	return changes
}

func (r *Registry) Destination(id string) (*entity.DestinationSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if spec, ok := r.destinations[id]; ok {
		return spec, nil
	}
	return nil, fmt.Errorf("%w: destination %s", ErrNotFound, id)
}

// Destinations returns all registered destinations, sorted on id.
func (r *Registry) Destinations() []*entity.DestinationSpec {
	r.mu.RLock()
	specs := make([]*entity.DestinationSpec, 0, len(r.destinations))
	for _, spec := range r.destinations {
		specs = append(specs, spec)
	}
	r.mu.RUnlock()
	sort.Slice(specs, func(i, j int) bool { return specs[i].Id < specs[j].Id })
	return specs
}

func (r *Registry) FunctionSpec(id string) (*entity.FunctionSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if spec, ok := r.functions[id]; ok {
		return spec, nil
	}
	return nil, fmt.Errorf("%w: function %s", ErrNotFound, id)
}

// Function returns the runnable form of a registered function, assembling its module
// source the first time it is asked for.
func (r *Registry) Function(id string) (*ifnchain.Function, error) {

	r.mu.RLock()
	f, ok := r.compiled[id]
	r.mu.RUnlock()
	if ok {
		return f, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.compiled[id]; ok {
		return f, nil
	}

	spec, ok := r.functions[id]
	if !ok {
		return nil, fmt.Errorf("%w: function %s", ErrNotFound, id)
	}
	if spec.Kind == entity.FunctionKindLibrary {
		return nil, fmt.Errorf("%w: %s is a library", ErrNotRunnable, id)
	}

	includes := make([]string, 0, len(spec.Includes))
	for _, libId := range spec.Includes {
		lib, ok := r.functions[libId]
		if !ok {
			return nil, fmt.Errorf("%w: library %s included by %s", ErrNotFound, libId, id)
		}
		if lib.Kind != entity.FunctionKindLibrary {
			return nil, fmt.Errorf("%w: %s included by %s is not a library", ErrNotRunnable, libId, id)
		}
		includes = append(includes, lib.Code)
	}

	code, err := assembly.Assemble(spec.Code, spec.Variables, includes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotRunnable, id, err)
	}
	f = &ifnchain.Function{Spec: spec, Code: code, Hash: supervisor.Hash(code)}
	r.compiled[id] = f
	return f, nil
}

func (r *Registry) publish(ctx context.Context, data ...admin.EventData) {

	event := admin.NewEvent(admin.EventRegistryModified, data...)

	r.sm.RLock()
	subscribers := append([]func(context.Context, admin.Event){}, r.subscribers...)
	r.sm.RUnlock()

	for _, handler := range subscribers {
		handler(ctx, event)
	}
}
