package fnchain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/sjson"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/internal/pkg/registry"
	"github.com/zpiroux/fnchain/internal/service"
)

var (
	ErrConfigNotInitialized   = errors.New("fnchain.Config need to be created with NewConfig()")
	ErrNotInitialized         = errors.New("fnchain not initialized")
	ErrSpecAlreadyExists      = errors.New("spec ID already exists with that version - increment version number to upgrade")
	ErrInvalidDestinationSpec = errors.New("destination spec is not valid")
	ErrInvalidFunctionSpec    = errors.New("function spec is not valid")
	ErrInvalidDestinationId   = errors.New("invalid destination ID")
	ErrInvalidFunctionId      = errors.New("invalid function ID")
	ErrInternalDataProcessing = errors.New("internal data processing error")
	ErrInvalidEntityId        = errors.New("invalid sink ID")
	ErrInvalidBuiltin         = errors.New("built-in functions need a valid identifier as name and a non-nil function")
)

type Fnchain struct {
	service    *service.Service
	notifyChan entity.NotifyChan
	cancel     context.CancelFunc
	mu         sync.Mutex
}

// New creates and configures the internal services and all destinations and functions,
// based on the provided config, which needs to be initially created with NewConfig().
func New(ctx context.Context, config *Config) (f *Fnchain, err error) {
	if config == nil || config.sinks == nil || config.builtins == nil {
		return nil, ErrConfigNotInitialized
	}
	f = &Fnchain{notifyChan: make(entity.NotifyChan, config.Ops.NotifyChanSize)}
	f.service, err = service.New(ctx, preProcessConfig(config, f.notifyChan))
	if err != nil {
		f.service = nil
	}
	return f, err
}

// Run starts up the sandbox supervisor and the executors of all registered destinations.
// It is a blocking call until fnchain is shut down, from a call to Shutdown or if its parent
// context is canceled. Publish requires fnchain to be running, while destinations and
// functions can be registered before Run is called.
func (f *Fnchain) Run(ctx context.Context) (err error) {
	if f.service == nil {
		return ErrNotInitialized
	}
	f.mu.Lock()
	ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()
	return f.service.Run(ctx)
}

// RegisterDestination validates and stores the destination spec. If successful, the
// destination's executor is started up immediately (replacing the one of a previous version),
// and the ID of the destination is returned.
func (f *Fnchain) RegisterDestination(ctx context.Context, specData []byte) (id string, err error) {
	if f.service == nil {
		return id, ErrNotInitialized
	}
	spec, err := f.service.Registry().PutDestination(ctx, specData)
	if err != nil {
		if errors.Is(err, registry.ErrVersionExists) {
			return id, errWithDetails(ErrSpecAlreadyExists, err)
		}
		return id, errWithDetails(ErrInvalidDestinationSpec, err)
	}
	return spec.Id, nil
}

// RegisterFunction validates and stores the function spec. Destinations referring to the
// function use the new version from their next event.
func (f *Fnchain) RegisterFunction(ctx context.Context, specData []byte) (id string, err error) {
	if f.service == nil {
		return id, ErrNotInitialized
	}
	spec, err := f.service.Registry().PutFunction(ctx, specData)
	if err != nil {
		if errors.Is(err, registry.ErrVersionExists) {
			return id, errWithDetails(ErrSpecAlreadyExists, err)
		}
		return id, errWithDetails(ErrInvalidFunctionSpec, err)
	}
	return spec.Id, nil
}

// ValidateDestinationSpec returns an error if the provided destination spec is invalid.
func (f *Fnchain) ValidateDestinationSpec(specData []byte) (id string, err error) {
	spec, err := entity.NewDestinationSpec(specData)
	if err != nil {
		return id, errWithDetails(ErrInvalidDestinationSpec, err)
	}
	return spec.Id, nil
}

// DeleteDestination shuts down the destination's executor and removes its spec.
func (f *Fnchain) DeleteDestination(ctx context.Context, id string) error {
	if f.service == nil {
		return ErrNotInitialized
	}
	if err := f.service.Registry().DeleteDestination(ctx, id); err != nil {
		return errWithDetails(ErrInvalidDestinationId, err)
	}
	return nil
}

// DeleteFunction removes the function spec and evicts workers running its code.
func (f *Fnchain) DeleteFunction(ctx context.Context, id string) error {
	if f.service == nil {
		return ErrNotInitialized
	}
	if err := f.service.Registry().DeleteFunction(ctx, id); err != nil {
		return errWithDetails(ErrInvalidFunctionId, err)
	}
	return nil
}

// GetDestinationSpec returns the full destination spec for a specific destination ID
func (f *Fnchain) GetDestinationSpec(id string) (specData []byte, err error) {
	if f.service == nil {
		return nil, ErrNotInitialized
	}
	spec, err := f.service.Registry().Destination(id)
	if err != nil {
		return nil, errWithDetails(ErrInvalidDestinationId, err)
	}
	return spec.JSON(), nil
}

// GetDestinationSpecs returns all registered destination specs
func (f *Fnchain) GetDestinationSpecs() (specs map[string][]byte, err error) {
	if f.service == nil {
		return nil, ErrNotInitialized
	}
	specs = make(map[string][]byte)
	for _, spec := range f.service.Registry().Destinations() {
		specs[spec.Id] = spec.JSON()
	}
	return specs, nil
}

// Publish sends the event through the chains of its destinations, or all enabled
// destinations if event.Destinations is empty, and returns when all of them are done with it.
// Synchronous destinations have loaded the outputs into their sinks when Publish returns,
// while asynchronous ones have them queued.
//
// The returned error is only set if the event could not be processed at all. The outcome
// per destination, including chain faults and sink errors, is provided in the result.
func (f *Fnchain) Publish(ctx context.Context, event entity.Event) (result entity.EventProcessingResult, err error) {
	if f.service == nil {
		return result, ErrNotInitialized
	}
	result, err = f.service.Publish(ctx, event)
	if err != nil {
		return result, errWithDetails(ErrInternalDataProcessing, err)
	}
	return result, nil
}

// Transform runs the event through the provided chain steps without loading the outputs
// anywhere. Useful for testing functions and chains prior to registering a destination.
func (f *Fnchain) Transform(ctx context.Context, event entity.Event, steps []entity.Step) (*entity.DestinationResult, error) {
	if f.service == nil {
		return nil, ErrNotInitialized
	}
	return f.service.Transform(ctx, event, steps)
}

// Describe loads the registered function's code in a sandbox and returns the symbols it
// exports, together with anything the code logged while loading.
func (f *Fnchain) Describe(ctx context.Context, functionId string) (entity.SymbolDescriptor, []entity.LogEntry, error) {
	if f.service == nil {
		return nil, nil, ErrNotInitialized
	}
	symbols, logs, err := f.service.Describe(ctx, functionId)
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, registry.ErrNotRunnable) {
		return nil, nil, errWithDetails(ErrInvalidFunctionId, err)
	}
	return symbols, logs, err
}

// Metrics returns the engine metrics of each running destination, keyed on destination ID.
func (f *Fnchain) Metrics() map[string]entity.Metrics {
	if f.service == nil {
		return nil
	}
	return f.service.Metrics()
}

// SandboxMetrics returns the prometheus registry holding the sandbox worker metrics, unless
// Config.Sandbox.Registerer was set to a registerer not being a gatherer.
func (f *Fnchain) SandboxMetrics() prometheus.Gatherer {
	if f.service == nil {
		return nil
	}
	return f.service.Supervisor().Gatherer()
}

// NotifyChannel returns the channel on which all notifications from the internal services
// are sent, including function log output. It needs to be drained, or notifications will be
// dropped when it is full.
func (f *Fnchain) NotifyChannel() entity.NotifyChan {
	return f.notifyChan
}

// Shutdown should be called when the app is terminating. Queued outputs of asynchronous
// destinations are loaded until ctx is done.
func (f *Fnchain) Shutdown(ctx context.Context) (err error) {
	if f.service == nil {
		return ErrNotInitialized
	}
	err = f.service.Shutdown(ctx)
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Unlock()
	return err
}

// Entities returns the names of all available sink types and built-in functions.
// The keys for the first map are:
//
//	"sink"
//	"builtin"
//
// Example of output if marshalled to JSON
//
//	{"sink":{"void":true,"kafka":true},"builtin":{"setField":true,"setTable":true}}
func (f *Fnchain) Entities() map[string]map[string]bool {
	entities := map[string]map[string]bool{
		"sink":    make(map[string]bool),
		"builtin": make(map[string]bool),
	}
	if f.service == nil {
		return entities
	}
	for _, id := range f.service.SinkTypes() {
		entities["sink"][id] = true
	}
	for _, name := range f.service.Builtins() {
		entities["builtin"][name] = true
	}
	return entities
}

// EnrichEvent is a convenience function that could be used for event enrichment purposes
// inside a hook function as specified in fnchain.Config.Hooks.
// It's a wrapper on the sjson package. See doc at https://github.com/tidwall/sjson.
func EnrichEvent(event []byte, path string, value any) ([]byte, error) {
	return sjson.SetBytes(event, path, value)
}

func errWithDetails(err error, errDetails error) error {
	return fmt.Errorf("%w, details: %v", err, errDetails)
}
