package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/teltech/logger"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/entity/transform"
	"github.com/zpiroux/fnchain/internal/pkg/admin"
	"github.com/zpiroux/fnchain/internal/pkg/ifnchain"
	"github.com/zpiroux/fnchain/pkg/notify"
)

var log *logger.Log

func init() {
	log = logger.New()
}

var ErrDestinationNotFound = errors.New("destination not found or disabled")

// Dispatcher is responsible for the lifecycle of destination executors and for fanning out
// each event to them. It creates one Executor per enabled destination in the registry and
// keeps the set of executors in line with registry changes.
type Dispatcher struct {
	config      Config
	chains      *ChainRunner
	udfs        ifnchain.UDFRunner
	sinkFactory ifnchain.SinkFactory
	registry    ifnchain.Registry
	archivist   *executorArchivist
	wgExecutors sync.WaitGroup
	runCtx      context.Context // set when running, guarded by the archivist lock
	stop        chan struct{}
	stopOnce    sync.Once
	instanceId  string
	notifier    *notify.Notifier
}

func NewDispatcher(
	config Config,
	builtins *transform.Registry,
	udfs ifnchain.UDFRunner,
	sinkFactory ifnchain.SinkFactory,
	registry ifnchain.Registry) *Dispatcher {

	config.ensureValidDefaults()
	d := &Dispatcher{
		config:      config,
		chains:      NewChainRunner(builtins, udfs, registry),
		udfs:        udfs,
		sinkFactory: sinkFactory,
		registry:    registry,
		archivist:   newExecutorArchivist(),
		stop:        make(chan struct{}),
		instanceId:  createInstanceAlias(),
	}

	var l *logger.Log
	if config.Log {
		l = log
	}
	d.notifier = notify.New(config.NotifyChan, l, 2, "dispatcher", d.instanceId, "")
	registry.Subscribe(d.handleRegistryModified)
	return d
}

// Init creates executors for all enabled destinations in the registry.
func (d *Dispatcher) Init(ctx context.Context) error {
	for _, spec := range d.registry.Destinations() {
		if spec.IsDisabled() {
			log.Infof(d.lgprfx()+"destination %s is disabled and will not be assigned to an executor", spec.Id)
			continue
		}
		if err := d.createExecutor(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// Run deploys all executors and blocks until ctx is done or Shutdown is called, and all
// executors have finished.
func (d *Dispatcher) Run(ctx context.Context, ready *sync.WaitGroup) error {

	executorMap := d.archivist.GrantExclusiveAccess()
	d.runCtx = ctx
	for _, executor := range *executorMap {
		d.deployExecutor(ctx, executor)
	}
	log.Infof(d.lgprfx()+"%d executors deployed", len(*executorMap))
	d.archivist.RevokeExclusiveAccess()

	ready.Done()

	select {
	case <-ctx.Done():
	case <-d.stop:
	}
	d.wgExecutors.Wait()
	log.Info(d.lgprfx() + "All executors finished operations, dispatcher exiting")
	return nil
}

func (d *Dispatcher) deployExecutor(ctx context.Context, executor ifnchain.Executor) {
	d.wgExecutors.Add(1)
	go executor.Run(ctx, &d.wgExecutors)
}

// ProcessEvent runs the event through the chains of its destinations concurrently, or of
// all enabled destinations if the event has none set. The overall status is the most severe
// destination status: shutdown, then retries exhausted, then error.
func (d *Dispatcher) ProcessEvent(ctx context.Context, event entity.Event) entity.EventProcessingResult {

	result := entity.EventProcessingResult{
		Status:       entity.ExecutorStatusSuccessful,
		Destinations: make(map[string]*entity.DestinationResult),
	}

	var executors []ifnchain.Executor
	if len(event.Destinations) == 0 {
		executors = d.archivist.All()
	} else {
		for _, id := range event.Destinations {
			executor, ok := d.archivist.Get(id)
			if !ok {
				result.Status = entity.ExecutorStatusError
				result.Error = fmt.Errorf("%w: %s", ErrDestinationNotFound, id)
				return result
			}
			executors = append(executors, executor)
		}
	}

	results := make([]*entity.DestinationResult, len(executors))
	var wg sync.WaitGroup
	for i, executor := range executors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = executor.ProcessEvent(ctx, event)
		}()
	}
	wg.Wait()

	var (
		errs      []error
		retryable = true
	)
	for i, executor := range executors {
		res := results[i]
		result.Destinations[executor.Spec().Id] = res
		if severity(res.Status) > severity(result.Status) {
			result.Status = res.Status
		}
		if res.Error != nil {
			errs = append(errs, fmt.Errorf("destination %s: %w", executor.Spec().Id, res.Error))
			retryable = retryable && res.Retryable
		}
	}
	if len(errs) > 0 {
		result.Error = errors.Join(errs...)
		result.Retryable = retryable
	}
	return result
}

func severity(status entity.ExecutorStatus) int {
	switch status {
	case entity.ExecutorStatusSuccessful:
		return 0
	case entity.ExecutorStatusError:
		return 1
	case entity.ExecutorStatusRetriesExhausted:
		return 2
	case entity.ExecutorStatusShutdown:
		return 3
	}
	return 1
}

// Transform runs the event through the given steps without any sink involved.
func (d *Dispatcher) Transform(ctx context.Context, event entity.Event, steps []entity.Step) (*entity.DestinationResult, error) {

	for i, step := range steps {
		if err := step.Validate(); err != nil {
			return nil, fmt.Errorf("step #%d: %w", i, err)
		}
	}
	result := d.chains.Run(ctx, steps, entity.Output{Payload: rawCopy(event.Data), Key: event.Key}, d.notifier)
	switch result.State {
	case entity.ChainFaulted:
		result.Status = entity.ExecutorStatusError
	default:
		result.Status = entity.ExecutorStatusSuccessful
	}
	return result, nil
}

// Metrics returns the metrics of each live executor, keyed on destination id.
func (d *Dispatcher) Metrics() map[string]entity.Metrics {
	metrics := make(map[string]entity.Metrics)
	for _, executor := range d.archivist.All() {
		metrics[executor.Spec().Id] = executor.Metrics()
	}
	return metrics
}

// Destinations returns the ids of destinations with a live executor.
func (d *Dispatcher) Destinations() []string {
	var ids []string
	for _, executor := range d.archivist.All() {
		ids = append(ids, executor.Spec().Id)
	}
	return ids
}

// Shutdown shuts down all executors, flushing queued outputs until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) {

	log.Infof(d.lgprfx() + "Shutting down")
	d.stopOnce.Do(func() { close(d.stop) })
	executorMap := d.archivist.GrantExclusiveAccess()
	executors := make([]ifnchain.Executor, 0, len(*executorMap))
	for id, executor := range *executorMap {
		executors = append(executors, executor)
		delete(*executorMap, id)
	}
	d.archivist.RevokeExclusiveAccess()

	var wg sync.WaitGroup
	for _, executor := range executors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			executor.Shutdown(ctx)
		}()
	}
	wg.Wait()
}

// createExecutor creates an executor for spec, replacing any existing one for the same
// destination. The new executor is deployed if the dispatcher is running.
func (d *Dispatcher) createExecutor(ctx context.Context, spec *entity.DestinationSpec) error {

	instance := createInstanceAlias()
	sink, err := d.sinkFactory.CreateSink(ctx, spec, instance, d.config.NotifyChan)
	if err != nil {
		log.Errorf(d.lgprfx()+"could not create sink for destination %s, err: %v", spec.Id, err)
		return err
	}
	executor := NewExecutor(d.config, spec, d.chains, sink, instance)
	log.Infof(d.lgprfx()+"Created executor with ID: [%s], for destination %s version %d", instance, spec.Id, spec.Version)

	executorMap := d.archivist.GrantExclusiveAccess()
	previous := (*executorMap)[spec.Id]
	(*executorMap)[spec.Id] = executor
	if d.runCtx != nil && !d.stopped() {
		d.deployExecutor(d.runCtx, executor)
	}
	d.archivist.RevokeExclusiveAccess()

	if previous != nil {
		previous.Shutdown(ctx)
	}
	return nil
}

func (d *Dispatcher) shutdownExecutor(ctx context.Context, id string) {

	executorMap := d.archivist.GrantExclusiveAccess()
	executor, exists := (*executorMap)[id]
	delete(*executorMap, id)
	d.archivist.RevokeExclusiveAccess()

	if !exists {
		log.Warnf(d.lgprfx()+"shutdownExecutor called for destination %s but it did not exist", id)
		return
	}
	executor.Shutdown(ctx)
}

// handleRegistryModified keeps executors and sandbox workers in line with the registry.
func (d *Dispatcher) handleRegistryModified(ctx context.Context, event admin.Event) {

	for _, data := range event.Data {
		switch data.Operation {

		case admin.OperationDestinationRegistration:
			spec, err := d.registry.Destination(data.Id)
			if err != nil {
				d.notifier.Notify(entity.NotifyLevelError, "Registered destination %s not found, err: %v", data.Id, err)
				continue
			}
			if spec.IsDisabled() {
				log.Infof(d.lgprfx()+"New version of destination %s is disabled, just shutting down old one", spec.Id)
				d.shutdownExecutor(ctx, spec.Id)
				continue
			}
			if err := d.createExecutor(ctx, spec); err != nil {
				d.notifier.Notify(entity.NotifyLevelError, "Could not create executor for destination %s, err: %v", spec.Id, err)
			}

		case admin.OperationDestinationDeletion:
			d.shutdownExecutor(ctx, data.Id)

		case admin.OperationFunctionRegistration, admin.OperationFunctionDeletion:
			if data.PreviousHash != "" {
				log.Debugf(d.lgprfx()+"Evicting workers for previous code of function %s", data.Id)
				d.udfs.Evict(data.PreviousHash)
			}
		}
	}
}

func (d *Dispatcher) stopped() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) lgprfx() string {
	return "[dispatcher:" + d.instanceId + "] "
}
