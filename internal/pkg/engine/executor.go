package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teltech/logger"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/pkg/fault"
	"github.com/zpiroux/fnchain/pkg/notify"
)

const finalFlushTimeout = 10 * time.Second

var (
	ErrHookRetryableError   = errors.New("chain hook reported retryable error")
	ErrHookUnretryableError = errors.New("chain hook reported unretryable error")
	ErrHookInvalidAction    = errors.New("chain hook returned invalid action value")
	ErrExecutorShutdown     = errors.New("executor is shutting down")
)

// Executor operates a single destination: each event is run through the destination's chain
// and the outputs are handed to its sink, either inline for synchronous destinations, or
// through a batching queue for asynchronous ones.
type Executor struct {
	config   Config
	spec     *entity.DestinationSpec
	chains   *ChainRunner
	sink     entity.Sink
	queue    *outputQueue
	id       string
	notifier *notify.Notifier

	mu                 sync.Mutex
	cancel             context.CancelFunc
	done               chan struct{} // closed when Run returns
	shutdownInProgress atomic.Bool

	executorMetrics ProcessingMetrics
	sinkMetrics     ProcessingMetrics
	chainMetrics    chainMetrics
}

func NewExecutor(config Config, spec *entity.DestinationSpec, chains *ChainRunner, sink entity.Sink, instance string) *Executor {

	config.ensureValidDefaults()
	e := &Executor{
		config: config,
		spec:   spec,
		chains: chains,
		sink:   sink,
		id:     instance,
	}
	if !spec.Synchronous {
		e.queue = newOutputQueue(spec.Ops.QueueSize)
	}

	var log *logger.Log
	if config.Log {
		log = logger.New()
	}
	e.notifier = notify.New(config.NotifyChan, log, 2, "executor", e.id, spec.Id)
	return e
}

func (e *Executor) Spec() *entity.DestinationSpec {
	return e.spec
}

func (e *Executor) Instance() string {
	return e.id
}

func (e *Executor) Metrics() entity.Metrics {
	em := e.executorMetrics.snapshot()
	sm := e.sinkMetrics.snapshot()
	return entity.Metrics{
		EventsProcessed:           em.Events,
		EventProcessingTimeMicros: em.DurationMicros,
		BytesProcessed:            em.Bytes,
		ChainsRun:                 atomic.LoadInt64(&e.chainMetrics.Run),
		ChainsDone:                atomic.LoadInt64(&e.chainMetrics.Done),
		ChainsDropped:             atomic.LoadInt64(&e.chainMetrics.Dropped),
		ChainsFaulted:             atomic.LoadInt64(&e.chainMetrics.Faulted),
		OutputsStoredInSink:       sm.Events,
		SinkProcessingTimeMicros:  sm.DurationMicros,
		SinkOperations:            sm.Operations,
		BytesIngested:             sm.Bytes,
	}
}

// Run operates the output queue of asynchronous destinations, loading batches into the sink
// until the executor is shut down or ctx is done. For synchronous destinations it only waits.
func (e *Executor) Run(ctx context.Context, wg *sync.WaitGroup) {

	e.mu.Lock()
	if e.done != nil || e.shutdownInProgress.Load() {
		e.mu.Unlock()
		wg.Done()
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.mu.Unlock()

	defer e.runExit(wg)
	e.notifier.Notify(entity.NotifyLevelInfo, "Starting up (synchronous: %v)", e.spec.Synchronous)

	if e.queue == nil {
		<-ctx.Done()
	} else {
		e.runQueue(ctx)
	}

	e.notifier.Notify(entity.NotifyLevelInfo, "Executor finished. Executor metrics: %s, Sink metrics: %s", &e.executorMetrics, &e.sinkMetrics)
}

func (e *Executor) runQueue(ctx context.Context) {

	ops := e.spec.Ops
	timeout := time.Duration(ops.BatchTimeoutMs) * time.Millisecond
	for {
		batch, more := e.queue.NextBatch(ctx, ops.BatchSize, ops.BatchBytes, timeout)
		if len(batch) > 0 {
			e.loadBatch(ctx, batch)
		}
		if !more {
			break
		}
	}

	// Canceled from outside rather than by Shutdown, make a last attempt with what is left
	if remaining := e.queue.Drain(); len(remaining) > 0 {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
		defer cancel()
		e.notifier.Notify(entity.NotifyLevelWarn, "Flushing %d queued outputs before exit", len(remaining))
		if _, err, _, _ := e.loadToSink(flushCtx, remaining, 0); err != nil {
			e.notifier.Notify(entity.NotifyLevelError, "Final flush failed, %d outputs lost, err: %v", len(remaining), err)
		}
	}
}

func (e *Executor) loadBatch(ctx context.Context, batch []*entity.Output) {
	_, err, _, status := e.loadToSink(ctx, batch, e.spec.Ops.MaxLoadRetries)
	if err != nil && status != entity.ExecutorStatusShutdown {
		e.notifier.Notify(entity.NotifyLevelError, "Batch of %d outputs could not be loaded and is discarded, status: %v, err: %v", len(batch), status, err)
	}
}

func (e *Executor) runExit(wg *sync.WaitGroup) {
	// Protection against badly written sink plugins
	if r := recover(); r != nil {
		e.notifier.Notify(entity.NotifyLevelError, "Panic (%v) in Run() for spec %s, terminating executor", r, e.spec.JSON())
	}
	close(e.done)
	wg.Done()
}

// ProcessEvent runs the event through the destination chain. Outputs of synchronous
// destinations are loaded into the sink before returning, and the result tells the sink
// outcome. Outputs of asynchronous destinations are queued, blocking while the queue is full.
func (e *Executor) ProcessEvent(ctx context.Context, event entity.Event) (result *entity.DestinationResult) {

	result = &entity.DestinationResult{Status: entity.ExecutorStatusError, State: entity.ChainPending, Step: -1}
	defer e.processEventExit(time.Now().UnixMicro(), &result)

	if e.shutdownInProgress.Load() {
		e.notifier.Notify(entity.NotifyLevelWarn, "Rejecting event processing due to shutdown in progress, rejected event: %s", event)
		result.Status = entity.ExecutorStatusShutdown
		result.State = entity.ChainFaulted
		result.Error = ErrExecutorShutdown
		return result
	}

	events := atomic.AddInt64(&e.executorMetrics.Events, 1)
	atomic.AddInt64(&e.executorMetrics.Bytes, int64(len(event.Data)))
	if events%int64(e.config.EventLogInterval) == 0 {
		e.notifier.Notify(entity.NotifyLevelInfo, "[metric] nb events processed: %d, outputs stored in sink: %d", events, atomic.LoadInt64(&e.sinkMetrics.Events))
	}

	data := []byte(rawCopy(event.Data))
	if e.config.PreChainHookFunc != nil {
		action := e.config.PreChainHookFunc(ctx, e.spec, &data)
		if !e.applyHookAction(action, result) {
			return result
		}
	}

	atomic.AddInt64(&e.chainMetrics.Run, 1)
	chainResult := e.chains.Run(ctx, e.spec.Chain, entity.Output{Table: e.spec.DefaultTable, Payload: data, Key: event.Key}, e.notifier)
	*result = *chainResult

	switch result.State {
	case entity.ChainDropped:
		atomic.AddInt64(&e.chainMetrics.Dropped, 1)
		result.Status = entity.ExecutorStatusSuccessful
		return result
	case entity.ChainFaulted:
		atomic.AddInt64(&e.chainMetrics.Faulted, 1)
		result.Status = entity.ExecutorStatusError
		return result
	}
	atomic.AddInt64(&e.chainMetrics.Done, 1)

	if e.spec.Ops.LogEventData {
		e.notifier.Notify(entity.NotifyLevelDebug, "Event transformed into: %v", result.Outputs)
	}

	if e.config.PostChainHookFunc != nil {
		action := e.config.PostChainHookFunc(ctx, e.spec, &result.Outputs)
		if !e.applyHookAction(action, result) {
			return result
		}
	}

	if len(result.Outputs) == 0 {
		result.Status = entity.ExecutorStatusSuccessful
		return result
	}

	if e.queue != nil {
		e.enqueue(ctx, result)
		return result
	}

	var err error
	result.ResourceId, err, result.Retryable, result.Status = e.loadToSink(ctx, result.Outputs, e.spec.Ops.MaxLoadRetries)
	if err != nil {
		result.State = entity.ChainFaulted
		result.Error = err
	}
	return result
}

func (e *Executor) enqueue(ctx context.Context, result *entity.DestinationResult) {

	err := e.queue.Enqueue(ctx, result.Outputs)
	if err == nil {
		result.Queued = true
		result.Status = entity.ExecutorStatusSuccessful
		return
	}

	result.State = entity.ChainFaulted
	result.Error = err
	if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) {
		result.Status = entity.ExecutorStatusShutdown
		return
	}
	result.Status = entity.ExecutorStatusError
	result.Retryable = true
}

// applyHookAction updates result according to the hook action and returns true if processing
// should continue.
func (e *Executor) applyHookAction(action entity.HookAction, result *entity.DestinationResult) bool {

	switch action {
	case entity.HookActionProceed:
		return true
	case entity.HookActionSkip:
		result.Status = entity.ExecutorStatusSuccessful
		result.State = entity.ChainDropped
		result.Drop = entity.DropNone
		result.Outputs = nil
	case entity.HookActionRetryableError:
		result.State = entity.ChainFaulted
		result.Error = ErrHookRetryableError
		result.Retryable = true
	case entity.HookActionUnretryableError:
		result.State = entity.ChainFaulted
		result.Error = ErrHookUnretryableError
		result.Retryable = false
	case entity.HookActionShutdown:
		result.Status = entity.ExecutorStatusShutdown
		result.State = entity.ChainFaulted
		result.Error = ErrExecutorShutdown
	default:
		result.State = entity.ChainFaulted
		result.Error = fmt.Errorf("%w : %v", ErrHookInvalidAction, action)
		result.Retryable = false
	}
	if result.State == entity.ChainFaulted && result.Status != entity.ExecutorStatusShutdown {
		result.Status = entity.ExecutorStatusError
	}
	return false
}

// loadToSink loads outputs, retrying retryable errors with exponential backoff up to
// maxRetries times.
func (e *Executor) loadToSink(ctx context.Context, outputs []*entity.Output, maxRetries int) (resourceId string, err error, retryable bool, status entity.ExecutorStatus) {

	loadAttempts := 0
	backoff := e.config.InitialLoadRetryBackoff
	status = entity.ExecutorStatusError

	for ; loadAttempts <= maxRetries; loadAttempts++ {

		startTime := time.Now().UnixMicro()
		resourceId, err, retryable = e.sink.Load(ctx, outputs)

		if err == nil {
			e.sinkMetrics.add(int64(len(outputs)), time.Now().UnixMicro()-startTime, payloadBytes(outputs), 1)
			return resourceId, nil, false, entity.ExecutorStatusSuccessful
		}

		if e.shuttingDown(ctx, err) {
			return resourceId, err, retryable, entity.ExecutorStatusShutdown
		}

		if !retryable || loadAttempts >= maxRetries {
			break
		}

		e.notifier.Notify(entity.NotifyLevelWarn, "Load() failed with error: %v, issuing retry attempt #%d, in %v", err, loadAttempts+1, backoff)
		if !sleepCtx(ctx, backoff) {
			return resourceId, err, retryable, entity.ExecutorStatusShutdown
		}
		backoff = min(2*backoff, e.config.MaxLoadRetryBackoff)
	}

	if retryable {
		e.notifier.Notify(entity.NotifyLevelError, "Giving up retrying load to sink after %d attempts, outputs: %v", loadAttempts+1, outputs)
		status = entity.ExecutorStatusRetriesExhausted
	}
	return resourceId, err, retryable, status
}

func (e *Executor) shuttingDown(ctx context.Context, err error) bool {
	if ctx.Err() == context.Canceled {
		e.notifier.Notify(entity.NotifyLevelInfo, "Context canceled during Load, err: %v", err)
		return true
	}
	if errors.Is(err, entity.ErrEntityShutdownRequested) {
		e.notifier.Notify(entity.NotifyLevelInfo, "Sink requested shutdown during Load")
		return true
	}
	return false
}

func (e *Executor) processEventExit(startTime int64, result **entity.DestinationResult) {

	atomic.AddInt64(&e.executorMetrics.DurationMicros, time.Now().UnixMicro()-startTime)
	atomic.AddInt64(&e.executorMetrics.Operations, 1)

	// Protection against badly written sink plugins or external hook logic
	if r := recover(); r != nil {
		e.notifier.Notify(entity.NotifyLevelError, "Panic (%v) in ProcessEvent() for destination %s", r, e.spec.Id)
		f := &fault.Generic{Message: fmt.Sprintf("panic while processing event: %v", r)}
		*result = &entity.DestinationResult{
			Status: entity.ExecutorStatusError,
			State:  entity.ChainFaulted,
			Step:   -1,
			Fault:  f,
			Error:  f,
		}
	}
}

// Shutdown stops new events from being accepted, lets Run flush what is queued, and shuts
// down the sink. Flushing is abandoned when ctx is done.
func (e *Executor) Shutdown(ctx context.Context) {

	if !e.shutdownInProgress.CompareAndSwap(false, true) {
		return
	}
	e.notifier.Notify(entity.NotifyLevelInfo, "Shutting down")

	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if e.queue != nil {
		e.queue.Close()
	} else if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			e.notifier.Notify(entity.NotifyLevelWarn, "Shutdown deadline reached with %d outputs queued", e.queue.Len())
		}
		cancel()
	} else if e.queue != nil && e.queue.Len() > 0 {
		e.notifier.Notify(entity.NotifyLevelWarn, "Shutdown request received before started running, %d queued outputs discarded", e.queue.Len())
	}

	e.sink.Shutdown(ctx)
}

func payloadBytes(outputs []*entity.Output) int64 {
	var n int64
	for _, output := range outputs {
		n += int64(len(output.Payload))
	}
	return n
}
