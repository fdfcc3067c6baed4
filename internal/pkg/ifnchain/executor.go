package ifnchain

import (
	"context"
	"sync"

	"github.com/zpiroux/fnchain/entity"
)

// Executor runs the chain of a single destination and hands the outputs to its sink.
type Executor interface {
	Spec() *entity.DestinationSpec
	Instance() string

	// Run operates the asynchronous output queue, if the destination has one, until ctx is
	// done or the executor is shut down.
	Run(ctx context.Context, wg *sync.WaitGroup)

	// ProcessEvent runs the event through the chain. Synchronous destinations have their
	// outputs loaded before returning, asynchronous ones have them queued.
	ProcessEvent(ctx context.Context, event entity.Event) *entity.DestinationResult

	Metrics() entity.Metrics
	Shutdown(ctx context.Context)
}
