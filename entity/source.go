package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/zpiroux/fnchain/pkg/fault"
)

// ProcessEventFunc is the type of func a Source calls for each event to be processed by the
// destination chains.
//
//	EventProcessingResult.Status values:
//		ExecutorStatusSuccessful --> all chains done or dropped, sinks accepted the outputs
//		ExecutorStatusError --> at least one destination faulted, see Destinations
//		ExecutorStatusRetriesExhausted --> a synchronous sink kept failing with retryable errors
//		ExecutorStatusShutdown --> shut down the source
type ProcessEventFunc func(context.Context, Event) EventProcessingResult

// Event is a single inbound event. If Destinations is empty the event is sent to all enabled
// destinations.
type Event struct {
	Data         []byte
	Ts           time.Time
	Key          []byte
	Destinations []string
}

func (e Event) String() string {
	return fmt.Sprintf("key: %s, ts: %v, destinations: %v, data: %s\n", string(e.Key), e.Ts, e.Destinations, string(e.Data))
}

type ExecutorStatus int

const (
	ExecutorStatusInvalid ExecutorStatus = iota
	ExecutorStatusSuccessful
	ExecutorStatusError
	ExecutorStatusRetriesExhausted
	ExecutorStatusShutdown
)

type EventProcessingResult struct {
	Status ExecutorStatus

	// Error is set if any destination failed, joining all destination errors
	Error error

	// Retryable is true if all failing destinations failed with retryable errors
	Retryable bool

	Destinations map[string]*DestinationResult
}

// DestinationResult is the outcome for a single destination chain.
type DestinationResult struct {
	// Status is the executor outcome for this destination, aggregated into EventProcessingResult.Status
	Status ExecutorStatus

	State ChainState

	// Step is the index of the step that dropped or faulted the event, otherwise -1
	Step int

	// Drop is set when State is ChainDropped
	Drop DropReason

	// Outputs holds what the chain emitted when State is ChainDone
	Outputs []*Output

	// Queued tells the outputs were handed to an asynchronous sink queue
	Queued bool

	// ResourceId is provided by synchronous sinks that have one
	ResourceId string

	// Fault is set when a chain step failed
	Fault fault.Fault

	// Error is set when State is ChainFaulted, either from a step (same as Fault) or from the sink
	Error error

	Retryable bool

	// DropRetry is set for Drop & RetryError faults: no output for now, the event may be retried later
	DropRetry bool
}
