package entity

import "context"

type HookAction int

const (
	HookActionInvalid          HookAction = iota // default, not to be used
	HookActionProceed                            // continue processing of this event
	HookActionSkip                               // skip processing of this event for this destination
	HookActionRetryableError                     // handle this event as a retryable error
	HookActionUnretryableError                   // handle this event as an unretryable error
	HookActionShutdown                           // stop processing, the executor is shutting down
)

// PreChainHookFunc is a client-provided function which the Executor calls prior to running
// the event through a destination's chain. This way the client could modify/enrich each event
// before being processed according to the destination chain.
// The event is provided as a mutable argument to avoid requiring the client to always
// return data even if not used. Each destination gets its own copy of the event data.
// The destination spec is provided for filtering logic, since the function is called for
// all destinations.
type PreChainHookFunc func(ctx context.Context, spec *DestinationSpec, event *[]byte) HookAction

// PostChainHookFunc is called with the chain outputs before they are handed to the sink.
type PostChainHookFunc func(ctx context.Context, spec *DestinationSpec, outputs *[]*Output) HookAction
