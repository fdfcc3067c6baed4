package admin

import "github.com/zpiroux/fnchain/entity"

//
// Channel envelopes for the in-process source, where clients publish events and wait for the
// outcome of their processing.
//

type ResultChanEvent struct {
	Result  entity.EventProcessingResult
	Success bool // Only true if set explicitly, avoiding default value issues with Result.Error
}

type ChanEvent struct {
	Event         entity.Event
	ResultChannel chan ResultChanEvent
}

type EventChannel chan ChanEvent
