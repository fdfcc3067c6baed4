// Package channel provides the in-process event source behind fnchain.Publish. Publishers
// hand events over a channel to one or more Run loops and wait for the processing outcome.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/internal/pkg/admin"
)

var (
	ErrSourceClosed     = errors.New("channel source is closed")
	ErrUnexpectedResult = errors.New("unexpected result from event processing")
)

type Source struct {
	id         string
	sourceChan admin.EventChannel
	closed     chan struct{}
	closeOnce  sync.Once
}

func NewSource(id string) *Source {
	return &Source{
		id:         id,
		sourceChan: make(admin.EventChannel),
		closed:     make(chan struct{}),
	}
}

func (s *Source) Id() string {
	return s.id
}

// Run passes published events to processEvent until ctx is done. Several Run loops may
// serve the same source concurrently.
func (s *Source) Run(ctx context.Context, processEvent entity.ProcessEventFunc) {

	for {
		select {

		case <-ctx.Done():
			return

		case <-s.closed:
			return

		case event := <-s.sourceChan:
			if event.Event.Ts.IsZero() {
				event.Event.Ts = time.Now()
			}
			result := processEvent(ctx, event.Event)
			event.ResultChannel <- admin.ResultChanEvent{
				Result:  result,
				Success: result.Error == nil && result.Status == entity.ExecutorStatusSuccessful,
			}
			close(event.ResultChannel)
		}
	}
}

// Publish sends the event for processing and waits for the result. The returned error is
// the processing error, or the reason the event could not be handed over.
func (s *Source) Publish(ctx context.Context, event entity.Event) (entity.EventProcessingResult, error) {

	resultChan := make(chan admin.ResultChanEvent, 1)
	chanEvent := admin.ChanEvent{Event: event, ResultChannel: resultChan}

	select {
	case s.sourceChan <- chanEvent:
	case <-s.closed:
		return entity.EventProcessingResult{Status: entity.ExecutorStatusShutdown}, ErrSourceClosed
	case <-ctx.Done():
		return entity.EventProcessingResult{Status: entity.ExecutorStatusError}, ctx.Err()
	}

	select {
	case result := <-resultChan:
		return s.adjustToExternalErrors(result)
	case <-ctx.Done():
		return entity.EventProcessingResult{Status: entity.ExecutorStatusError}, ctx.Err()
	}
}

// Close stops all Run loops and rejects further publishing.
func (s *Source) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Only respond with success when the event was processed correctly, also in case of a result
// with default values.
func (s *Source) adjustToExternalErrors(result admin.ResultChanEvent) (entity.EventProcessingResult, error) {
	if result.Success {
		return result.Result, nil
	}
	err := result.Result.Error
	if err == nil {
		err = ErrUnexpectedResult
		if result.Result.Status == entity.ExecutorStatusShutdown {
			err = ErrSourceClosed
		}
	}
	return result.Result, err
}
