package main

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/zpiroux/fnchain/entity"
)

// emitter continuously publishes events with increasing event ID values, simulating a
// consumer loop reading from a message broker.
type emitter struct {
	publish  func(ctx context.Context, event entity.Event) (entity.EventProcessingResult, error)
	interval time.Duration
}

type Event struct {
	EventId   int    `json:"eventId"`
	Timestamp int64  `json:"ts"`
	UserAgent string `json:"userAgent"`
	Amount    int    `json:"amount"`
}

func (e *emitter) run(ctx context.Context) {

	var evt Event
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("context canceled, emitter exiting")
			return
		case <-ticker.C:
		}

		evt.EventId++
		evt.Timestamp = time.Now().UnixMilli()
		evt.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"
		evt.Amount = evt.EventId * 10
		eventBytes, _ := json.Marshal(evt)

		result, err := e.publish(ctx, entity.Event{Data: eventBytes, Key: []byte(strconv.Itoa(evt.EventId))})
		if err != nil {
			log.Printf("publish failed: %v", err)
			return
		}

		switch result.Status {
		case entity.ExecutorStatusSuccessful:
			continue
		case entity.ExecutorStatusShutdown:
			log.Println("fnchain shutting down, emitter exiting")
			return
		default:
			// A broker consumer would not commit the offset here, and retry if result.Retryable
			log.Printf("event %d not fully processed, retryable: %v, err: %v", evt.EventId, result.Retryable, result.Error)
		}
	}
}

// printSinkFactory provides a custom sink type printing all outputs.
type printSinkFactory struct{}

func (printSinkFactory) SinkId() string {
	return "print"
}

func (printSinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	return &printSink{destination: c.Destination.Id}, nil
}

func (printSinkFactory) Close() error {
	log.Println("[printSinkFactory] Close() called")
	return nil
}

type printSink struct {
	destination string
}

func (s *printSink) Load(ctx context.Context, data []*entity.Output) (string, error, bool) {
	for _, out := range data {
		log.Printf("[%s] table: %s, key: %s, payload: %s", s.destination, out.Table, out.Key, out.Payload)
	}
	return "", nil, false
}

func (s *printSink) Shutdown(ctx context.Context) {}
