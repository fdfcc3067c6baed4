package entity

import (
	"context"
)

type SinkFactories map[string]SinkFactory

// SinkFactory enables sinks to be handled as plug-ins. A factory is registered with
// fnchain.Config.RegisterSinkType() for a sink type to be available for destination specs.
type SinkFactory interface {
	// SinkId returns the sink type id for which the sink is implemented
	SinkId() string

	// NewSink creates a new sink for the destination in c.Destination
	NewSink(ctx context.Context, c Config) (Sink, error)

	// Close is called after fnchain.Shutdown()
	Close() error
}

// Sink is the interface required for destination sink implementations.
// Each Output in data is a separate record (e.g. message or row) to be written, possibly
// to different tables/topics depending on Output.Table.
type Sink interface {

	// If successful the resource ID of the loaded data is returned, if the sink has one.
	// If input 'data' is nil or empty, an error is to be returned.
	// The bool tells if the error is retryable.
	Load(ctx context.Context, data []*Output) (string, error, bool)

	// Called during shutdown of the destination
	Shutdown(ctx context.Context)
}
