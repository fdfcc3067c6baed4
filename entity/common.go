package entity

import (
	"errors"
)

// Native entity types (sources, sinks or both)
type EntityType string

const (
	EntityInvalid    EntityType = "invalid"
	EntityVoid       EntityType = "void"
	EntityFnchainApi EntityType = "fnchainapi"
	EntityKafka      EntityType = "kafka"
	EntityPubsub     EntityType = "pubsub"
	EntityBigQuery   EntityType = "bigquery"
	EntityRedis      EntityType = "redis"
)

var ReservedEntityNames = map[string]bool{
	string(EntityInvalid):    true,
	string(EntityVoid):       true,
	string(EntityFnchainApi): true,
	string(EntityKafka):      true,
	string(EntityPubsub):     true,
	string(EntityBigQuery):   true,
	string(EntityRedis):      true,
}

// Config is the Entity Config to use with Entity factories
type Config struct {
	Destination *DestinationSpec
	ID          string
	NotifyChan  NotifyChan
	Log         bool
}

// Metrics provided by the engine of its operations. Accessible with fnchain.Metrics().
type Metrics struct {

	// Total number of events sent to ProcessEvent, regardless of outcome.
	EventsProcessed int64

	// Total time spent processing events, including synchronous sink loads
	EventProcessingTimeMicros int64

	// Total amount of event data processed
	BytesProcessed int64

	// Number of destination chain runs and how they ended
	ChainsRun     int64
	ChainsDone    int64
	ChainsDropped int64
	ChainsFaulted int64

	// Total number of outputs successfully loaded into sinks
	OutputsStoredInSink int64

	// Total time spent in successful sink loads
	SinkProcessingTimeMicros int64

	// Total number of successful calls to Sink.Load
	SinkOperations int64

	// Total amount of output payload data successfully loaded
	BytesIngested int64
}

func (m *Metrics) Reset() {
	*m = Metrics{}
}

// A sink can request to be shut down. This error should be returned and it's up to the
// Executor to decide what to do.
var ErrEntityShutdownRequested = errors.New("entity shutdown requested")
