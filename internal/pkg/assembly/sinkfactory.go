package assembly

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/internal/pkg/entity/void"
	"github.com/zpiroux/fnchain/internal/pkg/entity/xbigquery"
	"github.com/zpiroux/fnchain/internal/pkg/entity/xkafka"
	"github.com/zpiroux/fnchain/internal/pkg/entity/xpubsub"
	"github.com/zpiroux/fnchain/internal/pkg/entity/xredis"
)

var ErrSinkNotConfigured = errors.New("sink type not configured in deployment")

// SinkFactory creates sinks based on the sink part of destination specs. It is a singleton,
// created by the Service and used by the engine whenever a destination is (re)built.
type SinkFactory struct {
	config Config
	void   entity.SinkFactory
}

// Reduces the amount of duplicate topic creation requests when more than one destination
// publishes to the same topics. The mutex scope is per process.
var kafkaTopicCreationMutex sync.Mutex

func NewSinkFactory(config Config) *SinkFactory {
	return &SinkFactory{config: config, void: void.NewSinkFactory()}
}

// SinkTypes returns the sink types available, native ones only if configured.
func (s *SinkFactory) SinkTypes() []string {
	types := []string{string(entity.EntityVoid)}
	if s.config.Kafka.BootstrapServers != "" {
		types = append(types, string(entity.EntityKafka))
	}
	if s.config.Pubsub.Client != nil {
		types = append(types, string(entity.EntityPubsub))
	}
	if s.config.BigQuery.Client != nil {
		types = append(types, string(entity.EntityBigQuery))
	}
	if s.config.Redis.Client != nil {
		types = append(types, string(entity.EntityRedis))
	}
	for id := range s.config.Sinks {
		types = append(types, id)
	}
	return types
}

func (s *SinkFactory) CreateSink(ctx context.Context, spec *entity.DestinationSpec, instanceId string, notifyChan entity.NotifyChan) (entity.Sink, error) {

	switch spec.Sink.Type {

	case entity.EntityVoid:
		return s.void.NewSink(ctx, entity.Config{Destination: spec, ID: instanceId, NotifyChan: notifyChan})

	case entity.EntityKafka:
		if s.config.Kafka.BootstrapServers == "" {
			return nil, fmt.Errorf("%w: %s", ErrSinkNotConfigured, spec.Sink.Type)
		}
		return asSink(xkafka.NewSink(ctx, s.createKafkaSinkConfig(spec), instanceId, s.config.Kafka.ProducerFactory))

	case entity.EntityPubsub:
		if s.config.Pubsub.Client == nil {
			return nil, fmt.Errorf("%w: %s", ErrSinkNotConfigured, spec.Sink.Type)
		}
		return asSink(xpubsub.NewSink(xpubsub.NewSinkConfig(spec), instanceId, xpubsub.NewTopicFactory(s.config.Pubsub.Client)))

	case entity.EntityBigQuery:
		if s.config.BigQuery.Client == nil {
			return nil, fmt.Errorf("%w: %s", ErrSinkNotConfigured, spec.Sink.Type)
		}
		return asSink(xbigquery.NewSink(ctx, spec, instanceId, xbigquery.NewBigQueryClient(s.config.BigQuery.Client)))

	case entity.EntityRedis:
		if s.config.Redis.Client == nil {
			return nil, fmt.Errorf("%w: %s", ErrSinkNotConfigured, spec.Sink.Type)
		}
		return asSink(xredis.NewSink(spec, instanceId, s.config.Redis.Client))
	}

	if sf, ok := s.config.Sinks[string(spec.Sink.Type)]; ok {
		return sf.NewSink(ctx, entity.Config{Destination: spec, ID: instanceId, NotifyChan: notifyChan, Log: spec.Ops.LogEventData})
	}
	return nil, fmt.Errorf("could not create sink, sink type '%s' not available, destination: %s", spec.Sink.Type, spec.Id)
}

// asSink keeps a failed constructor's nil pointer out of the returned interface.
func asSink[S entity.Sink](sink S, err error) (entity.Sink, error) {
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *SinkFactory) Close() error {
	return s.config.Close()
}

func (s *SinkFactory) createKafkaSinkConfig(spec *entity.DestinationSpec) *xkafka.Config {

	c := xkafka.NewSinkConfig(spec, &kafkaTopicCreationMutex)
	c.SetTopicCreation(s.config.Kafka.CreateTopics, s.config.Kafka.NumPartitions, s.config.Kafka.ReplicationFactor)

	// Deployment defaults
	props := xkafka.ConfigMap{
		"bootstrap.servers":                     s.config.Kafka.BootstrapServers,
		"enable.idempotence":                    true,
		"acks":                                  "all",
		"max.in.flight.requests.per.connection": 5,
		"compression.type":                      "lz4",
	}
	if s.config.Kafka.SaslUsername != "" {
		props["security.protocol"] = "SASL_SSL"
		props["sasl.mechanisms"] = "PLAIN"
		props["sasl.username"] = s.config.Kafka.SaslUsername
		props["sasl.password"] = s.config.Kafka.SaslPassword
	}
	for k, v := range s.config.Kafka.Props {
		props[k] = v
	}

	// Props from the destination spec can override deployment defaults
	if spec.Sink.Config != nil {
		for _, prop := range spec.Sink.Config.Properties {
			props[prop.Key] = prop.Value
		}
	}

	c.SetProps(props)
	return c
}
