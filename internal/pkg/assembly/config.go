package assembly

import (
	"encoding/json"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/internal/pkg/entity/xkafka"
	"github.com/zpiroux/fnchain/internal/pkg/entity/xpubsub"
	"github.com/zpiroux/fnchain/internal/pkg/entity/xredis"
)

// Config holds the deployment level settings and clients for the native sink types, plus
// the factories of custom sink types. A native sink type can only be used if its client
// (or for Kafka, its bootstrap servers) is provided.
type Config struct {
	Kafka    KafkaConfig
	Pubsub   PubsubConfig
	BigQuery BigQueryConfig
	Redis    RedisConfig
	Sinks    entity.SinkFactories `json:"-"`
}

type KafkaConfig struct {
	BootstrapServers  string
	CreateTopics      bool
	NumPartitions     int
	ReplicationFactor int

	// SASL/PLAIN credentials, e.g. a Confluent Cloud API key and secret
	SaslUsername string
	SaslPassword string `json:"-"`

	// Props are producer properties applied to all Kafka sinks, before the destination's own
	Props map[string]any

	// ProducerFactory defaults to one creating real producers
	ProducerFactory xkafka.ProducerFactory `json:"-"`
}

type PubsubConfig struct {
	Client xpubsub.PubsubClient `json:"-"`
}

type BigQueryConfig struct {
	Client *bigquery.Client `json:"-"`
}

type RedisConfig struct {
	Client xredis.Streamer `json:"-"`
}

// Close closes all custom sink factories.
func (c Config) Close() error {

	var errs []string
	for _, sf := range c.Sinks {
		if err := sf.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	var err error
	if len(errs) > 0 {
		jerrs, _ := json.Marshal(errs)
		err = fmt.Errorf("error closing sink factories: %v", string(jerrs))
	}
	return err
}
