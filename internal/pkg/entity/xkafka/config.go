package xkafka

import (
	"fmt"
	"sync"

	"github.com/zpiroux/fnchain/entity"
)

const (
	defaultNumPartitions     = 1
	defaultReplicationFactor = 1
)

type ConfigMap map[string]any

type Config struct {
	spec               *entity.DestinationSpec
	topic              string    // fixed topic to publish to, if set
	topicPrefix        string    // otherwise the topic is topicPrefix + output table
	configMap          ConfigMap // supports all possible Kafka producer properties
	topicCreationMutex *sync.Mutex
	synchronous        bool
	createTopics       bool
	numPartitions      int
	replicationFactor  int
}

func (c *Config) String() string {
	return fmt.Sprintf("topic: %s, topicPrefix: %s, synchronous: %v, createTopics: %v, props: %+v",
		c.topic, c.topicPrefix, c.synchronous, c.createTopics, displayConfig(c.configMap))
}

func NewSinkConfig(spec *entity.DestinationSpec, topicCreationMutex *sync.Mutex) *Config {
	c := &Config{
		spec:               spec,
		configMap:          make(ConfigMap),
		topicCreationMutex: topicCreationMutex,
		synchronous:        spec.Synchronous,
		numPartitions:      defaultNumPartitions,
		replicationFactor:  defaultReplicationFactor,
	}
	if spec.Sink.Config != nil {
		c.topic = spec.Sink.Config.Topic
		c.topicPrefix = spec.Sink.Config.TopicPrefix
	}
	return c
}

// SetTopicCreation enables creation of topics not yet published to by this sink.
func (c *Config) SetTopicCreation(enabled bool, numPartitions, replicationFactor int) {
	c.createTopics = enabled
	if numPartitions > 0 {
		c.numPartitions = numPartitions
	}
	if replicationFactor > 0 {
		c.replicationFactor = replicationFactor
	}
}

func (c *Config) SetKafkaProperty(prop string, value any) {
	c.configMap[prop] = value
}

func (c *Config) SetProps(props ConfigMap) {
	for k, v := range props {
		c.configMap[k] = v
	}
}

func (c *Config) topicFor(table string) string {
	if c.topic != "" {
		return c.topic
	}
	return c.topicPrefix + table
}

func displayConfig(in ConfigMap) ConfigMap {
	out := make(ConfigMap)
	for k, v := range in {
		if k != "sasl.password" {
			out[k] = v
		}
	}
	return out
}
