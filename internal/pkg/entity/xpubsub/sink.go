// Package xpubsub provides a sink publishing chain outputs to GCP Pubsub topics.
package xpubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
	"github.com/teltech/logger"
	"github.com/zpiroux/fnchain/entity"
)

var log *logger.Log

func init() {
	log = logger.New()
}

const (
	attrTable = "table"
	attrKey   = "key"
)

type Config struct {
	spec        *entity.DestinationSpec
	topic       string
	topicPrefix string
	synchronous bool
}

func NewSinkConfig(spec *entity.DestinationSpec) *Config {
	c := &Config{spec: spec, synchronous: spec.Synchronous}
	if spec.Sink.Config != nil {
		c.topic = spec.Sink.Config.Topic
		c.topicPrefix = spec.Sink.Config.TopicPrefix
	}
	return c
}

func (c *Config) topicFor(table string) string {
	if c.topic != "" {
		return c.topic
	}
	return c.topicPrefix + table
}

type Sink struct {
	config     *Config
	newTopic   TopicFactory
	id         string
	eventCount atomic.Int64

	mu     sync.Mutex
	topics map[string]Topic
}

func NewSink(config *Config, id string, newTopic TopicFactory) (*Sink, error) {
	s := &Sink{
		config:   config,
		newTopic: newTopic,
		id:       id,
		topics:   make(map[string]Topic),
	}
	if config.topic == "" && config.topicPrefix == "" {
		return nil, errors.New(s.lgprfx() + "neither topic nor topicPrefix provided in sink config")
	}
	if newTopic == nil {
		return nil, errors.New(s.lgprfx() + "no pubsub client provided")
	}
	return s, nil
}

func (s *Sink) Load(ctx context.Context, data []*entity.Output) (string, error, bool) {

	if len(data) == 0 || data[0] == nil {
		return "", errors.New("load called without data to load"), false
	}

	results := make([]PublishResult, 0, len(data))
	for _, output := range data {
		msg := &pubsub.Message{
			Data:       output.Payload,
			Attributes: map[string]string{attrTable: output.Table},
		}
		if len(output.Key) > 0 {
			msg.Attributes[attrKey] = string(output.Key)
		}
		results = append(results, s.topic(output.Table).Publish(ctx, msg))
	}

	if !s.config.synchronous {
		go s.awaitResults(context.Background(), results)
		return "", nil, false
	}

	var (
		ids       []string
		errs      []string
		retryable = true
	)
	for _, result := range results {
		id, err := result.Get(ctx)
		if err != nil {
			errs = append(errs, err.Error())
			retryable = retryable && isRetryable(err)
			continue
		}
		s.eventCount.Add(1)
		ids = append(ids, id)
	}
	if len(errs) > 0 {
		return "", fmt.Errorf(s.lgprfx()+"%d of %d messages failed publishing, errors: %s", len(errs), len(results), strings.Join(errs, "; ")), retryable
	}
	if s.config.spec.Ops.LogEventData {
		log.Infof(s.lgprfx()+"published %d messages, ids: %v", len(ids), ids)
	}
	return strings.Join(ids, ","), nil, false
}

func (s *Sink) awaitResults(ctx context.Context, results []PublishResult) {
	for _, result := range results {
		if _, err := result.Get(ctx); err != nil {
			log.Errorf(s.lgprfx()+"async publish failed, err: %v", err)
			continue
		}
		s.eventCount.Add(1)
	}
}

func (s *Sink) topic(table string) Topic {
	name := s.config.topicFor(table)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		t = s.newTopic(name)
		s.topics[name] = t
	}
	return t
}

// Shutdown flushes and stops all topics used.
func (s *Sink) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.topics {
		t.Stop()
		delete(s.topics, name)
	}
	log.Infof(s.lgprfx()+"shutdown completed, number of published events: %d", s.eventCount.Load())
}

func (s *Sink) lgprfx() string {
	return "[xpubsub.sink:" + s.id + "] "
}
