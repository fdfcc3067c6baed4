// Package xkafka provides a sink publishing chain outputs as Kafka messages, one topic per
// destination or one per output table.
package xkafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/teltech/logger"
	"github.com/zpiroux/fnchain/entity"
)

var log *logger.Log

func init() {
	log = logger.New()
}

const (
	flushTimeoutSec = 10
	headerTable     = "table"
)

type Sink struct {
	pf                            ProducerFactory
	producer                      Producer
	ac                            AdminClient
	config                        *Config
	id                            string
	eventCount                    atomic.Int64
	requestShutdown               atomic.Bool
	sm                            sync.Mutex // shutdown mutex
	shutdownDeliveryReportHandler context.CancelFunc

	tm            sync.Mutex
	topicsCreated map[string]bool
}

func NewSink(ctx context.Context, config *Config, id string, pf ProducerFactory) (*Sink, error) {

	if pf == nil {
		pf = DefaultProducerFactory{}
	}

	s := &Sink{
		pf:            pf,
		config:        config,
		id:            id,
		topicsCreated: make(map[string]bool),
	}

	if config.topic == "" && config.topicPrefix == "" {
		return nil, fmt.Errorf(s.lgprfx() + "neither topic nor topicPrefix provided in sink config")
	}

	if err := s.createProducer(); err != nil {
		return nil, err
	}

	if config.createTopics {
		admcli, err := s.pf.NewAdminClientFromProducer(s.producer)
		if err != nil {
			return nil, fmt.Errorf(s.lgprfx()+"couldn't create admin client, err: %v", err)
		}
		s.ac = admcli
	}

	if !config.synchronous {
		ctxDRH, cancel := context.WithCancel(ctx)
		s.shutdownDeliveryReportHandler = cancel
		go s.deliveryReportHandler(ctx, ctxDRH)
	}
	return s, nil
}

func (s *Sink) Load(ctx context.Context, data []*entity.Output) (string, error, bool) {

	if s.requestShutdown.Load() {
		return "", entity.ErrEntityShutdownRequested, false
	}
	if len(data) == 0 || data[0] == nil {
		return "", errors.New("load called without data to load"), false
	}

	msgs := make([]*kafka.Message, 0, len(data))
	for _, output := range data {
		topic := s.config.topicFor(output.Table)
		if err := s.ensureTopic(ctx, topic); err != nil {
			return "", err, true
		}
		msgs = append(msgs, &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
			Key:            output.Key,
			Value:          output.Payload,
			Headers:        []kafka.Header{{Key: headerTable, Value: []byte(output.Table)}},
		})
	}

	if s.config.synchronous {
		return s.publishSync(ctx, msgs)
	}
	return s.publishAsync(msgs)
}

// publishAsync enqueues the messages. Delivery reports are handled by deliveryReportHandler.
func (s *Sink) publishAsync(msgs []*kafka.Message) (string, error, bool) {

	start := time.Now()
	for _, m := range msgs {
		if err := s.producer.Produce(m, nil); err != nil {
			log.Errorf(s.lgprfx()+"kafka.producer.Produce() failed with err: %v, topic: %s", err, *m.TopicPartition.Topic)
			return "", err, true
		}
	}
	if s.config.spec.Ops.LogEventData {
		log.Infof(s.lgprfx()+"%d messages enqueued async [duration: %v]", len(msgs), time.Since(start))
	}
	return "", nil, false
}

// publishSync produces all messages and waits for every delivery report. The resource id is
// the position of the last message.
func (s *Sink) publishSync(ctx context.Context, msgs []*kafka.Message) (string, error, bool) {

	var (
		resourceId string
		err        error
		retryable  bool
	)

	start := time.Now()
	deliveryChan := make(chan kafka.Event, len(msgs))
	produced := 0
	for _, m := range msgs {
		if perr := s.producer.Produce(m, deliveryChan); perr != nil {
			log.Errorf(s.lgprfx()+"kafka.producer.Produce() failed with err: %v, topic: %s", perr, *m.TopicPartition.Topic)
			err = perr
			retryable = true // Treat all these kinds of errors as retryable for now
			break
		}
		produced++
	}

	for i := 0; i < produced; i++ {
		var event kafka.Event
		select {
		case event = <-deliveryChan:
		case <-ctx.Done():
			return resourceId, fmt.Errorf("waiting for delivery reports aborted: %w", ctx.Err()), true
		}

		switch msg := event.(type) {
		case *kafka.Message:
			if msg.TopicPartition.Error != nil {
				err = fmt.Errorf("publish failed with err: %v", msg.TopicPartition.Error)
				retryable = true
				continue
			}
			s.eventCount.Add(1)
			resourceId = fmt.Sprintf("%s[%d]@%v", *msg.TopicPartition.Topic, msg.TopicPartition.Partition, msg.TopicPartition.Offset)
			if s.config.spec.Ops.LogEventData {
				log.Infof(s.lgprfx()+"event published [duration: %v] to %s, key: %v value: %s",
					time.Since(start), resourceId, string(msg.Key), string(msg.Value))
			}
		case kafka.Error:
			err = fmt.Errorf(s.lgprfx()+"Kafka error in producer, code: %v, event: %v", msg.Code(), msg)
			// In case of all brokers down, terminate (will be restarted with exponential backoff)
			if msg.Code() == kafka.ErrAllBrokersDown {
				return resourceId, entity.ErrEntityShutdownRequested, false
			}
			retryable = true
		default:
			// We don't know if Produce() succeeded, so need to retry
			err = fmt.Errorf(s.lgprfx()+"unexpected Kafka info event from Kafka Producer report: %v, treat as error and retry", msg)
			retryable = true
		}
	}

	return resourceId, err, retryable
}

func (s *Sink) Shutdown(ctx context.Context) {
	s.sm.Lock()
	defer s.sm.Unlock()
	log.Infof(s.lgprfx() + "shutdown initiated")
	if s.producer != nil {
		if unflushed := s.producer.Flush(flushTimeoutSec * 1000); unflushed > 0 {
			log.Errorf(s.lgprfx()+"%d messages did not get flushed during shutdown, check for potential message loss", unflushed)
		} else {
			log.Infof(s.lgprfx() + "all messages flushed")
		}
		if s.shutdownDeliveryReportHandler != nil {
			s.shutdownDeliveryReportHandler()
		}
		s.producer.Close()
		s.producer = nil
		log.Infof(s.lgprfx()+"shutdown completed, number of published events: %d", s.eventCount.Load())
	}
}

func (s *Sink) createProducer() error {

	var err error
	kconfig := make(kafka.ConfigMap)
	for k, v := range s.config.configMap {
		kconfig[k] = v
	}

	s.producer, err = s.pf.NewProducer(&kconfig)
	if err != nil {
		return fmt.Errorf(s.lgprfx()+"failed to create producer: %s", err.Error())
	}

	log.Infof(s.lgprfx()+"created producer with config: %s", s.config)
	return nil
}

func (s *Sink) deliveryReportHandler(ctxParent context.Context, ctxThis context.Context) {

	events := s.producer.Events()
	for {
		select {

		case <-ctxParent.Done():
			log.Infof(s.lgprfx() + "[DRH] parent ctx closed, requesting shutdown")
			s.requestShutdown.Store(true)
			return

		case <-ctxThis.Done():
			log.Infof(s.lgprfx() + "[DRH] ctx closed, shutting down")
			return

		case e := <-events:
			switch event := e.(type) {
			case *kafka.Message:
				m := event
				if m.TopicPartition.Error != nil {
					log.Errorf(s.lgprfx()+"[DRH] publish failed with err: %v", m.TopicPartition.Error)
				} else {
					s.eventCount.Add(1)
					if s.config.spec.Ops.LogEventData {
						log.Infof(s.lgprfx()+"[DRH] event published to %s [%d] at offset: %v, key: %v value: %s",
							*m.TopicPartition.Topic, m.TopicPartition.Partition,
							m.TopicPartition.Offset, string(m.Key), string(m.Value))
					}
				}

			case kafka.Error:
				if event.IsFatal() {
					log.Errorf(s.lgprfx()+"[DRH] fatal error: %v, requesting shutdown", event)
					s.requestShutdown.Store(true)
				} else {
					log.Errorf(s.lgprfx()+"[DRH] error: %v", event)
				}

			default:
				log.Infof(s.lgprfx()+"[DRH] Ignored event: %s", event)
			}
		}
	}
}

// ensureTopic creates the topic the first time it is published to, if topic creation is enabled.
func (s *Sink) ensureTopic(ctx context.Context, topic string) error {

	if s.ac == nil {
		return nil
	}

	s.tm.Lock()
	defer s.tm.Unlock()
	if s.topicsCreated[topic] {
		return nil
	}

	s.config.topicCreationMutex.Lock()
	defer s.config.topicCreationMutex.Unlock()

	spec := kafka.TopicSpecification{
		Topic:             topic,
		NumPartitions:     s.config.numPartitions,
		ReplicationFactor: s.config.replicationFactor,
	}

	res, err := s.ac.CreateTopics(ctx, []kafka.TopicSpecification{spec})
	if err != nil {
		log.Errorf(s.lgprfx()+"could not create topic with spec: %+v, err: %v", spec, err)
		return err
	}
	for _, r := range res {
		switch r.Error.Code() {
		case kafka.ErrNoError:
			log.Infof(s.lgprfx()+"topic created: %s", r.Topic)
		case kafka.ErrTopicAlreadyExists:
			log.Debugf(s.lgprfx()+"topic %s already exists", r.Topic)
		default:
			log.Errorf(s.lgprfx()+"could not create topic %s, err: %v", r.Topic, r.Error)
			return r.Error
		}
	}
	s.topicsCreated[topic] = true
	return nil
}

func (s *Sink) lgprfx() string {
	return "[xkafka.sink:" + s.id + "] "
}
