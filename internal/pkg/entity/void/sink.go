// Package void provides a sink that accepts and discards chain outputs, optionally logging
// them. It can simulate sink errors, which makes it useful for testing retry behavior.
package void

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"

	"github.com/teltech/logger"
	"github.com/zpiroux/fnchain/entity"
)

var log *logger.Log

func init() {
	log = logger.New()
}

const (
	propLogEventData  = "logEventData"
	propSimulateError = "simulateError"
	propMaxErrors     = "maxErrors"

	simulateRetryable   = "alwaysRetryable"
	simulateUnretryable = "alwaysUnretryable"

	noResourceId = "<noResourceId>"
)

type SinkFactory struct{}

func NewSinkFactory() entity.SinkFactory {
	return &SinkFactory{}
}

func (sf *SinkFactory) SinkId() string {
	return string(entity.EntityVoid)
}

func (sf *SinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	return NewSink(c.Destination)
}

func (sf *SinkFactory) Close() error {
	return nil
}

type Sink struct {
	spec      *entity.DestinationSpec
	props     map[string]string
	maxErrors int

	mu           sync.Mutex
	numberErrors int
	loaded       []*entity.Output
}

func NewSink(spec *entity.DestinationSpec) (*Sink, error) {
	s := &Sink{
		spec:      spec,
		props:     make(map[string]string),
		maxErrors: math.MaxInt32,
	}

	if spec != nil && spec.Sink.Config != nil {
		for _, prop := range spec.Sink.Config.Properties {
			s.props[prop.Key] = prop.Value
		}
		if value, ok := s.props[propMaxErrors]; ok {
			s.maxErrors, _ = strconv.Atoi(value)
		}
	}
	return s, nil
}

func (s *Sink) Load(ctx context.Context, data []*entity.Output) (string, error, bool) {

	if len(data) == 0 || data[0] == nil {
		return "", errors.New("load called without data to load"), false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.props[propSimulateError]; ok && s.numberErrors < s.maxErrors {
		s.numberErrors++
		switch value {
		case simulateRetryable:
			return "", errors.New("void sink simulating retryable error"), true
		case simulateUnretryable:
			return "", errors.New("void sink simulating unretryable error"), false
		}
	}

	if s.spec.Ops.LogEventData || s.props[propLogEventData] == "true" {
		for _, output := range data {
			log.Infof("[void:%s] output received: %s", s.spec.Id, output.String())
		}
	}
	s.loaded = append(s.loaded, data...)
	return noResourceId, nil, false
}

// Loaded returns all outputs accepted so far.
func (s *Sink) Loaded() []*entity.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entity.Output{}, s.loaded...)
}

func (s *Sink) Shutdown(ctx context.Context) {}
