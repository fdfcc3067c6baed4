// Package xredis provides a sink appending chain outputs to Redis streams, one stream per
// output table.
package xredis

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/teltech/logger"
	"github.com/zpiroux/fnchain/entity"
)

var log *logger.Log

func init() {
	log = logger.New()
}

const (
	propMaxLen = "maxLen"

	fieldTable   = "table"
	fieldPayload = "payload"
	fieldKey     = "key"
)

// Streamer is the part of the Redis client used by the sink, satisfied by *redis.Client.
type Streamer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type Sink struct {
	id     string
	spec   *entity.DestinationSpec
	client Streamer
	prefix string
	maxLen int64
}

func NewSink(spec *entity.DestinationSpec, id string, client Streamer) (*Sink, error) {
	if client == nil {
		return nil, errors.New("invalid arguments, redis client cannot be nil")
	}
	s := &Sink{id: id, spec: spec, client: client}
	if spec.Sink.Config != nil {
		s.prefix = spec.Sink.Config.StreamPrefix
		for _, prop := range spec.Sink.Config.Properties {
			if prop.Key == propMaxLen {
				n, err := strconv.ParseInt(prop.Value, 10, 64)
				if err != nil {
					return nil, errors.New(s.lgprfx() + "invalid maxLen property: " + err.Error())
				}
				s.maxLen = n
			}
		}
	}
	return s, nil
}

// Load appends each output to its stream. The resource id is the id of the last entry added.
func (s *Sink) Load(ctx context.Context, data []*entity.Output) (string, error, bool) {

	if len(data) == 0 || data[0] == nil {
		return "", errors.New("load called without data to load"), false
	}

	var resourceId string
	for _, output := range data {
		values := map[string]any{
			fieldTable:   output.Table,
			fieldPayload: string(output.Payload),
		}
		if len(output.Key) > 0 {
			values[fieldKey] = string(output.Key)
		}
		args := &redis.XAddArgs{
			Stream: s.streamFor(output.Table),
			Values: values,
		}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}

		id, err := s.client.XAdd(ctx, args).Result()
		if err != nil {
			log.Errorf(s.lgprfx()+"XADD to %s failed, err: %v", args.Stream, err)
			return resourceId, err, isRetryable(err)
		}
		resourceId = id
		if s.spec.Ops.LogEventData {
			log.Infof(s.lgprfx()+"added entry %s to stream %s: %s", id, args.Stream, output.String())
		}
	}
	return resourceId, nil, false
}

func (s *Sink) Shutdown(ctx context.Context) {}

func (s *Sink) streamFor(table string) string {
	if s.prefix == "" {
		return table
	}
	return s.prefix + ":" + table
}

func (s *Sink) lgprfx() string {
	return "[xredis.sink:" + s.id + "] "
}

// isRetryable treats connection level failures as transient. Errors replied by the server,
// like a wrong key type, are not.
func isRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
