package ifnchain

import (
	"context"

	"github.com/zpiroux/fnchain/entity"
)

type SinkFactory interface {
	CreateSink(ctx context.Context, spec *entity.DestinationSpec, instanceId string, notifyChan entity.NotifyChan) (entity.Sink, error)
	SinkTypes() []string
	Close() error
}
