package ifnchain

import (
	"context"

	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/internal/pkg/admin"
)

// Registry holds the destination and function specs. Changes are announced to subscribers
// as admin events.
type Registry interface {
	FunctionResolver

	PutDestination(ctx context.Context, specData []byte) (*entity.DestinationSpec, error)
	PutFunction(ctx context.Context, specData []byte) (*entity.FunctionSpec, error)
	DeleteDestination(ctx context.Context, id string) error
	DeleteFunction(ctx context.Context, id string) error

	Destination(id string) (*entity.DestinationSpec, error)
	Destinations() []*entity.DestinationSpec
	FunctionSpec(id string) (*entity.FunctionSpec, error)

	Subscribe(handler func(ctx context.Context, event admin.Event))
}
