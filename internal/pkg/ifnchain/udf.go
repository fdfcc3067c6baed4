package ifnchain

import (
	"context"

	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/internal/pkg/supervisor"
)

// Function is a registered UDF ready to run: its spec plus the module source assembled
// from its code, variables and included libraries.
type Function struct {
	Spec *entity.FunctionSpec
	Code []byte
	Hash string
}

// FunctionResolver finds the runnable form of a UDF by its id.
type FunctionResolver interface {
	Function(id string) (*Function, error)
}

// UDFRunner executes exported functions of sandboxed modules.
type UDFRunner interface {
	Execute(ctx context.Context, code []byte, function string, args ...any) (supervisor.Result, error)
	Describe(ctx context.Context, code []byte) (entity.SymbolDescriptor, []entity.LogEntry, error)
	Evict(hash string)
}
