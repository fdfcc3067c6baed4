package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/pkg/fault"
)

const (
	OnInvalidDrop  = "drop"
	OnInvalidFault = "fault"
)

type schemaConfig struct {
	Schema    json.RawMessage `json:"schema"`
	OnInvalid string          `json:"onInvalid,omitempty"`
}

// Compiled schemas, keyed on their JSON text.
var schemas sync.Map

func validateSchema(ctx context.Context, in entity.Output, config map[string]any) (entity.ChainResult, error) {

	var c schemaConfig
	if err := decodeConfig(ValidateSchema, config, &c); err != nil {
		return entity.ChainResult{}, err
	}
	if len(c.Schema) == 0 {
		return entity.ChainResult{}, fmt.Errorf("%w: %s requires schema", ErrInvalidConfig, ValidateSchema)
	}
	switch c.OnInvalid {
	case "":
		c.OnInvalid = OnInvalidDrop
	case OnInvalidDrop, OnInvalidFault:
	default:
		return entity.ChainResult{}, fmt.Errorf("%w: onInvalid must be %q or %q", ErrInvalidConfig, OnInvalidDrop, OnInvalidFault)
	}

	schema, err := compiledSchema(c.Schema)
	if err != nil {
		return entity.ChainResult{}, err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(in.Payload))
	if err != nil {
		return entity.ChainResult{}, fmt.Errorf("%s: %w", ValidateSchema, err)
	}
	if result.Valid() {
		return entity.Continue(in.Table, in.Payload), nil
	}

	if c.OnInvalid == OnInvalidDrop {
		return entity.Drop(entity.DropFiltered), nil
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return entity.ChainResult{}, &fault.Generic{Message: "payload does not match schema: " + strings.Join(details, "; ")}
}

func compiledSchema(raw json.RawMessage) (*gojsonschema.Schema, error) {
	key := string(raw)
	if s, ok := schemas.Load(key); ok {
		return s.(*gojsonschema.Schema), nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s schema: %v", ErrInvalidConfig, ValidateSchema, err)
	}
	schemas.Store(key, s)
	return s, nil
}
