package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zpiroux/fnchain/entity"
)

// Field types supported by extractFields
const (
	TypeString        = "string"
	TypeBool          = "bool"
	TypeInt           = "int"
	TypeFloat         = "float"
	TypeIsoTimestamp  = "isoTimestamp"
	TypeUnixTimestamp = "unixTimestamp"
	TypeUserAgent     = "userAgent"
)

// Field maps the value at JsonPath into the output field Id. An empty JsonPath takes the
// whole input payload, as a string if Type is "string".
type Field struct {
	Id       string `json:"id"`
	JsonPath string `json:"jsonPath,omitempty"`
	Type     string `json:"type,omitempty"`
}

type extractFieldsConfig struct {
	Table  string  `json:"table,omitempty"`
	Fields []Field `json:"fields"`
}

func extractFields(ctx context.Context, in entity.Output, config map[string]any) (entity.ChainResult, error) {

	var c extractFieldsConfig
	if err := decodeConfig(ExtractFields, config, &c); err != nil {
		return entity.ChainResult{}, err
	}
	if len(c.Fields) == 0 {
		return entity.ChainResult{}, fmt.Errorf("%w: %s requires at least one field", ErrInvalidConfig, ExtractFields)
	}

	out := make(map[string]any, len(c.Fields))
	for _, field := range c.Fields {
		if field.Id == "" {
			return entity.ChainResult{}, fmt.Errorf("%w: %s field without id", ErrInvalidConfig, ExtractFields)
		}
		if field.JsonPath == "" {
			if field.Type == TypeString {
				out[field.Id] = string(in.Payload)
			} else {
				out[field.Id] = json.RawMessage(in.Payload)
			}
			continue
		}
		value, err := convert(field.Type, gjson.GetBytes(in.Payload, field.JsonPath))
		if err != nil {
			return entity.ChainResult{}, fmt.Errorf("%s: field %s: %w", ExtractFields, field.Id, err)
		}
		out[field.Id] = value
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return entity.ChainResult{}, err
	}
	return entity.Continue(tableOr(c.Table, in), payload), nil
}

func convert(fieldType string, value gjson.Result) (any, error) {
	switch fieldType {
	case TypeBool, "boolean":
		return value.Bool(), nil
	case TypeInt, "integer":
		return value.Int(), nil
	case TypeFloat:
		return value.Float(), nil
	case TypeIsoTimestamp:
		return value.Time(), nil
	case TypeUnixTimestamp:
		return millisToTime(value.Int()), nil
	case TypeUserAgent:
		return ParseUserAgent(value.String())
	case TypeString, "":
		return value.String(), nil
	default:
		return nil, fmt.Errorf("%w: unknown field type %q", ErrInvalidConfig, fieldType)
	}
}

func millisToTime(millis int64) time.Time {
	return time.UnixMilli(millis).UTC()
}

// itemsConfig selects the array to fan out. If IdFields is set, items without any of the
// id fields are skipped and the joined id is written to IdTarget.
type itemsConfig struct {
	Table     string   `json:"table,omitempty"`
	JsonPath  string   `json:"jsonPath"`
	IdFields  []string `json:"idFields,omitempty"`
	Delimiter string   `json:"delimiter,omitempty"`
	IdTarget  string   `json:"idTarget,omitempty"`
}

func extractItemsFromArray(ctx context.Context, in entity.Output, config map[string]any) (entity.ChainResult, error) {

	var c itemsConfig
	if err := decodeConfig(ExtractItemsFromArray, config, &c); err != nil {
		return entity.ChainResult{}, err
	}
	if c.JsonPath == "" {
		return entity.ChainResult{}, fmt.Errorf("%w: %s requires jsonPath", ErrInvalidConfig, ExtractItemsFromArray)
	}

	array := gjson.GetBytes(in.Payload, c.JsonPath)
	if !array.IsArray() {
		return entity.Drop(entity.DropFiltered), nil
	}

	result := entity.Continue(tableOr(c.Table, in))
	var err error
	array.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		payload := []byte(item.Raw)
		if len(c.IdFields) > 0 {
			id := itemId(item, c.IdFields, c.Delimiter)
			if id == "" {
				return true
			}
			if c.IdTarget != "" {
				if payload, err = setValue(payload, c.IdTarget, id); err != nil {
					return false
				}
			}
		}
		result.Payloads = append(result.Payloads, payload)
		return true
	})
	if err != nil {
		return entity.ChainResult{}, err
	}
	if len(result.Payloads) == 0 {
		return entity.Drop(entity.DropFiltered), nil
	}
	return result, nil
}

func itemId(item gjson.Result, fields []string, delimiter string) string {
	var parts []string
	for _, field := range fields {
		if v := item.Get(field); v.Exists() && v.String() != "" {
			parts = append(parts, v.String())
		}
	}
	return strings.Join(parts, delimiter)
}
