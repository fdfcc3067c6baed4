package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/zpiroux/fnchain/entity"
)

// setFieldConfig sets Path to Value, or to the value found at FromPath. If FromPath does not
// exist in the payload it is left as is.
type setFieldConfig struct {
	Path     string          `json:"path"`
	Value    json.RawMessage `json:"value,omitempty"`
	FromPath string          `json:"fromPath,omitempty"`
}

func setField(ctx context.Context, in entity.Output, config map[string]any) (entity.ChainResult, error) {

	var c setFieldConfig
	if err := decodeConfig(SetField, config, &c); err != nil {
		return entity.ChainResult{}, err
	}
	if c.Path == "" || (c.FromPath == "" && len(c.Value) == 0) {
		return entity.ChainResult{}, fmt.Errorf("%w: %s requires path and one of value or fromPath", ErrInvalidConfig, SetField)
	}

	raw := []byte(c.Value)
	if c.FromPath != "" {
		v := gjson.GetBytes(in.Payload, c.FromPath)
		if !v.Exists() {
			return entity.Continue(in.Table, in.Payload), nil
		}
		raw = []byte(v.Raw)
	}

	payload, err := setRaw(in.Payload, c.Path, raw)
	if err != nil {
		return entity.ChainResult{}, fmt.Errorf("%s: %w", SetField, err)
	}
	return entity.Continue(in.Table, payload), nil
}

// setTableConfig routes to Table, or to the table named by the value at FromPath.
type setTableConfig struct {
	Table    string `json:"table,omitempty"`
	FromPath string `json:"fromPath,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

func setTable(ctx context.Context, in entity.Output, config map[string]any) (entity.ChainResult, error) {

	var c setTableConfig
	if err := decodeConfig(SetTable, config, &c); err != nil {
		return entity.ChainResult{}, err
	}

	table := c.Table
	if c.FromPath != "" {
		table = gjson.GetBytes(in.Payload, c.FromPath).String()
	}
	if table == "" {
		return entity.Drop(entity.DropEmpty), nil
	}
	return entity.Continue(c.Prefix+table, in.Payload), nil
}

func setValue(payload []byte, path string, value any) ([]byte, error) {
	return sjson.SetBytes(copyBytes(payload), path, value)
}

func setRaw(payload []byte, path string, raw []byte) ([]byte, error) {
	return sjson.SetRawBytes(copyBytes(payload), path, raw)
}

// copyBytes keeps sjson from writing into the caller's payload.
func copyBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
