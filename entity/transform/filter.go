package transform

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/zpiroux/fnchain/entity"
)

// Filter excludes items based on the value found at Key.
//
// Values excludes the item if the value is in the list, ValuesNotIn excludes it if the value
// is not in the list. If the key does not exist, the item is excluded only if ValueIsEmpty
// is set to true.
type Filter struct {
	Key          string   `json:"key"`
	Values       []string `json:"values,omitempty"`
	ValuesNotIn  []string `json:"valuesNotIn,omitempty"`
	ValueIsEmpty *bool    `json:"valueIsEmpty,omitempty"`
}

type excludeConfig struct {
	Filters []Filter `json:"filters"`
}

func excludeEventsWith(ctx context.Context, in entity.Output, config map[string]any) (entity.ChainResult, error) {

	var c excludeConfig
	if err := decodeConfig(ExcludeEventsWith, config, &c); err != nil {
		return entity.ChainResult{}, err
	}
	for _, f := range c.Filters {
		if f.Key == "" {
			return entity.ChainResult{}, fmt.Errorf("%w: %s filter without key", ErrInvalidConfig, ExcludeEventsWith)
		}
	}

	if shouldExclude(c.Filters, in.Payload) {
		return entity.Drop(entity.DropFiltered), nil
	}
	return entity.Continue(in.Table, in.Payload), nil
}

func shouldExclude(filters []Filter, payload []byte) bool {

	for _, filter := range filters {
		v := gjson.GetBytes(payload, filter.Key)
		if !v.Exists() {
			if filter.ValueIsEmpty != nil && *filter.ValueIsEmpty {
				return true
			}
			continue
		}
		value := v.String()

		switch {
		case len(filter.Values) > 0:
			if contains(filter.Values, value) {
				return true
			}
		case len(filter.ValuesNotIn) > 0:
			if !contains(filter.ValuesNotIn, value) {
				return true
			}
		}
	}
	return false
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
