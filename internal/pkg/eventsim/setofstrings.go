package eventsim

import (
	"fmt"
	"slices"
)

// SetOfStrings expands into Amount weighted string values "<Prefix>1" to "<Prefix><Amount>",
// which is convenient for simulating high cardinality dimensions.
//
// If FrequencyMin and FrequencyMax form a valid range, each value gets a random weight from
// it, otherwise all values are equally likely. Values listed in Exclude are left out.
type SetOfStrings struct {
	Amount       int      `json:"amount"`
	Prefix       string   `json:"prefix"`
	FrequencyMin int      `json:"frequencyMin"`
	FrequencyMax int      `json:"frequencyMax"`
	Exclude      []string `json:"exclude,omitempty"`
}

func (s *SetOfStrings) values() []WeightedValue {
	var values []WeightedValue
	for i := 1; i <= s.Amount; i++ {
		value := fmt.Sprintf("%s%d", s.Prefix, i)
		if slices.Contains(s.Exclude, value) {
			continue
		}
		values = append(values, WeightedValue{Value: value, Weight: s.weight()})
	}
	return values
}

func (s *SetOfStrings) weight() int {
	if s.FrequencyMin < 1 || s.FrequencyMax <= s.FrequencyMin {
		return 1
	}
	return randInt(s.FrequencyMin, s.FrequencyMax)
}
