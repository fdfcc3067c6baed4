package eventsim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestEventFields(t *testing.T) {

	g, err := NewGenerator(Spec{
		Charsets: map[string]string{"digits": "0123456789"},
		Fields: []FieldSpec{
			{Path: "country", Values: []WeightedValue{{Value: "Nauru"}}},
			{Path: "code", Random: &RandomizedValue{Type: "string", Charset: "digits", Min: 4, Max: 7}},
			{Path: "name", Random: &RandomizedValue{Type: "string", Min: 3, Max: 3}},
			{Path: "qty", Random: &RandomizedValue{Type: "int", Min: 5, Max: 9}},
			{Path: "price", Random: &RandomizedValue{Type: "float", Min: 1, Max: 2, MaxFractionDigits: 3}},
			{Path: "vip", Random: &RandomizedValue{Type: "bool"}},
			{Path: "ts", Random: &RandomizedValue{Type: "isoTimestampMillis", JitterMillis: 1000}},
			{Path: "tsMicros", Random: &RandomizedValue{Type: "isoTimestampMicros"}},
			{Path: "ids.order", Random: &RandomizedValue{Type: "uuid"}},
		},
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		event, err := g.Event()
		require.NoError(t, err)
		require.True(t, gjson.ValidBytes(event), string(event))
		e := gjson.ParseBytes(event)

		assert.Equal(t, "Nauru", e.Get("country").String())
		assert.Regexp(t, `^[0-9]{4,7}$`, e.Get("code").String())
		assert.Len(t, e.Get("name").String(), 3)
		assert.GreaterOrEqual(t, e.Get("qty").Int(), int64(5))
		assert.LessOrEqual(t, e.Get("qty").Int(), int64(9))
		assert.Regexp(t, `^[12]\.[0-9]{3}$`, e.Get("price").Raw)
		assert.Contains(t, []string{"true", "false"}, e.Get("vip").Raw)

		ts, err := time.Parse(layoutIsoMillis, e.Get("ts").String())
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), ts, 2*time.Second)
		_, err = time.Parse(layoutIsoMicros, e.Get("tsMicros").String())
		assert.NoError(t, err)
		_, err = uuid.Parse(e.Get("ids.order").String())
		assert.NoError(t, err)
	}
}

func TestWeightedValues(t *testing.T) {

	g, err := NewGenerator(Spec{
		Fields: []FieldSpec{
			{Path: "kind", Values: []WeightedValue{{Value: "common", Weight: 99}, {Value: "rare", Weight: 1}, {Value: nil, Weight: 0}}},
		},
	})
	require.NoError(t, err)

	seen := make(map[string]int)
	for i := 0; i < 2000; i++ {
		event, err := g.Event()
		require.NoError(t, err)
		seen[gjson.GetBytes(event, "kind").Raw]++
	}
	assert.Greater(t, seen[`"common"`], seen[`"rare"`]+seen["null"])
	assert.Len(t, seen, 3)
}

func TestSetOfStrings(t *testing.T) {

	spec := Spec{
		Fields: []FieldSpec{
			{Path: "berryType", SetOfStrings: &SetOfStrings{Amount: 5, Prefix: "unknownBerry", Exclude: []string{"unknownBerry2"}}},
		},
	}
	g, err := NewGenerator(spec)
	require.NoError(t, err)
	assert.Nil(t, spec.Fields[0].Values, "caller's spec is left untouched")

	expected := []WeightedValue{
		{Value: "unknownBerry1", Weight: 1},
		{Value: "unknownBerry3", Weight: 1},
		{Value: "unknownBerry4", Weight: 1},
		{Value: "unknownBerry5", Weight: 1},
	}
	assert.ElementsMatch(t, expected, g.spec.Fields[0].Values)

	weighted := &SetOfStrings{Amount: 10, Prefix: "s", FrequencyMin: 2, FrequencyMax: 4}
	for _, v := range weighted.values() {
		assert.GreaterOrEqual(t, v.Weight, 2)
		assert.LessOrEqual(t, v.Weight, 4)
	}
}

func TestEventCount(t *testing.T) {

	g, err := NewGenerator(Spec{Fields: []FieldSpec{{Path: "a", Values: []WeightedValue{{Value: 1}}}}})
	require.NoError(t, err)
	assert.Equal(t, 1, g.Count(time.Now()))
	assert.Equal(t, DefaultInterval, g.Interval())

	g.spec.Count = Count{Type: CountRandom, Min: 2, Max: 4}
	for i := 0; i < 20; i++ {
		n := g.Count(time.Now())
		assert.True(t, n >= 2 && n <= 4)
	}

	g, err = NewGenerator(Spec{
		Count:  Count{Type: CountSinusoid, Min: 10, Max: 30, PeriodSeconds: 60, PeakTime: "2024-01-01T12:00:00Z"},
		Fields: []FieldSpec{{Path: "a", Values: []WeightedValue{{Value: 1}}}},
	})
	require.NoError(t, err)
	peak := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30, g.Count(peak))
	assert.Equal(t, 10, g.Count(peak.Add(30*time.Second)))
	assert.Equal(t, 20, g.Count(peak.Add(15*time.Second)))
}

func TestInvalidSpecs(t *testing.T) {

	valid := []FieldSpec{{Path: "a", Values: []WeightedValue{{Value: 1}}}}
	specs := map[string]Spec{
		"no path":         {Fields: []FieldSpec{{Values: []WeightedValue{{Value: 1}}}}},
		"no value":        {Fields: []FieldSpec{{Path: "a"}}},
		"random type":     {Fields: []FieldSpec{{Path: "a", Random: &RandomizedValue{Type: "complex"}}}},
		"min above max":   {Fields: []FieldSpec{{Path: "a", Random: &RandomizedValue{Type: "int", Min: 3, Max: 1}}}},
		"unknown charset": {Fields: []FieldSpec{{Path: "a", Random: &RandomizedValue{Type: "string", Charset: "x"}}}},
		"count type":      {Count: Count{Type: "burst"}, Fields: valid},
		"count range":     {Count: Count{Type: CountRandom, Min: 5, Max: 1}, Fields: valid},
		"period":          {Count: Count{Type: CountSinusoid, Max: 1}, Fields: valid},
		"peak time":       {Count: Count{Type: CountSinusoid, Max: 1, PeriodSeconds: 1, PeakTime: "noon"}, Fields: valid},
	}
	for name, spec := range specs {
		_, err := NewGenerator(spec)
		assert.ErrorIs(t, err, ErrInvalidSimSpec, name)
	}
}

func TestRun(t *testing.T) {

	g, err := NewGenerator(Spec{
		IntervalMillis: 1,
		Count:          Count{Type: CountRandom, Min: 2, Max: 2},
		Fields:         []FieldSpec{{Path: "a", Values: []WeightedValue{{Value: 1}}}},
	})
	require.NoError(t, err)

	var events [][]byte
	err = g.Run(context.Background(), 5, func(event []byte) error {
		events = append(events, event)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, events, 5)
	assert.JSONEq(t, `{"a": 1}`, string(events[0]))

	emitErr := errors.New("closed")
	err = g.Run(context.Background(), 0, func(event []byte) error { return emitErr })
	assert.Equal(t, emitErr, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, g.Run(ctx, 0, func(event []byte) error { return nil }))
}

func TestLoadSpec(t *testing.T) {

	path := filepath.Join(t.TempDir(), "sim.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"intervalMillis": 100,
		"count": { "type": "random", "min": 1, "max": 3 },
		"fields": [ { "path": "user", "setOfStrings": { "amount": 3, "prefix": "u" } } ]
	}`), 0o600))

	spec, err := LoadSpec(path)
	require.NoError(t, err)
	g, err := NewGenerator(spec)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, g.Interval())

	require.NoError(t, os.WriteFile(path, []byte(`{"fields": 1}`), 0o600))
	_, err = LoadSpec(path)
	assert.ErrorIs(t, err, ErrInvalidSimSpec)
}
