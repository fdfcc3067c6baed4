// Package eventsim generates synthetic JSON events from a simulation spec, for load testing
// and trying out destination chains without a real event source.
package eventsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

const (
	DefaultMaxFractionDigits = 2
	DefaultInterval          = 5 * time.Second
	CountRandom              = "random"
	CountSinusoid            = "sinusoid"
	layoutIsoSeconds         = "2006-01-02T15:04:05Z"
	layoutIsoMillis          = "2006-01-02T15:04:05.000Z"
	layoutIsoMicros          = "2006-01-02T15:04:05.000000Z"
)

var DefaultCharset = []rune("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

var ErrInvalidSimSpec = errors.New("invalid simulation spec")

// Spec specifies what events to generate and how many per tick.
type Spec struct {
	// IntervalMillis is the time between ticks, DefaultInterval if zero.
	IntervalMillis int `json:"intervalMillis"`

	Count  Count       `json:"count"`
	Fields []FieldSpec `json:"fields"`

	// Charsets are named character sets usable by randomized string fields.
	Charsets map[string]string `json:"charsets,omitempty"`
}

// Count specifies how many events are generated per tick.
//
// Type can be one of the following:
//
//	"random"   --> random value between Min and Max
//	"sinusoid" --> the count follows a cosine wave over time with period PeriodSeconds,
//	               ranging from Min to Max, and peaking at PeakTime (layout 2006-01-02T15:04:05Z).
//	""         --> a single event per tick
type Count struct {
	Type          string `json:"type"`
	Min           int    `json:"min"`
	Max           int    `json:"max"`
	PeriodSeconds int    `json:"periodSeconds"`
	PeakTime      string `json:"peakTime"`
}

// FieldSpec specifies how a field is generated. Exactly one of the value options is to be set.
type FieldSpec struct {
	// Path of the field in sjson syntax (see github.com/tidwall/sjson)
	Path string `json:"path"`

	Values       []WeightedValue  `json:"values,omitempty"`
	Random       *RandomizedValue `json:"random,omitempty"`
	SetOfStrings *SetOfStrings    `json:"setOfStrings,omitempty"`
}

// WeightedValue is one of many possible values of a field, chosen with a probability
// proportional to Weight (1 if zero).
type WeightedValue struct {
	Value  any `json:"value"`
	Weight int `json:"weight"`
}

// RandomizedValue generates a random value of Type, one of:
//
//	"int", "float", "string", "bool", "isoTimestampMillis", "isoTimestampMicros", "uuid"
type RandomizedValue struct {
	Type string  `json:"type"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`

	// Charset names one of Spec.Charsets for "string", DefaultCharset if empty
	Charset string `json:"charset,omitempty"`

	// MaxFractionDigits for "float", DefaultMaxFractionDigits if zero
	MaxFractionDigits int `json:"maxFractionDigits,omitempty"`

	// JitterMillis moves timestamps randomly up to this much from the current time
	JitterMillis int `json:"jitterMillis,omitempty"`
}

// Generator creates events according to a Spec. It is not safe for concurrent use.
type Generator struct {
	spec     Spec
	interval time.Duration
	peakTime time.Time
	charsets map[string][]rune
	weights  map[string]weightTable
}

type weightTable struct {
	values []any
	ends   []int // cumulative weights
}

func (w weightTable) pick() any {
	n := rand.IntN(w.ends[len(w.ends)-1])
	for i, end := range w.ends {
		if n < end {
			return w.values[i]
		}
	}
	return w.values[len(w.values)-1]
}

func LoadSpec(path string) (Spec, error) {
	var spec Spec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, err
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("%w: %v", ErrInvalidSimSpec, err)
	}
	return spec, nil
}

func NewGenerator(spec Spec) (*Generator, error) {

	spec.Fields = slices.Clone(spec.Fields)
	g := &Generator{
		spec:     spec,
		interval: time.Duration(spec.IntervalMillis) * time.Millisecond,
		charsets: map[string][]rune{"": DefaultCharset},
		weights:  make(map[string]weightTable),
	}
	if g.interval <= 0 {
		g.interval = DefaultInterval
	}
	for name, charset := range spec.Charsets {
		if charset == "" {
			return nil, fmt.Errorf("%w: charset %s is empty", ErrInvalidSimSpec, name)
		}
		g.charsets[name] = []rune(charset)
	}
	if err := g.validateCount(); err != nil {
		return nil, err
	}

	for i, f := range spec.Fields {
		if f.Path == "" {
			return nil, fmt.Errorf("%w: field #%d has no path", ErrInvalidSimSpec, i)
		}
		if f.SetOfStrings != nil {
			f.Values = f.SetOfStrings.values()
			g.spec.Fields[i] = f
		}
		switch {
		case len(f.Values) > 0:
			g.weights[f.Path] = newWeightTable(f.Values)
		case f.Random != nil:
			if err := g.validateRandom(f); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: field %s has no value option", ErrInvalidSimSpec, f.Path)
		}
	}
	return g, nil
}

func (g *Generator) validateCount() error {
	c := g.spec.Count
	switch c.Type {
	case "":
		return nil
	case CountRandom, CountSinusoid:
		g.peakTime = time.Unix(0, 0)
	default:
		return fmt.Errorf("%w: unknown count type %s", ErrInvalidSimSpec, c.Type)
	}
	if c.Min < 0 || c.Min > c.Max {
		return fmt.Errorf("%w: count min and max must satisfy 0 <= min <= max", ErrInvalidSimSpec)
	}
	if c.Type == CountSinusoid {
		if c.PeriodSeconds <= 0 {
			return fmt.Errorf("%w: periodSeconds must be positive", ErrInvalidSimSpec)
		}
		if c.PeakTime != "" {
			t, err := time.Parse(layoutIsoSeconds, c.PeakTime)
			if err != nil {
				return fmt.Errorf("%w: peakTime: %v", ErrInvalidSimSpec, err)
			}
			g.peakTime = t
		}
	}
	return nil
}

func (g *Generator) validateRandom(f FieldSpec) error {
	r := f.Random
	switch r.Type {
	case "int", "float", "string":
		if r.Min > r.Max {
			return fmt.Errorf("%w: field %s has min above max", ErrInvalidSimSpec, f.Path)
		}
		if r.Type == "string" {
			if _, ok := g.charsets[r.Charset]; !ok {
				return fmt.Errorf("%w: field %s uses unknown charset %s", ErrInvalidSimSpec, f.Path, r.Charset)
			}
		}
	case "bool", "isoTimestampMillis", "isoTimestampMicros", "uuid":
	default:
		return fmt.Errorf("%w: field %s has unsupported random type %s", ErrInvalidSimSpec, f.Path, r.Type)
	}
	return nil
}

func newWeightTable(values []WeightedValue) weightTable {
	var w weightTable
	sum := 0
	for _, v := range values {
		weight := v.Weight
		if weight <= 0 {
			weight = 1
		}
		sum += weight
		w.values = append(w.values, v.Value)
		w.ends = append(w.ends, sum)
	}
	return w
}

// Interval is the time between ticks in Run.
func (g *Generator) Interval() time.Duration {
	return g.interval
}

// Count returns how many events to generate at the given time.
func (g *Generator) Count(now time.Time) int {
	c := g.spec.Count
	switch c.Type {
	case CountRandom:
		return randInt(c.Min, c.Max)
	case CountSinusoid:
		period := float64(c.PeriodSeconds)
		phase := math.Mod(float64(now.Unix()-g.peakTime.Unix()), period) / period
		value := (math.Cos(phase*2*math.Pi)+1)/2*float64(c.Max-c.Min) + float64(c.Min)
		return int(math.Round(value))
	}
	return 1
}

// Event generates a single event.
func (g *Generator) Event() ([]byte, error) {
	event := []byte("{}")
	for _, f := range g.spec.Fields {
		var (
			value any
			err   error
		)
		if w, ok := g.weights[f.Path]; ok {
			value = w.pick()
		} else {
			value = g.random(f.Random)
		}
		if event, err = sjson.SetBytes(event, f.Path, value); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Path, err)
		}
	}
	return event, nil
}

// Run generates Count events per tick and hands each to emit, until ctx is done, emit
// fails or limit events have been emitted (no limit if zero).
func (g *Generator) Run(ctx context.Context, limit int, emit func(event []byte) error) error {

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	emitted := 0
	for {
		for n := g.Count(time.Now()); n > 0; n-- {
			event, err := g.Event()
			if err != nil {
				return err
			}
			if err := emit(event); err != nil {
				return err
			}
			emitted++
			if limit > 0 && emitted >= limit {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (g *Generator) random(r *RandomizedValue) any {
	switch r.Type {
	case "int":
		return randInt(int(r.Min), int(r.Max))
	case "float":
		digits := r.MaxFractionDigits
		if digits <= 0 {
			digits = DefaultMaxFractionDigits
		}
		return randFloat(r.Min, r.Max, digits)
	case "string":
		return randString(int(r.Min), int(r.Max), g.charsets[r.Charset])
	case "bool":
		return rand.IntN(2) == 0
	case "isoTimestampMillis":
		return timeWithJitter(r.JitterMillis).Format(layoutIsoMillis)
	case "isoTimestampMicros":
		return timeWithJitter(r.JitterMillis).Format(layoutIsoMicros)
	}
	return uuid.NewString()
}

// randInt returns a random int in [min, max]
func randInt(min, max int) int {
	return rand.IntN(max+1-min) + min
}

// randFloat is returned as a json.Number to keep exactly the requested fraction digits
// when set with sjson.
func randFloat(min, max float64, fractionDigits int) json.Number {
	return json.Number(fmt.Sprintf("%.*f", fractionDigits, min+rand.Float64()*(max-min)))
}

func randString(min, max int, charset []rune) string {
	var sb strings.Builder
	for i := randInt(min, max); i > 0; i-- {
		sb.WriteRune(charset[rand.IntN(len(charset))])
	}
	return sb.String()
}

func timeWithJitter(jitterMillis int) time.Time {
	now := time.Now().UTC()
	if jitterMillis <= 0 {
		return now
	}
	jitter := int64(jitterMillis) * int64(time.Millisecond)
	return now.Add(time.Duration(rand.Int64N(2*jitter) - jitter))
}
