package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"
)

// General Ops defaults
const (
	DefaultMaxLoadRetries = 5
	DefaultBatchSize      = 500
	DefaultBatchBytes     = 5000000
	DefaultBatchTimeoutMs = 1000
	DefaultQueueSize      = 10000
)

var (
	ErrNoSpecData      = errors.New("no spec data provided")
	ErrInvalidStep     = errors.New("invalid chain step")
	ErrInvalidFunction = errors.New("invalid function spec")
)

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// DestinationSpec specifies how events should be processed for a single destination, i.e.
// which chain of functions to run and which sink the chain outputs should be loaded into.
// Specs are registered and updated in the registry, keyed on Id. To succeed with an upgrade
// of an existing spec the version number needs to be incremented.
type DestinationSpec struct {
	// Main metadata (required)
	Id          string `json:"id"`
	Description string `json:"description"`
	Version     int    `json:"version"`

	// Operational config (optional)
	Disabled bool `json:"disabled"`
	Ops      Ops  `json:"ops"`

	// Synchronous destinations are loaded inline and the caller of ProcessEvent waits for the
	// sink outcome. Other destinations get their outputs queued and loaded in batches.
	Synchronous bool `json:"synchronous"`

	// DefaultTable is the table name the first step sees as input. Built-in steps keep the
	// table from the previous step unless they set one.
	DefaultTable string `json:"defaultTable,omitempty"`

	// Chain is the ordered list of functions each event is run through (required)
	Chain []Step `json:"chain"`

	Sink SinkSpec `json:"sink"`
}

// NewDestinationSpec creates a new DestinationSpec from JSON and validates it both against the
// JSON schema and semantically.
func NewDestinationSpec(specData []byte) (*DestinationSpec, error) {
	var spec DestinationSpec
	if len(specData) == 0 {
		return nil, ErrNoSpecData
	}

	if err := validateRawJson(destinationSchema, specData); err != nil {
		return nil, err
	}

	err := json.Unmarshal(specData, &spec)
	if err == nil {
		spec.EnsureValidDefaults()
		err = spec.Validate()
	}
	return &spec, err
}

func (s *DestinationSpec) IsDisabled() bool {
	return s.Disabled
}

func (s *DestinationSpec) EnsureValidDefaults() {
	s.Ops.EnsureValidDefaults()
}

// Validate checks constraints not expressible in the JSON schema.
func (s *DestinationSpec) Validate() error {
	for i, step := range s.Chain {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("destination %s, step #%d: %w", s.Id, i, err)
		}
	}
	return nil
}

func (s *DestinationSpec) JSON() []byte {
	specData, _ := json.Marshal(s)
	return specData
}

type Ops struct {
	// MaxLoadRetries specifies how many times a load of chain outputs into the sink should be retried,
	// if the sink reports the error as retryable.
	// If omitted it is set to DefaultMaxLoadRetries.
	MaxLoadRetries int `json:"maxLoadRetries"`

	// BatchSize is the maximum number of outputs sent in a single sink load for asynchronous destinations.
	// If omitted it is set to DefaultBatchSize
	BatchSize int `json:"batchSize,omitempty"`

	// BatchBytes closes the batch when reached regardless of number of outputs in it.
	// If omitted it is set to DefaultBatchBytes
	BatchBytes int `json:"batchBytes,omitempty"`

	// BatchTimeoutMs is the maximum time to wait for the batch to fill up.
	// If omitted it is set to DefaultBatchTimeoutMs
	BatchTimeoutMs int `json:"batchTimeoutMs,omitempty"`

	// QueueSize is the capacity of the asynchronous output queue. When full, ProcessEvent blocks
	// until there is space, or its context is done.
	QueueSize int `json:"queueSize,omitempty"`

	// LogEventData enables event level debug logging for a single destination without redeploying.
	LogEventData bool `json:"logEventData"`

	// CustomProperties can be used to configure custom sinks or hook logic.
	CustomProperties map[string]string `json:"customProperties"`
}

func (o *Ops) EnsureValidDefaults() {
	if o.MaxLoadRetries <= 0 {
		o.MaxLoadRetries = DefaultMaxLoadRetries
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchBytes <= 0 {
		o.BatchBytes = DefaultBatchBytes
	}
	if o.BatchTimeoutMs <= 0 {
		o.BatchTimeoutMs = DefaultBatchTimeoutMs
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
}

// SinkSpec specifies the sink of a destination
type SinkSpec struct {
	// Type specifies the sink type, matching the id of a registered SinkFactory,
	// e.g. "void", "kafka", "pubsub", "bigquery" or "redis".
	Type EntityType `json:"type"`

	Config *SinkConfig `json:"config,omitempty"`
}

type SinkConfig struct {
	// Topic is used by Kafka and Pubsub sinks. If empty the topic is TopicPrefix + output table.
	Topic       string `json:"topic,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty"`

	// Dataset is used by the BigQuery sink. The output table is the BigQuery table name.
	Dataset string `json:"dataset,omitempty"`

	// StreamPrefix is used by the Redis sink, giving stream keys StreamPrefix:table.
	StreamPrefix string `json:"streamPrefix,omitempty"`

	// Direct low-level entity properties like Kafka producer props
	Properties []Property `json:"properties,omitempty"`

	// CustomConfig can be used by custom sinks for options not explicitly provided here
	CustomConfig any `json:"customConfig,omitempty"`
}

type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FunctionSpec holds author supplied code, either a runnable UDF or a library snippet
// that other functions include.
type FunctionSpec struct {
	Id          string       `json:"id"`
	Description string       `json:"description,omitempty"`
	Version     int          `json:"version"`
	Kind        FunctionKind `json:"kind,omitempty"`

	// Handler is the exported function to call. The default export is used if empty.
	Handler string `json:"handler,omitempty"`

	Code string `json:"code"`

	// Variables are injected as constants ahead of the code.
	Variables map[string]any `json:"variables,omitempty"`

	// Includes are ids of library function specs, added ahead of the code in the given order.
	Includes []string `json:"includes,omitempty"`
}

type FunctionKind string

const (
	FunctionKindFunction FunctionKind = "function"
	FunctionKindLibrary  FunctionKind = "library"
)

func NewFunctionSpec(specData []byte) (*FunctionSpec, error) {
	var spec FunctionSpec
	if len(specData) == 0 {
		return nil, ErrNoSpecData
	}

	if err := validateRawJson(functionSchema, specData); err != nil {
		return nil, err
	}

	err := json.Unmarshal(specData, &spec)
	if err == nil {
		if spec.Kind == "" {
			spec.Kind = FunctionKindFunction
		}
		err = spec.Validate()
	}
	return &spec, err
}

func (f *FunctionSpec) Validate() error {
	for name := range f.Variables {
		if !identifier.MatchString(name) {
			return fmt.Errorf("%w: variable name %q is not a valid identifier", ErrInvalidFunction, name)
		}
	}
	if f.Handler != "" && !identifier.MatchString(f.Handler) {
		return fmt.Errorf("%w: handler %q is not a valid identifier", ErrInvalidFunction, f.Handler)
	}
	if f.Kind == FunctionKindLibrary && len(f.Includes) > 0 {
		return fmt.Errorf("%w: libraries cannot include other libraries", ErrInvalidFunction)
	}
	return nil
}

// IsIdentifier reports if s can be used as a variable name in function code.
func IsIdentifier(s string) bool {
	return identifier.MatchString(s)
}

func validateRawJson(schema, specData []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(specData)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		specErrors := ""
		for _, desc := range result.Errors() {
			specErrors += " - " + desc.String()
		}
		err = errors.New(specErrors)
	}
	return err
}

var destinationSchema = []byte(`
{
  "$schema": "http://json-schema.org/draft-07/schema",
  "type": "object",
  "required": [
    "id",
    "version",
    "description",
    "chain",
    "sink"
  ],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "integer"
    },
    "description": {
      "type": "string",
      "minLength": 1
    },
    "disabled": {
      "type": "boolean"
    },
    "synchronous": {
      "type": "boolean"
    },
    "defaultTable": {
      "type": "string"
    },
    "ops": {
      "type": "object",
      "properties": {
        "maxLoadRetries": {
          "type": "integer"
        },
        "batchSize": {
          "type": "integer"
        },
        "batchBytes": {
          "type": "integer"
        },
        "batchTimeoutMs": {
          "type": "integer"
        },
        "queueSize": {
          "type": "integer"
        },
        "logEventData": {
          "type": "boolean"
        },
        "customProperties": {
          "anyOf": [
            {
              "type": "object",
              "additionalProperties": {
                "type": "string"
              }
            },
            {
              "type": "null"
            }
          ]
        }
      },
      "additionalProperties": false
    },
    "chain": {
      "type": "array",
      "items": {
        "type": "object",
        "required": [
          "kind",
          "ref"
        ],
        "properties": {
          "kind": {
            "type": "string",
            "enum": [
              "builtin",
              "udf"
            ]
          },
          "ref": {
            "type": "string",
            "minLength": 1
          },
          "config": {
            "type": "object"
          }
        },
        "additionalProperties": false
      }
    },
    "sink": {
      "type": "object",
      "required": [
        "type"
      ],
      "properties": {
        "type": {
          "type": "string",
          "minLength": 1
        }
      }
    }
  },
  "additionalProperties": false
}
`)

var functionSchema = []byte(`
{
  "$schema": "http://json-schema.org/draft-07/schema",
  "type": "object",
  "required": [
    "id",
    "version",
    "code"
  ],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "description": {
      "type": "string"
    },
    "version": {
      "type": "integer"
    },
    "kind": {
      "type": "string",
      "enum": [
        "function",
        "library"
      ]
    },
    "handler": {
      "type": "string"
    },
    "code": {
      "type": "string",
      "minLength": 1
    },
    "variables": {
      "type": "object"
    },
    "includes": {
      "type": "array",
      "items": {
        "type": "string",
        "minLength": 1
      }
    }
  },
  "additionalProperties": false
}
`)
