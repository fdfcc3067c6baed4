package fnchain

import (
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/entity/transform"
	"github.com/zpiroux/fnchain/internal/service"
)

const (
	defaultEventLogInterval    = 10000
	defaultNotifyChanSize      = 256
	defaultMaxLoadRetryBackoff = 240 * time.Second
)

// Config needs to be created with NewConfig() and filled in with config as applicable
// for the intended setup, and provided in the call to fnchain.New().
// All config fields are optional. See individual struct types for documentation.
type Config struct {
	Ops     OpsConfig
	Hooks   HookConfig
	Sandbox SandboxConfig
	Sinks   SinksConfig

	// Custom sink types and built-in functions are added to the config with
	// Config.RegisterSinkType() and Config.RegisterBuiltin().
	sinks    entity.SinkFactories
	builtins map[string]transform.Func
}

// OpsConfig provide options for observability and resilience.
type OpsConfig struct {

	// The maximum interval used by the executors during exponential backoff when
	// retrying sink loads that failed with errors set as retryable.
	MaxLoadRetryInterval time.Duration

	// Size of the notification channel buffer
	NotifyChanSize int

	// If set to true native logging will be used (debug, info, warn, and error logs).
	// If set to false (default) no standard logging will be done, but the same type of
	// information will be provided on the notification channel, accessible with fnchain.NotifyChannel().
	Log bool

	// The interval used for providing metric updates on number of events processed.
	EventLogInterval int

	// Publishers is the number of events that can be processed concurrently through Publish().
	Publishers int
}

// HookConfig enables a fnchain client to inject custom logic to the event processing, such as
// enrichment, deduplication, and filtering, before and after the chain of each destination.
type HookConfig struct {
	PreChainHookFunc  entity.PreChainHookFunc
	PostChainHookFunc entity.PostChainHookFunc
}

// SandboxConfig specifies how user defined functions are run.
type SandboxConfig struct {

	// WorkerCommand is the command line starting a sandbox worker process, normally
	// {"<path to fnchain binary>", "worker"}. If empty, workers run inside this process.
	WorkerCommand []string

	// WorkerEnv is the complete environment of worker processes (empty if nil).
	WorkerEnv []string

	// CallTimeout bounds the wait for a single function call. A worker missing it is replaced.
	CallTimeout time.Duration

	// ExecTimeout bounds execution of user code inside the worker.
	ExecTimeout time.Duration

	// IdleTimeout is how long an unused worker is kept alive.
	IdleTimeout time.Duration

	// Registerer gets the sandbox metrics, e.g. prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// SinksConfig holds deployment level config for the native sink types. A native sink type
// is only available to destination specs if its client (or Kafka bootstrap servers) is set.
type SinksConfig struct {
	Kafka    KafkaConfig
	Pubsub   *pubsub.Client
	BigQuery *bigquery.Client
	Redis    redis.UniversalClient
}

type KafkaConfig struct {
	BootstrapServers  string
	SaslUsername      string
	SaslPassword      string
	CreateTopics      bool
	NumPartitions     int
	ReplicationFactor int

	// Props are producer properties applied to all Kafka sinks, overridable per destination
	Props map[string]any
}

// NewConfig returns an initialized Config struct, required for fnchain.New().
// With this config applicable sink types and built-ins should be registered
// before calling fnchain.New().
func NewConfig() *Config {
	return &Config{
		Ops: OpsConfig{
			EventLogInterval:     defaultEventLogInterval,
			MaxLoadRetryInterval: defaultMaxLoadRetryBackoff,
			NotifyChanSize:       defaultNotifyChanSize,
		},
		sinks:    make(entity.SinkFactories),
		builtins: make(map[string]transform.Func),
	}
}

// RegisterSinkType is used to prepare config for fnchain to make this particular
// sink type available for destination specs to use. This can only be done after
// a fnchain.NewConfig() and prior to creating fnchain with fnchain.New().
func (c *Config) RegisterSinkType(sinkFactory entity.SinkFactory) error {
	if _, ok := entity.ReservedEntityNames[sinkFactory.SinkId()]; ok {
		return ErrInvalidEntityId
	}
	c.sinks[sinkFactory.SinkId()] = sinkFactory
	return nil
}

// RegisterBuiltin adds a custom built-in function, usable in destination chains as
// {"kind": "builtin", "ref": name}. A native built-in with the same name is replaced.
func (c *Config) RegisterBuiltin(name string, fn transform.Func) error {
	if !entity.IsIdentifier(name) || fn == nil {
		return ErrInvalidBuiltin
	}
	c.builtins[name] = fn
	return nil
}

func preProcessConfig(config *Config, notifyChan entity.NotifyChan) service.Config {

	var c service.Config

	c.Engine.NotifyChan = notifyChan
	c.Engine.Log = config.Ops.Log
	c.Engine.EventLogInterval = config.Ops.EventLogInterval
	c.Engine.MaxLoadRetryBackoff = config.Ops.MaxLoadRetryInterval
	c.Engine.PreChainHookFunc = config.Hooks.PreChainHookFunc
	c.Engine.PostChainHookFunc = config.Hooks.PostChainHookFunc
	c.Publishers = config.Ops.Publishers

	c.WorkerCommand = config.Sandbox.WorkerCommand
	c.WorkerEnv = config.Sandbox.WorkerEnv
	c.Supervisor.CallTimeout = config.Sandbox.CallTimeout
	c.Supervisor.IdleTimeout = config.Sandbox.IdleTimeout
	c.Supervisor.Registerer = config.Sandbox.Registerer
	c.Sandbox.ExecTimeout = config.Sandbox.ExecTimeout

	k := config.Sinks.Kafka
	c.Entity.Kafka.BootstrapServers = k.BootstrapServers
	c.Entity.Kafka.SaslUsername = k.SaslUsername
	c.Entity.Kafka.SaslPassword = k.SaslPassword
	c.Entity.Kafka.CreateTopics = k.CreateTopics
	c.Entity.Kafka.NumPartitions = k.NumPartitions
	c.Entity.Kafka.ReplicationFactor = k.ReplicationFactor
	c.Entity.Kafka.Props = k.Props

	// Typed nil clients must not end up as non-nil interfaces
	if config.Sinks.Pubsub != nil {
		c.Entity.Pubsub.Client = config.Sinks.Pubsub
	}
	if config.Sinks.BigQuery != nil {
		c.Entity.BigQuery.Client = config.Sinks.BigQuery
	}
	if config.Sinks.Redis != nil {
		c.Entity.Redis.Client = config.Sinks.Redis
	}

	c.Entity.Sinks = config.sinks
	c.Builtins = config.builtins
	return c
}
