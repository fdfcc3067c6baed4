package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/teltech/logger"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/entity/transform"
	"github.com/zpiroux/fnchain/internal/pkg/assembly"
	"github.com/zpiroux/fnchain/internal/pkg/engine"
	"github.com/zpiroux/fnchain/internal/pkg/entity/channel"
	"github.com/zpiroux/fnchain/internal/pkg/registry"
	"github.com/zpiroux/fnchain/internal/pkg/sandbox"
	"github.com/zpiroux/fnchain/internal/pkg/supervisor"
)

var log *logger.Log

func init() {
	log = logger.New()
}

const defaultPublishers = 8

// Service is responsible for creating and injecting concrete implementations of the various
// parts required by fnchain to function.
type Service struct {
	config      Config
	builtins    *transform.Registry
	registry    *registry.Registry
	supervisor  *supervisor.Supervisor
	sinkFactory *assembly.SinkFactory
	dispatcher  *engine.Dispatcher
	source      *channel.Source

	ready     sync.WaitGroup
	readyOnce sync.Once
}

type Config struct {
	Engine     engine.Config
	Entity     assembly.Config
	Supervisor supervisor.Config
	Sandbox    sandbox.Config

	// WorkerCommand runs each sandbox worker as a child process, e.g. {"/usr/local/bin/fnchain", "worker"}.
	// If empty, workers run in-process.
	WorkerCommand []string

	// WorkerEnv is the environment of worker processes, empty if nil.
	WorkerEnv []string `json:"-"`

	// Builtins are custom built-in functions, in addition to the native ones
	Builtins map[string]transform.Func `json:"-"`

	// Publishers is the number of concurrent loops serving Publish, default 8
	Publishers int
}

func (c Config) Close() {
	if err := c.Entity.Close(); err != nil {
		log.Errorf("error closing sink factories: %v", err)
	}
}

func New(ctx context.Context, cfg Config) (*Service, error) {

	s := &Service{}
	s.ready.Add(1)

	if err := s.initConfig(cfg); err != nil {
		return s, err
	}
	s.initSupervisor()
	s.initRegistry()
	if err := s.initDispatcher(ctx); err != nil {
		return s, err
	}
	s.source = channel.NewSource(string(entity.EntityFnchainApi))
	return s, nil
}

func (s *Service) initConfig(config Config) error {

	s.config = config
	if s.config.Publishers <= 0 {
		s.config.Publishers = defaultPublishers
	}

	s.builtins = transform.NewRegistry()
	for name, fn := range config.Builtins {
		if err := s.builtins.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) initSupervisor() {

	var launcher supervisor.Launcher
	if len(s.config.WorkerCommand) > 0 {
		launcher = &supervisor.ProcessLauncher{
			Command:     s.config.WorkerCommand,
			Env:         s.config.WorkerEnv,
			ExecTimeout: s.config.Sandbox.ExecTimeout,
		}
	} else {
		launcher = &supervisor.InProcessLauncher{Config: s.config.Sandbox}
	}
	s.supervisor = supervisor.New(s.config.Supervisor, launcher)
}

func (s *Service) initRegistry() {
	s.registry = registry.New(s.builtins, s.config.Engine.NotifyChan, s.config.Engine.Log)
}

func (s *Service) initDispatcher(ctx context.Context) error {
	s.sinkFactory = assembly.NewSinkFactory(s.config.Entity)
	s.dispatcher = engine.NewDispatcher(s.config.Engine, s.builtins, s.supervisor, s.sinkFactory, s.registry)
	return s.dispatcher.Init(ctx)
}

// Run starts the sandbox supervisor, the destination executors and the publishing loops,
// and blocks until ctx is done or the service is shut down.
func (s *Service) Run(ctx context.Context) error {

	go s.supervisor.Run(ctx)
	for i := 0; i < s.config.Publishers; i++ {
		go s.source.Run(ctx, s.dispatcher.ProcessEvent)
	}

	var dispatcherReady sync.WaitGroup
	dispatcherReady.Add(1)
	go func() {
		dispatcherReady.Wait()
		s.setReady()
	}()
	return s.dispatcher.Run(ctx, &dispatcherReady)
}

// AwaitReady blocks until Run has deployed all executors.
func (s *Service) AwaitReady() {
	s.ready.Wait()
}

func (s *Service) setReady() {
	s.readyOnce.Do(s.ready.Done)
}

func (s *Service) Shutdown(ctx context.Context) error {
	s.source.Close()
	s.dispatcher.Shutdown(ctx)
	err := s.supervisor.Shutdown(ctx)
	s.config.Close()
	s.setReady()
	return err
}

func (s *Service) Publish(ctx context.Context, event entity.Event) (entity.EventProcessingResult, error) {
	return s.source.Publish(ctx, event)
}

func (s *Service) Transform(ctx context.Context, event entity.Event, steps []entity.Step) (*entity.DestinationResult, error) {
	return s.dispatcher.Transform(ctx, event, steps)
}

func (s *Service) Describe(ctx context.Context, functionId string) (entity.SymbolDescriptor, []entity.LogEntry, error) {
	f, err := s.registry.Function(functionId)
	if err != nil {
		return nil, nil, err
	}
	return s.supervisor.Describe(ctx, f.Code)
}

func (s *Service) Registry() *registry.Registry {
	return s.registry
}

func (s *Service) Supervisor() *supervisor.Supervisor {
	return s.supervisor
}

func (s *Service) Builtins() []string {
	return s.builtins.Names()
}

func (s *Service) SinkTypes() []string {
	return s.sinkFactory.SinkTypes()
}

func (s *Service) Metrics() map[string]entity.Metrics {
	return s.dispatcher.Metrics()
}

func (s *Service) String() string {
	b, _ := json.Marshal(&s.config)
	return string(b)
}
