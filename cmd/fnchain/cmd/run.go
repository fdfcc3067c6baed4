package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tidwall/gjson"
	"github.com/zpiroux/fnchain"
	"github.com/zpiroux/fnchain/entity"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run newline delimited JSON events from stdin through all destinations",
	Long: `Registers the functions and destinations listed in the config, then publishes each
line read from stdin as an event. One result line per event is written to the output.

Example config (fnchain.yaml):
  functions: [specs/enrich.json]
  destinations: [specs/orders.json]
  sandbox:
    isolate: true
    execTimeout: 2s
  kafka:
    bootstrapServers: localhost:9092`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

var (
	runMetricsAddr  string
	runOutput       string
	runKeyPath      string
	runDestinations []string
	runNotifyLevel  string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "-", "file to write results to, - for stdout")
	runCmd.Flags().StringVar(&runKeyPath, "key-path", "", "JSON path in each event to use as event key")
	runCmd.Flags().StringSliceVarP(&runDestinations, "destination", "d", nil, "only publish to these destinations")
	runCmd.Flags().StringVar(&runNotifyLevel, "notify-level", entity.NotifyLevelStrInfo, "lowest notification level written to stderr")
}

type runConfig struct {
	Log              bool
	EventLogInterval int
	NotifyChanSize   int
	Publishers       int
	Functions        []string
	Destinations     []string
	Sandbox          struct {
		Isolate     bool
		CallTimeout time.Duration
		ExecTimeout time.Duration
		IdleTimeout time.Duration
	}
	Kafka struct {
		BootstrapServers  string
		SaslUsername      string
		SaslPassword      string
		CreateTopics      bool
		NumPartitions     int
		ReplicationFactor int
	}
	Redis struct {
		Addrs    []string
		Password string
		DB       int
	}
	Pubsub struct {
		Project string
	}
	BigQuery struct {
		Project string
	}
}

func runEvents(cmd *cobra.Command, args []string) error {

	var rc runConfig
	if err := viper.Unmarshal(&rc); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	config, err := newFnchainConfig(ctx, rc, registry)
	if err != nil {
		return err
	}
	f, err := fnchain.New(ctx, config)
	if err != nil {
		return err
	}
	go writeNotifications(cmd.ErrOrStderr(), f.NotifyChannel(), entity.NotifyLevel(runNotifyLevel))

	if err := registerSpecs(ctx, f, rc); err != nil {
		_ = f.Shutdown(context.Background())
		return err
	}

	if runMetricsAddr != "" {
		registry.MustRegister(newEngineCollector(f))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: runMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cmd.PrintErrln("metrics server failed:", err)
			}
		}()
		defer server.Close()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- f.Run(ctx) }()

	out, closeOut, err := openOutput(runOutput)
	if err != nil {
		_ = f.Shutdown(context.Background())
		return err
	}
	defer closeOut()

	err = publishLines(ctx, f, cmd.InOrStdin(), out)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if serr := f.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	if rerr := <-runErr; rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func newFnchainConfig(ctx context.Context, rc runConfig, registerer prometheus.Registerer) (*fnchain.Config, error) {

	c := fnchain.NewConfig()
	c.Ops.Log = rc.Log
	if rc.EventLogInterval > 0 {
		c.Ops.EventLogInterval = rc.EventLogInterval
	}
	if rc.NotifyChanSize > 0 {
		c.Ops.NotifyChanSize = rc.NotifyChanSize
	}
	c.Ops.Publishers = rc.Publishers

	c.Sandbox.CallTimeout = rc.Sandbox.CallTimeout
	c.Sandbox.ExecTimeout = rc.Sandbox.ExecTimeout
	c.Sandbox.IdleTimeout = rc.Sandbox.IdleTimeout
	c.Sandbox.Registerer = registerer
	if rc.Sandbox.Isolate {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("could not find own executable for worker processes: %w", err)
		}
		c.Sandbox.WorkerCommand = []string{self, workerCmd.Name()}
	}

	c.Sinks.Kafka = fnchain.KafkaConfig{
		BootstrapServers:  rc.Kafka.BootstrapServers,
		SaslUsername:      rc.Kafka.SaslUsername,
		SaslPassword:      rc.Kafka.SaslPassword,
		CreateTopics:      rc.Kafka.CreateTopics,
		NumPartitions:     rc.Kafka.NumPartitions,
		ReplicationFactor: rc.Kafka.ReplicationFactor,
	}
	if len(rc.Redis.Addrs) > 0 {
		c.Sinks.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    rc.Redis.Addrs,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
	}
	if rc.Pubsub.Project != "" {
		client, err := pubsub.NewClient(ctx, rc.Pubsub.Project)
		if err != nil {
			return nil, fmt.Errorf("could not create pubsub client: %w", err)
		}
		c.Sinks.Pubsub = client
	}
	if rc.BigQuery.Project != "" {
		client, err := bigquery.NewClient(ctx, rc.BigQuery.Project)
		if err != nil {
			return nil, fmt.Errorf("could not create bigquery client: %w", err)
		}
		c.Sinks.BigQuery = client
	}
	return c, nil
}

// registerSpecs registers functions before destinations, since destination chains are
// validated against the registered functions.
func registerSpecs(ctx context.Context, f *fnchain.Fnchain, rc runConfig) error {
	for _, path := range rc.Functions {
		specData, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := f.RegisterFunction(ctx, specData); err != nil {
			return fmt.Errorf("function spec %s: %w", path, err)
		}
	}
	for _, path := range rc.Destinations {
		specData, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := f.RegisterDestination(ctx, specData); err != nil {
			return fmt.Errorf("destination spec %s: %w", path, err)
		}
	}
	return nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// publishLines publishes each non-empty line of r as an event and writes the results to w,
// until r is exhausted or ctx is done.
func publishLines(ctx context.Context, p publisher, r io.Reader, w io.Writer) error {

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for line := 1; scanner.Scan(); line++ {
		if ctx.Err() != nil {
			return nil
		}
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		if !gjson.ValidBytes(data) {
			if err := enc.Encode(eventReport{Line: line, Error: "invalid JSON"}); err != nil {
				return err
			}
			continue
		}

		event := entity.Event{
			Data:         append([]byte(nil), data...),
			Destinations: runDestinations,
		}
		if runKeyPath != "" {
			if key := gjson.GetBytes(data, runKeyPath); key.Exists() {
				event.Key = []byte(key.String())
			}
		}

		result, err := p.Publish(ctx, event)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(newEventReport(line, result)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

type publisher interface {
	Publish(ctx context.Context, event entity.Event) (entity.EventProcessingResult, error)
}
