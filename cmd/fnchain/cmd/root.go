package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fnchain",
	Short: "fnchain - sandboxed function chains for event data",
	Long: `fnchain runs each event through the function chains of its destinations, with
user defined functions executed in isolated sandbox workers, and loads the outputs into
the destination sinks.

Examples:
  # Process newline delimited JSON events with destinations and functions from config
  cat events.ndjson | fnchain run --config fnchain.yaml

  # List the functions exported by a function spec's code
  fnchain describe enrich.json`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if loadsConfig(cmd) {
			initConfig(cmd)
		}
	},
}

// annotationNoConfig marks commands that must not read the config file or environment.
const annotationNoConfig = "fnchain/no-config"

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./fnchain.yaml)")
}

func loadsConfig(cmd *cobra.Command) bool {
	_, skip := cmd.Annotations[annotationNoConfig]
	return !skip
}

func initConfig(cmd *cobra.Command) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("fnchain")
	}

	viper.SetEnvPrefix("FNCHAIN")
	viper.AutomaticEnv()
	_ = viper.BindEnv("kafka.saslPassword", "FNCHAIN_KAFKA_SASL_PASSWORD")
	_ = viper.BindEnv("redis.password", "FNCHAIN_REDIS_PASSWORD")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			cmd.PrintErrln("could not read config:", err)
		}
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
