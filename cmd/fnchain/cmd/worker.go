package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zpiroux/fnchain/internal/pkg/sandbox"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve sandbox requests for a single module on stdin/stdout",
	Long:   `Started by the supervisor for each worker process. Requests and replies are newline delimited JSON.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,

	// Workers run with an empty environment and see nothing of the host config
	Annotations: map[string]string{annotationNoConfig: ""},
}

var (
	workerModule      string
	workerExecTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerModule, "module", "", "assembled module file")
	workerCmd.Flags().DurationVar(&workerExecTimeout, "exec-timeout", sandbox.DefaultExecTimeout, "time budget per call into user code")
	_ = workerCmd.MarkFlagRequired("module")
}

func runWorker(cmd *cobra.Command, args []string) error {

	source, err := os.ReadFile(workerModule)
	if err != nil {
		return fmt.Errorf("could not read module: %w", err)
	}
	w, err := sandbox.NewWorker(source, sandbox.Config{ExecTimeout: workerExecTimeout})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		w.Interrupt()
		os.Stdin.Close()
	}()
	return w.Serve(ctx, os.Stdin, os.Stdout)
}
