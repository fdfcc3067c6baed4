package cmd

import (
	"github.com/spf13/cobra"
	"github.com/zpiroux/fnchain/internal/pkg/eventsim"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <sim spec file>",
	Short: "Write generated events as newline delimited JSON to stdout",
	Long: `Generates synthetic events according to a simulation spec, e.g. for load testing
destinations:

  fnchain simulate sim.json --count 1000 | fnchain run --config fnchain.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

var simulateCount int

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().IntVarP(&simulateCount, "count", "n", 0, "stop after this many events, 0 for no limit")
}

func runSimulate(cmd *cobra.Command, args []string) error {

	spec, err := eventsim.LoadSpec(args[0])
	if err != nil {
		return err
	}
	g, err := eventsim.NewGenerator(spec)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	out := cmd.OutOrStdout()
	return g.Run(ctx, simulateCount, func(event []byte) error {
		_, err := out.Write(append(event, '\n'))
		return err
	})
}
