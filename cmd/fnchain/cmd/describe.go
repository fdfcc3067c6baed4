package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zpiroux/fnchain"
	"github.com/zpiroux/fnchain/entity"
)

var describeCmd = &cobra.Command{
	Use:   "describe <function spec file>...",
	Short: "List the symbols exported by function specs",
	Long: `Loads each function spec's code in a sandbox and prints its exported symbols, and
anything the code logged while loading. Libraries are registered first so that functions
including them can be described.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDescribe,
}

var describeTimeout time.Duration

func init() {
	rootCmd.AddCommand(describeCmd)

	describeCmd.Flags().DurationVar(&describeTimeout, "timeout", 10*time.Second, "time limit for loading all specs")
}

type describeReport struct {
	Function string                  `json:"function"`
	Symbols  entity.SymbolDescriptor `json:"symbols,omitempty"`
	Log      []entity.LogEntry       `json:"log,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

func runDescribe(cmd *cobra.Command, args []string) error {

	ctx, cancel := context.WithTimeout(context.Background(), describeTimeout)
	defer cancel()

	f, err := fnchain.New(ctx, fnchain.NewConfig())
	if err != nil {
		return err
	}
	defer f.Shutdown(context.Background())

	specs := make([]*entity.FunctionSpec, 0, len(args))
	for _, path := range args {
		specData, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		spec, err := entity.NewFunctionSpec(specData)
		if err != nil {
			return fmt.Errorf("function spec %s: %w", path, err)
		}
		specs = append(specs, spec)
	}

	// Libraries first
	for _, library := range []bool{true, false} {
		for _, spec := range specs {
			if (spec.Kind == entity.FunctionKindLibrary) != library {
				continue
			}
			specData, err := json.Marshal(spec)
			if err != nil {
				return err
			}
			if _, err := f.RegisterFunction(ctx, specData); err != nil {
				return err
			}
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, spec := range specs {
		if spec.Kind == entity.FunctionKindLibrary {
			continue
		}
		report := describeReport{Function: spec.Id}
		report.Symbols, report.Log, err = f.Describe(ctx, spec.Id)
		if err != nil {
			report.Error = err.Error()
		}
		if err := enc.Encode(report); err != nil {
			return err
		}
	}
	return nil
}
