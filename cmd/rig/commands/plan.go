package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hostrig/hostrig/pkg/engine"
	"github.com/hostrig/hostrig/pkg/modules"
)

func newPlanCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the batched execution plan",
		Long: `Compute and print the execution plan without running anything.

Modules are grouped into batches: every module in a batch has all its
dependencies satisfied by earlier batches, and batches are separated by
barriers. Module order inside and across batches is deterministic.`,
		Example: `  # Print the plan
  rig plan

  # Emit the dependency graph in DOT format
  rig plan --dot | dot -Tsvg > plan.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := loadConfig()
			if err != nil {
				return err
			}

			registry := engine.NewRegistry()
			if err := registry.RegisterAll(modules.Builtin()...); err != nil {
				return err
			}

			if dot {
				fmt.Fprint(cmd.OutOrStdout(), registry.ToDOT())
				return nil
			}

			plan, err := registry.BuildPlan()
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d modules in %d batches\n", plan.ModuleCount(), len(plan.Batches))
			for i, batch := range plan.Batches {
				fmt.Fprintf(cmd.OutOrStdout(), "  batch %d: %s\n", i+1, strings.Join(batch, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "emit the dependency graph in DOT format")

	return cmd
}
