package cmd

import (
	"fmt"

	"github.com/BDNK1/chatflow/cli/internal/graph"
	"github.com/BDNK1/chatflow/runtime"
	"github.com/BDNK1/chatflow/runtime/engine/yaml"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [flows-dir]",
	Short: "Check flow files for structural problems",
	Long: `Validate loads every flow in the flows directory and reports missing
edge targets, invalid node data, unreachable nodes and cycles that would run
without waiting for the customer. Warnings do not fail the command.

Example:
  chatflow validate
  chatflow validate ./flows
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	var flowsDir string
	if len(args) > 0 {
		flowsDir = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flowsDir = cfg.FlowsDir
	}

	app, err := runtime.NewApp(flowsDir, yaml.NewFlowLoader())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, id := range app.FlowIDs() {
		issues := graph.Lint(app.Flows[id])
		if graph.HasErrors(issues) {
			failed++
		}
		if len(issues) == 0 {
			fmt.Fprintf(out, "✓ %s\n", id)
			continue
		}
		fmt.Fprintf(out, "%s:\n", id)
		for _, issue := range issues {
			fmt.Fprintf(out, "  %s: %s\n", issue.Type.Severity(), issue.Error())
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d flows have errors", failed, len(app.Flows))
	}
	return nil
}
