package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/sym"
)

// ResourcesCmd represents the resources command
var ResourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: sym.Resources + " Show capacity pools used for admission",
	Long: sym.Resources + ` resources — Capacity pools and admission

Every job reserves virtual units on the resources its steps need. A
submitted job starts only when each of its loads is below the free units
of a known resource.

Examples:
  hubjobs resources free          # Max, reserved and free units per resource`,
}

var resourcesFreeCmd = &cobra.Command{
	Use:   "free",
	Short: "Show max, reserved and free virtual units",
	RunE:  runResourcesFree,
}

func init() {
	ResourcesCmd.AddCommand(resourcesFreeCmd)
}

func runResourcesFree(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.close()

	usage, err := e.registry.Utilization(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to compute utilization: %w", err)
	}
	return pterm.DefaultTable.WithHasHeader().WithData(usageTable(usage)).Render()
}

func usageTable(usage []resources.Usage) pterm.TableData {
	data := pterm.TableData{{"Resource", "Kind", "Max", "Reserved", "Free"}}
	for _, u := range usage {
		data = append(data, []string{
			u.Resource.ID(),
			string(u.Resource.Kind()),
			fmt.Sprintf("%.1f", u.Max),
			fmt.Sprintf("%.1f", u.Reserved),
			fmt.Sprintf("%.1f", u.Free),
		})
	}
	return data
}
