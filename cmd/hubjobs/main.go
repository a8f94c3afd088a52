package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/hubjobs/cmd/hubjobs/commands"
	"github.com/teranos/hubjobs/logger"
)

var rootCmd = &cobra.Command{
	Use:   "hubjobs",
	Short: "hubjobs - Job orchestration for the data hub",
	Long: `hubjobs - Job orchestration for the data hub.

hubjobs compiles job requests (export a space to files, build an index,
transform files on the compute backend) into step graphs and runs them
under admission control against the hub's databases and I/O capacity.

Available commands:
  am        - Manage hubjobs configuration ("I am")
  db        - Manage the jobs database
  jobs      - Submit, inspect and cancel jobs
  resources - Show capacity pools and free virtual units
  spaces    - Manage the space catalog
  pulse     - Run the executor daemon
  version   - Show version information

Examples:
  hubjobs am show                      # Show current configuration
  hubjobs jobs submit --file job.yaml  # Submit a job request
  hubjobs jobs status <id>             # Show the steps of a job
  hubjobs resources free               # Show free virtual units
  hubjobs pulse start                  # Start the executor`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' prints machine-readable config, keep it free of log lines
		if cmd.Name() == "show" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs to stderr as JSON lines")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ResourcesCmd)
	rootCmd.AddCommand(commands.SpacesCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
