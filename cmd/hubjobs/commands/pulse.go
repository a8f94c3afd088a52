package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/hubjobs/am"
	"github.com/teranos/hubjobs/pulse/executor"
	"github.com/teranos/hubjobs/sym"
)

// PulseCmd represents the pulse command - the executor daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the executor daemon",
	Long: sym.Pulse + ` Pulse daemon - the job executor.

Every tick the executor:
- Admits submitted jobs whose resource loads fit the free units, oldest first
- Dispatches the ready steps of running jobs to a bounded set of workers
- Polls asynchronous steps on the compute backend
- Sweeps cancelling jobs and deletes jobs past their retention

On shutdown, in-flight steps are put back to PENDING and resumed by the
next start.

Example:
  hubjobs pulse start              # Start daemon in foreground
  hubjobs pulse start --workers 16 # Run up to 16 steps at once`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the executor in the foreground
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the executor",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		exec := e.newExecutor(ctx, workers)
		watcher := watchResources(e)

		exec.Start()

		printPulseStatus(e, exec)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Printf("\n%s Stopping, in-flight steps will resume on next start...\n", sym.Pulse)

		if watcher != nil {
			watcher.Stop()
		}
		exec.Stop()
		cancel()

		fmt.Printf("%s Pulse daemon stopped\n", sym.Pulse)
		return nil
	},
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Steps executing at once (default: pulse.workers)")
	PulseCmd.AddCommand(PulseStartCmd)
}

// watchResources reapplies resource capacities when the most specific config file changes.
// Returns nil when no config file exists.
func watchResources(e *engine) *am.ConfigWatcher {
	var path string
	for _, p := range am.ConfigPaths() {
		if _, err := os.Stat(p); err == nil {
			path = p
		}
	}
	if path == "" {
		return nil
	}

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		e.log.Warnw("Config hot reload disabled", "path", path, "error", err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		e.resources.Apply(cfg)
		return nil
	})
	watcher.Start()
	return watcher
}

func printPulseStatus(e *engine, exec *executor.Executor) {
	cfg := exec.Config()
	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Database: %s\n", e.cfg.GetDatabasePath())
	fmt.Printf("  Workers: %d\n", cfg.Workers)
	fmt.Printf("  Poll interval: %v\n", cfg.PollInterval)
	fmt.Printf("  Async poll interval: %v\n", cfg.AsyncPollInterval)
	if cfg.MaxSubmissionsPerMinute > 0 {
		fmt.Printf("  Backend submissions: %d/min\n", cfg.MaxSubmissionsPerMinute)
	}
	fmt.Printf("  Cancellation timeout: %v\n", cfg.CancellationTimeout)
	fmt.Printf("  Compute backend: %s\n", e.cfg.Emr.Mode)
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)
}
