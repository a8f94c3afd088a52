package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	getter "github.com/hashicorp/go-getter"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/pulse/dataset"
	"github.com/teranos/hubjobs/pulse/job"
	"github.com/teranos/hubjobs/pulse/resolver"
	"github.com/teranos/hubjobs/pulse/tasks"
	"github.com/teranos/hubjobs/sym"
)

// JobsCmd represents the jobs command
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Jobs + " Submit, inspect and cancel jobs",
	Long: sym.Jobs + ` jobs — Submit, inspect and cancel jobs

A job request names a source and a target dataset. It is compiled into a
graph of steps when submitted; requests no compiler accepts are rejected
and nothing is stored.

Examples:
  hubjobs jobs submit --file export.yaml              # Submit a request file
  hubjobs jobs submit --from https://host/job.json    # Fetch and submit a remote request
  hubjobs jobs submit --file export.toml --wait       # Run the job in-process until it ends
  hubjobs jobs ls --state RUNNING                     # List running jobs
  hubjobs jobs status <id>                            # Show the steps of a job
  hubjobs jobs cancel <id>                            # Request cancellation
  hubjobs jobs outputs <id>                           # List objects written by the job`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Compile and submit a job request",
	RunE:  runJobsSubmit,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE:  runJobsLs,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a job and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a job",
	Long: `Cancel a job.

Jobs that have not started are cancelled at once. Running jobs move to
CANCELLING; the executor cancels their steps and completes the job.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

var jobsOutputsCmd = &cobra.Command{
	Use:   "outputs <id>",
	Short: "List the objects written by a job's steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsOutputs,
}

var (
	submitFile  string
	submitFrom  string
	submitWait  bool
	lsState     string
	lsLimit     int
	statusJSON  bool
	waitTimeout time.Duration
)

func init() {
	jobsSubmitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Request file (.json, .yaml, .yml or .toml)")
	jobsSubmitCmd.Flags().StringVar(&submitFrom, "from", "", "Fetch the request file from a URL (http, s3, git, ...)")
	jobsSubmitCmd.Flags().BoolVar(&submitWait, "wait", false, "Run an executor in-process until the job ends")
	jobsSubmitCmd.Flags().DurationVar(&waitTimeout, "timeout", time.Hour, "Maximum time to wait with --wait")
	jobsSubmitCmd.MarkFlagsMutuallyExclusive("file", "from")
	jobsSubmitCmd.MarkFlagsOneRequired("file", "from")

	jobsLsCmd.Flags().StringVar(&lsState, "state", "", "Only jobs in this state")
	jobsLsCmd.Flags().IntVar(&lsLimit, "limit", 50, "Maximum number of jobs")

	jobsStatusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Output the job as JSON")

	JobsCmd.AddCommand(jobsSubmitCmd)
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsOutputsCmd)
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	name, data, err := readRequest(ctx, submitFile, submitFrom)
	if err != nil {
		return err
	}
	req, err := job.DecodeRequest(name, data)
	if err != nil {
		return err
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.close()

	j, err := e.service.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("job rejected: %w", err)
	}
	pterm.Success.Printf("%s Submitted job %s (%d steps)\n", sym.Jobs, j.ID, len(j.Graph.Steps()))

	if !submitWait {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	exec := e.newExecutor(waitCtx, 0)
	exec.Start()
	defer exec.Stop()

	spinner, _ := pterm.DefaultSpinner.Start("Running job " + j.ID)
	done, err := exec.Wait(waitCtx, j.ID)
	if err != nil {
		spinner.Fail("Stopped waiting: " + err.Error())
		return err
	}
	switch done.State {
	case job.StateSucceeded:
		spinner.Success("Job succeeded")
	default:
		spinner.Fail(fmt.Sprintf("Job %s: %s", strings.ToLower(string(done.State)), done.ErrorMessage))
	}
	return nil
}

// readRequest returns the request file name (for format detection) and its content
func readRequest(ctx context.Context, file, from string) (string, []byte, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read request file: %w", err)
		}
		return file, data, nil
	}
	return fetchRequest(ctx, from)
}

// fetchRequest downloads a single request file with go-getter
func fetchRequest(ctx context.Context, src string) (string, []byte, error) {
	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	tempDir, err := os.MkdirTemp("", "hubjobs-request-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	name := requestName(src)
	dst := filepath.Join(tempDir, name)

	client := &getter.Client{
		Ctx:     ctx,
		Src:     src,
		Dst:     dst,
		Pwd:     pwd,
		Mode:    getter.ClientModeFile,
		Getters: getter.Getters,
	}
	logger.Logger.Debugw("Fetching request", "src", src, "destination", dst)
	if err := client.Get(); err != nil {
		return "", nil, fmt.Errorf("failed to fetch request %s: %w", src, err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read fetched request: %w", err)
	}
	return name, data, nil
}

// requestName is the file name of a request source, without forced getters or query
func requestName(src string) string {
	if i := strings.Index(src, "::"); i >= 0 {
		src = src[i+2:]
	}
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	name := path.Base(strings.TrimSuffix(src, "/"))
	if name == "." || name == "/" || name == "" {
		return "request.json"
	}
	return name
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.close()

	jobs, err := e.service.List(cmd.Context(), job.State(strings.ToUpper(lsState)), lsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(jobTable(jobs)).Render()
}

func jobTable(jobs []*job.Job) pterm.TableData {
	data := pterm.TableData{{"ID", "State", "Tag", "Created", "Description"}}
	for _, j := range jobs {
		data = append(data, []string{
			j.ID,
			string(j.State),
			dataset.Tag(j.Source, j.Target),
			j.CreatedAt.Local().Format(time.DateTime),
			j.Description,
		})
	}
	return data
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.close()

	j, err := e.service.Get(ctx, args[0])
	if err != nil {
		return err
	}
	rows, err := e.service.Store().LoadSteps(ctx, j.ID)
	if err != nil {
		return err
	}

	if statusJSON {
		out, err := json.MarshalIndent(struct {
			*job.Job
			Steps []job.StepRow `json:"steps"`
		}{j, rows}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}

	pterm.DefaultSection.Printf("%s Job %s", sym.Jobs, j.ID)
	pterm.Printf("State:    %s\n", j.State)
	if j.Description != "" {
		pterm.Printf("Request:  %s\n", j.Description)
	}
	if j.StartedAt != nil {
		pterm.Printf("Started:  %s\n", j.StartedAt.Local().Format(time.DateTime))
	}
	if j.EstimatedEndAt != nil && !j.State.IsTerminal() {
		pterm.Printf("Estimate: %s\n", j.EstimatedEndAt.Local().Format(time.DateTime))
	}
	if j.ErrorMessage != "" {
		pterm.Error.Printf("Step %s: %s (resumable: %t)\n", j.ErrorStep, j.ErrorMessage, j.Resumable)
	}
	pterm.Println()

	progress := func(stepID string) (tasks.TaskProgress, error) {
		return e.tasks.Progress(ctx, j.ID, stepID)
	}
	data, err := stepTable(rows, progress)
	if err != nil {
		return err
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func stepTable(rows []job.StepRow, progress func(stepID string) (tasks.TaskProgress, error)) (pterm.TableData, error) {
	data := pterm.TableData{{"Path", "Step", "Type", "State", "Attempts", "Tasks", "Error"}}
	for _, r := range rows {
		taskCol := ""
		if progress != nil {
			p, err := progress(r.StepID)
			if err != nil {
				return nil, err
			}
			if p.Total > 0 {
				taskCol = fmt.Sprintf("%d/%d", p.Finalized, p.Total)
			}
		}
		data = append(data, []string{
			r.Path,
			r.StepID,
			r.Type,
			string(r.Runtime.State),
			fmt.Sprint(r.Runtime.Attempts),
			taskCol,
			r.Runtime.Error,
		})
	}
	return data, nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.close()

	j, err := e.service.Cancel(cmd.Context(), args[0])
	if err != nil {
		if errors.IsConflictError(err) {
			for _, hint := range errors.GetAllHints(err) {
				pterm.Info.Println(hint)
			}
		}
		return err
	}
	pterm.Success.Printf("%s Job %s is %s\n", sym.Jobs, j.ID, j.State)
	return nil
}

func runJobsOutputs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.close()

	j, err := e.service.Get(ctx, args[0])
	if err != nil {
		return err
	}

	data := pterm.TableData{{"Input set", "Object"}}
	for _, set := range outputSets(j) {
		keys, err := e.objects.ListKeys(ctx, set.S3Prefix(e.cfg.Storage.Bucket))
		if err != nil {
			return fmt.Errorf("failed to list outputs of %s: %w", set, err)
		}
		for _, key := range keys {
			data = append(data, []string{set.Key(), key})
		}
	}
	if len(data) == 1 {
		pterm.Info.Println("No outputs")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// outputSets are the sets written by the job's own steps
func outputSets(j *job.Job) []resolver.InputSet {
	var sets []resolver.InputSet
	for _, s := range j.Graph.Steps() {
		for _, set := range s.OutputSets() {
			if set.JobID == "" {
				set.JobID = j.ID
			}
			if set.JobID != j.ID {
				// Delegated from another job
				continue
			}
			sets = append(sets, set)
		}
	}
	return sets
}
