package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/whirr/internal/client"
	"github.com/3leaps/whirr/internal/scheduler"
	whirrstore "github.com/3leaps/whirr/internal/store"
	"github.com/3leaps/whirr/internal/storefactory"
)

var (
	jobAPIHost   string
	jobName      string
	jobTags      []string
	jobWorkDir   string
	jobConfig    string
	jobListTag   string
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect scheduled jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit -- <argv...>",
	Short: "Submit a new job",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobSubmit,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active (queued or running) jobs",
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a running or queued job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var jobCancelQueuedCmd = &cobra.Command{
	Use:   "cancel-queued",
	Short: "Cancel every job still waiting in the queue",
	Args:  cobra.NoArgs,
	RunE:  runJobCancelQueued,
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Resubmit a failed or cancelled job as a fresh queued job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRetry,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd, jobListCmd, jobShowCmd, jobCancelCmd, jobCancelQueuedCmd, jobRetryCmd)

	jobCmd.PersistentFlags().StringVar(&jobAPIHost, "api", "", "API host base URL; if unset, opens storage directly")
	jobSubmitCmd.Flags().StringVar(&jobName, "name", "", "human-readable job name")
	jobSubmitCmd.Flags().StringSliceVar(&jobTags, "tag", nil, "tag to attach (repeatable)")
	jobSubmitCmd.Flags().StringVar(&jobWorkDir, "workdir", ".", "working directory for the job's process")
	jobSubmitCmd.Flags().StringVar(&jobConfig, "config", "", "path to a JSON config file recorded alongside the job")
	jobListCmd.Flags().StringVar(&jobListTag, "tag", "", "doublestar glob filtering jobs to those with a matching tag, e.g. 'condition:*'")
}

// matchesTagGlob reports whether any of a job's tags match pattern, a
// doublestar glob (so "condition:*" selects every ablation condition).
func matchesTagGlob(tags []string, pattern string) bool {
	if pattern == "" {
		return true
	}
	for _, tag := range tags {
		if ok, err := doublestar.Match(pattern, tag); err == nil && ok {
			return true
		}
	}
	return false
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var cfgBytes json.RawMessage
	if jobConfig != "" {
		raw, err := readConfigFile(jobConfig)
		if err != nil {
			return err
		}
		cfgBytes = raw
	}

	workDir, err := filepath.Abs(jobWorkDir)
	if err != nil {
		return fmt.Errorf("resolve workdir: %w", err)
	}

	params := whirrstore.CreateJobParams{
		Argv: args, WorkDir: workDir, Name: jobName, Tags: jobTags, Config: cfgBytes,
	}

	if jobAPIHost != "" {
		c := client.New(jobAPIHost)
		job, err := c.CreateJob(ctx, params)
		if err != nil {
			return err
		}
		return printJob(job)
	}

	store, sched, err := openScheduler(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	job, err := sched.CreateJob(ctx, params)
	if err != nil {
		return err
	}
	return printJob(job)
}

func runJobList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var jobs []*whirrstore.Job
	var err error
	if jobAPIHost != "" {
		jobs, err = client.New(jobAPIHost).ListActiveJobs(ctx)
	} else {
		var store whirrstore.Store
		var sched *scheduler.Scheduler
		store, sched, err = openScheduler(ctx)
		if err == nil {
			defer func() { _ = store.Close() }()
			jobs, err = sched.GetActiveJobs(ctx)
		}
	}
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if !matchesTagGlob(j.Tags, jobListTag) {
			continue
		}
		fmt.Printf("%d\t%s\t%s\t%s\n", j.ID, j.Status, j.Name, strings.Join(j.Argv, " "))
	}
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}

	var job *whirrstore.Job
	if jobAPIHost != "" {
		job, err = client.New(jobAPIHost).GetJob(ctx, id)
	} else {
		var store whirrstore.Store
		var sched *scheduler.Scheduler
		store, sched, err = openScheduler(ctx)
		if err == nil {
			defer func() { _ = store.Close() }()
			job, err = sched.GetJob(ctx, id)
		}
	}
	if err != nil {
		return err
	}
	return printJob(job)
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}

	var prev whirrstore.JobStatus
	if jobAPIHost != "" {
		prev, err = client.New(jobAPIHost).CancelJob(ctx, id)
	} else {
		var store whirrstore.Store
		var sched *scheduler.Scheduler
		store, sched, err = openScheduler(ctx)
		if err == nil {
			defer func() { _ = store.Close() }()
			prev, err = sched.CancelJob(ctx, id)
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("job %d: cancellation requested (was %s)\n", id, prev)
	return nil
}

func runJobCancelQueued(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var n int
	var err error
	if jobAPIHost != "" {
		n, err = client.New(jobAPIHost).CancelAllQueued(ctx)
	} else {
		var store whirrstore.Store
		var sched *scheduler.Scheduler
		store, sched, err = openScheduler(ctx)
		if err == nil {
			defer func() { _ = store.Close() }()
			n, err = sched.CancelAllQueued(ctx)
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("cancelled %d queued job(s)\n", n)
	return nil
}

func runJobRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}

	var job *whirrstore.Job
	if jobAPIHost != "" {
		job, err = client.New(jobAPIHost).RetryJob(ctx, id)
	} else {
		var store whirrstore.Store
		var sched *scheduler.Scheduler
		store, sched, err = openScheduler(ctx)
		if err == nil {
			defer func() { _ = store.Close() }()
			job, err = sched.RetryJob(ctx, id)
		}
	}
	if err != nil {
		return err
	}
	return printJob(job)
}

func printJob(j *whirrstore.Job) error {
	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func openScheduler(ctx context.Context) (whirrstore.Store, *scheduler.Scheduler, error) {
	store, err := storefactory.Open(ctx, storageOptionsFromViper())
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return store, scheduler.New(store), nil
}

// readConfigFile accepts either JSON or YAML and always returns JSON, since
// that's the wire format CreateJobParams.Config and the scheduler's JSON
// Schema validation expect.
func readConfigFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if json.Valid(data) {
		return json.RawMessage(data), nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config %s is not valid JSON or YAML: %w", path, err)
	}
	converted, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert config %s to JSON: %w", path, err)
	}
	return json.RawMessage(converted), nil
}
