// Package bullcli provides an implementation for the bullmq CLI.
//
// This package is largely for internal use and doesn't provide the same API
// guarantees as the main bullmq modules. Breaking API changes will be made
// without warning.
package bullcli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/VladimirMikulic/bullmq"
	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/bullcommon"
)

// CLI provides a common base of commands for the bullmq CLI.
type CLI struct{}

func NewCLI() *CLI {
	return &CLI{}
}

// BaseCommandSet provides a base bullmq CLI command set which may be further
// augmented with additional commands.
func (c *CLI) BaseCommandSet() *cobra.Command {
	var rootOpts struct {
		Debug   bool
		Verbose bool
	}
	rootCmd := &cobra.Command{
		Use:   "bullmq",
		Short: "Provides command line facilities for bullmq queues",
		Long: strings.TrimSpace(`
Provides command line facilities for inspecting and operating bullmq queues.
		`),
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Usage()
		},
	}
	rootCmd.PersistentFlags().BoolVar(&rootOpts.Debug, "debug", false, "output maximum logging verbosity (debug level)")
	rootCmd.PersistentFlags().BoolVarP(&rootOpts.Verbose, "verbose", "v", false, "output additional logging verbosity (info level)")
	rootCmd.MarkFlagsMutuallyExclusive("debug", "verbose")

	ctx := context.Background()

	makeLogger := func() *slog.Logger {
		switch {
		case rootOpts.Debug:
			return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
		case rootOpts.Verbose:
			return slog.New(tint.NewHandler(os.Stdout, nil))
		default:
			return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelWarn}))
		}
	}

	makeCommandBundle := func(queueOpts *QueueOpts) *RunCommandBundle {
		return &RunCommandBundle{
			Logger:    makeLogger(),
			OutStd:    os.Stdout,
			QueueOpts: queueOpts,
		}
	}

	mustMarkFlagRequired := func(cmd *cobra.Command, name string) {
		// We just panic here because this will never happen outside of an error
		// in development.
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	addQueueFlags := func(cmd *cobra.Command, opts *QueueOpts) {
		cmd.Flags().BoolVar(&opts.DatabaseSQL, "database-sql", false, "use database/sql instead of Pgx for a Postgres database URL")
		cmd.Flags().StringVar(&opts.DatabaseURL, "database-url", "", "URL of the store (should look like `redis://...`, `postgres://...`, `sqlite://...`, or `memory://`)")
		cmd.Flags().StringVar(&opts.Prefix, "prefix", bullcommon.PrefixDefault, "prefix of the queue's keys")
		cmd.Flags().StringVarP(&opts.Queue, "queue", "q", "", "name of the queue to operate on")
		mustMarkFlagRequired(cmd, "database-url")
		mustMarkFlagRequired(cmd, "queue")
	}

	execHandlingError := func(f func() error) {
		if err := f(); err != nil {
			fmt.Fprintf(os.Stderr, "failed: %s\n", err)
			os.Exit(1)
		}
	}

	// add
	{
		var opts addOpts

		cmd := &cobra.Command{
			Use:   "add",
			Short: "Add a job to a queue",
			Long: strings.TrimSpace(`
Add a job to a queue. Its data is taken from --data as JSON.

With --job-id, adding a job whose ID already exists is a no-op that reports the
existing job.
	`),
			Run: func(cmd *cobra.Command, args []string) {
				execHandlingError(func() error {
					return RunCommand(ctx, makeCommandBundle(&opts.QueueOpts), &add{}, &opts)
				})
			},
		}
		addQueueFlags(cmd, &opts.QueueOpts)
		cmd.Flags().IntVar(&opts.Attempts, "attempts", 0, "number of attempts before the job fails for good")
		cmd.Flags().StringVar(&opts.Data, "data", "{}", "job data as JSON")
		cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "delay before the job can be worked, accepting Go-style durations like 1m, 5m30s")
		cmd.Flags().StringVar(&opts.JobID, "job-id", "", "custom job ID")
		cmd.Flags().BoolVar(&opts.LIFO, "lifo", false, "add the job to the front of the waiting list")
		cmd.Flags().StringVar(&opts.Name, "name", "", "job name")
		cmd.Flags().IntVar(&opts.Priority, "priority", 0, "job priority; lower is more urgent")
		mustMarkFlagRequired(cmd, "name")
		rootCmd.AddCommand(cmd)
	}

	// check-stalled
	{
		var opts checkStalledOpts

		cmd := &cobra.Command{
			Use:   "check-stalled",
			Short: "Run a stalled job check",
			Long: strings.TrimSpace(`
Run a single stalled job check. Active jobs whose locks have expired since the
previous check are moved back to waiting, or failed if they've stalled too many
times.

Because a job is only considered stalled if it was already a candidate in the
previous check, this command generally needs to be run twice.
	`),
			Run: func(cmd *cobra.Command, args []string) {
				execHandlingError(func() error {
					return RunCommand(ctx, makeCommandBundle(&opts.QueueOpts), &checkStalled{}, &opts)
				})
			},
		}
		addQueueFlags(cmd, &opts.QueueOpts)
		cmd.Flags().DurationVar(&opts.Interval, "interval", bullcommon.StalledIntervalDefault, "minimum time between checks")
		cmd.Flags().IntVar(&opts.MaxStalledCount, "max-stalled-count", bullcommon.MaxStalledCountDefault, "number of times a job may stall before it's failed")
		rootCmd.AddCommand(cmd)
	}

	// clean
	{
		var opts cleanOpts

		cmd := &cobra.Command{
			Use:   "clean",
			Short: "Remove old jobs in a state",
			Run: func(cmd *cobra.Command, args []string) {
				execHandlingError(func() error {
					return RunCommand(ctx, makeCommandBundle(&opts.QueueOpts), &clean{}, &opts)
				})
			},
		}
		addQueueFlags(cmd, &opts.QueueOpts)
		cmd.Flags().DurationVar(&opts.Grace, "grace", 0, "only remove jobs older than this")
		cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of jobs to remove (0 for no limit)")
		cmd.Flags().StringVar(&opts.State, "state", string(bulltype.JobStateCompleted), "state of jobs to remove")
		rootCmd.AddCommand(cmd)
	}

	// counts
	{
		var opts countsOpts

		cmd := &cobra.Command{
			Use:   "counts",
			Short: "Show the number of jobs in each state",
			Run: func(cmd *cobra.Command, args []string) {
				execHandlingError(func() error {
					return RunCommand(ctx, makeCommandBundle(&opts.QueueOpts), &counts{}, &opts)
				})
			},
		}
		addQueueFlags(cmd, &opts.QueueOpts)
		rootCmd.AddCommand(cmd)
	}

	// drain
	{
		var opts drainOpts

		cmd := &cobra.Command{
			Use:   "drain",
			Short: "Remove every job waiting to be worked",
			Run: func(cmd *cobra.Command, args []string) {
				execHandlingError(func() error {
					return RunCommand(ctx, makeCommandBundle(&opts.QueueOpts), &drain{}, &opts)
				})
			},
		}
		addQueueFlags(cmd, &opts.QueueOpts)
		cmd.Flags().BoolVar(&opts.IncludeDelayed, "include-delayed", false, "remove delayed jobs as well")
		rootCmd.AddCommand(cmd)
	}

	// events
	{
		var opts eventsOpts

		cmd := &cobra.Command{
			Use:   "events",
			Short: "Print the queue's event stream",
			Run: func(cmd *cobra.Command, args []string) {
				execHandlingError(func() error {
					return RunCommand(ctx, makeCommandBundle(&opts.QueueOpts), &events{}, &opts)
				})
			},
		}
		addQueueFlags(cmd, &opts.QueueOpts)
		cmd.Flags().StringVar(&opts.After, "after", "", "only print events after this event ID")
		cmd.Flags().IntVar(&opts.Count, "count", 100, "maximum number of events to print")
		rootCmd.AddCommand(cmd)
	}

	// get
	{
		var opts getOpts

		cmd := &cobra.Command{
			Use:   "get",
			Short: "Print a job and its state",
			Run: func(cmd *cobra.Command, args []string) {
				execHandlingError(func() error {
					return RunCommand(ctx, makeCommandBundle(&opts.QueueOpts), &get{}, &opts)
				})
			},
		}
		addQueueFlags(cmd, &opts.QueueOpts)
		cmd.Flags().StringVar(&opts.JobID, "job-id", "", "ID of the job to print")
		mustMarkFlagRequired(cmd, "job-id")
		rootCmd.AddCommand(cmd)
	}

	// pause and resume
	for _, pause := range []bool{true, false} {
		var opts pauseOpts
		opts.Pause = pause

		use, short := "pause", "Pause a queue so its waiting jobs aren't worked"
		if !pause {
			use, short = "resume", "Resume a paused queue"
		}

		cmd := &cobra.Command{
			Use:   use,
			Short: short,
			Run: func(cmd *cobra.Command, args []string) {
				execHandlingError(func() error {
					return RunCommand(ctx, makeCommandBundle(&opts.QueueOpts), &pauseResume{}, &opts)
				})
			},
		}
		addQueueFlags(cmd, &opts.QueueOpts)
		rootCmd.AddCommand(cmd)
	}

	// promote
	{
		var opts promoteOpts

		cmd := &cobra.Command{
			Use:   "promote",
			Short: "Make delayed jobs waiting",
			Long: strings.TrimSpace(`
Make a delayed job waiting immediately with --job-id. Without --job-id, every
delayed job whose delay has already elapsed is promoted.
	`),
			Run: func(cmd *cobra.Command, args []string) {
				execHandlingError(func() error {
					return RunCommand(ctx, makeCommandBundle(&opts.QueueOpts), &promote{}, &opts)
				})
			},
		}
		addQueueFlags(cmd, &opts.QueueOpts)
		cmd.Flags().StringVar(&opts.JobID, "job-id", "", "ID of the delayed job to promote")
		rootCmd.AddCommand(cmd)
	}

	// repeatables
	{
		var opts repeatablesOpts

		cmd := &cobra.Command{
			Use:   "repeatables",
			Short: "List the queue's repeatable jobs",
			Run: func(cmd *cobra.Command, args []string) {
				execHandlingError(func() error {
					return RunCommand(ctx, makeCommandBundle(&opts.QueueOpts), &repeatables{}, &opts)
				})
			},
		}
		addQueueFlags(cmd, &opts.QueueOpts)
		rootCmd.AddCommand(cmd)
	}

	return rootCmd
}

type addOpts struct {
	QueueOpts

	Attempts int
	Data     string
	Delay    time.Duration
	JobID    string
	LIFO     bool
	Name     string
	Priority int
}

func (o *addOpts) Validate() error {
	if err := o.QueueOpts.Validate(); err != nil {
		return err
	}
	if o.Name == "" {
		return errors.New("name cannot be empty")
	}
	if o.Delay < 0 {
		return errors.New("delay cannot be less than zero")
	}
	if o.Priority < 0 {
		return errors.New("priority cannot be less than zero")
	}
	return nil
}

type add struct {
	CommandBase
}

func (c *add) Run(ctx context.Context, opts *addOpts) (bool, error) {
	res, err := c.Queue.Add(ctx, opts.Name, []byte(opts.Data), &bulltype.JobOpts{
		Attempts: opts.Attempts,
		Delay:    opts.Delay,
		JobID:    opts.JobID,
		LIFO:     opts.LIFO,
		Priority: opts.Priority,
	})
	if err != nil {
		return false, err
	}

	if res.Duplicated {
		fmt.Fprintf(c.Out, "job %s already exists (%s)\n", res.Job.ID, res.Job.State)
		return true, nil
	}

	fmt.Fprintf(c.Out, "added job %s (%s)\n", res.Job.ID, res.Job.State)
	return true, nil
}

type checkStalledOpts struct {
	QueueOpts

	Interval        time.Duration
	MaxStalledCount int
}

func (o *checkStalledOpts) Validate() error {
	if err := o.QueueOpts.Validate(); err != nil {
		return err
	}
	if o.Interval < 0 {
		return errors.New("interval cannot be less than zero")
	}
	return nil
}

type checkStalled struct {
	CommandBase
}

func (c *checkStalled) Run(ctx context.Context, opts *checkStalledOpts) (bool, error) {
	recovered, failed, err := c.Queue.CheckStalled(ctx, opts.Interval, opts.MaxStalledCount)
	if err != nil {
		return false, err
	}

	fmt.Fprintf(c.Out, "recovered %d stalled job(s)\n", len(recovered))
	for _, jobID := range recovered {
		fmt.Fprintf(c.Out, "  %s\n", jobID)
	}
	fmt.Fprintf(c.Out, "failed %d stalled job(s)\n", len(failed))
	for _, jobID := range failed {
		fmt.Fprintf(c.Out, "  %s\n", jobID)
	}
	return true, nil
}

type cleanOpts struct {
	QueueOpts

	Grace time.Duration
	Limit int
	State string
}

func (o *cleanOpts) Validate() error {
	if err := o.QueueOpts.Validate(); err != nil {
		return err
	}
	if o.Grace < 0 {
		return errors.New("grace cannot be less than zero")
	}
	if o.Limit < 0 {
		return errors.New("limit cannot be less than zero")
	}
	if !slices.Contains(bulltype.JobStateAll(), bulltype.JobState(o.State)) {
		return fmt.Errorf("unknown state %q", o.State)
	}
	return nil
}

type clean struct {
	CommandBase
}

func (c *clean) Run(ctx context.Context, opts *cleanOpts) (bool, error) {
	jobIDs, err := c.Queue.Clean(ctx, bulltype.JobState(opts.State), opts.Grace, opts.Limit)
	if err != nil {
		return false, err
	}

	fmt.Fprintf(c.Out, "cleaned %d %s job(s)\n", len(jobIDs), opts.State)
	return true, nil
}

type countsOpts struct {
	QueueOpts
}

type counts struct {
	CommandBase
}

func (c *counts) Run(ctx context.Context, opts *countsOpts) (bool, error) {
	stateCounts, err := c.Queue.GetCounts(ctx)
	if err != nil {
		return false, err
	}

	paused, err := c.Queue.IsPaused(ctx)
	if err != nil {
		return false, err
	}

	title := cases.Title(language.English)

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Queue\t%s\n", c.Queue.Name())
	fmt.Fprintf(w, "Paused\t%t\n", paused)
	for _, state := range bulltype.JobStateAll() {
		fmt.Fprintf(w, "%s\t%d\n", title.String(string(state)), stateCounts[state])
	}
	return true, w.Flush()
}

type drainOpts struct {
	QueueOpts

	IncludeDelayed bool
}

type drain struct {
	CommandBase
}

func (c *drain) Run(ctx context.Context, opts *drainOpts) (bool, error) {
	numRemoved, err := c.Queue.Drain(ctx, opts.IncludeDelayed)
	if err != nil {
		return false, err
	}

	fmt.Fprintf(c.Out, "drained %d job(s)\n", numRemoved)
	return true, nil
}

type eventsOpts struct {
	QueueOpts

	After string
	Count int
}

func (o *eventsOpts) Validate() error {
	if err := o.QueueOpts.Validate(); err != nil {
		return err
	}
	if o.Count < 1 {
		return errors.New("count must be at least 1")
	}
	return nil
}

type events struct {
	CommandBase
}

func (c *events) Run(ctx context.Context, opts *eventsOpts) (bool, error) {
	queueEvents, err := c.Queue.Events(ctx, opts.After, opts.Count)
	if err != nil {
		return false, err
	}

	for _, event := range queueEvents {
		fmt.Fprintln(c.Out, formatEvent(event))
	}
	return true, nil
}

// formatEvent formats an event on a single line with its fields sorted by name.
func formatEvent(event *bulltype.Event) string {
	var sb strings.Builder
	sb.WriteString(event.ID)
	sb.WriteString(" ")
	sb.WriteString(string(event.Kind))
	if event.JobID != "" {
		sb.WriteString(" jobId=")
		sb.WriteString(event.JobID)
	}

	names := make([]string, 0, len(event.Fields))
	for name := range event.Fields {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		fmt.Fprintf(&sb, " %s=%q", name, event.Fields[name])
	}
	return sb.String()
}

type getOpts struct {
	QueueOpts

	JobID string
}

func (o *getOpts) Validate() error {
	if err := o.QueueOpts.Validate(); err != nil {
		return err
	}
	if o.JobID == "" {
		return errors.New("job ID cannot be empty")
	}
	return nil
}

type get struct {
	CommandBase
}

// Dumps jobs without pointer addresses so output is stable between runs.
var jobDumper = &spew.ConfigState{ //nolint:gochecknoglobals
	DisableCapacities:       true,
	DisablePointerAddresses: true,
	Indent:                  "  ",
	SortKeys:                true,
}

func (c *get) Run(ctx context.Context, opts *getOpts) (bool, error) {
	job, err := c.Queue.GetJob(ctx, opts.JobID)
	if err != nil {
		if errors.Is(err, bullmq.ErrMissingJob) {
			fmt.Fprintf(c.Out, "job %s not found\n", opts.JobID)
			return false, nil
		}
		return false, err
	}

	jobDumper.Fdump(c.Out, job)
	return true, nil
}

type pauseOpts struct {
	QueueOpts

	Pause bool
}

type pauseResume struct {
	CommandBase
}

func (c *pauseResume) Run(ctx context.Context, opts *pauseOpts) (bool, error) {
	if opts.Pause {
		if err := c.Queue.Pause(ctx); err != nil {
			return false, err
		}
		fmt.Fprintf(c.Out, "paused queue %s\n", c.Queue.Name())
		return true, nil
	}

	if err := c.Queue.Resume(ctx); err != nil {
		return false, err
	}
	fmt.Fprintf(c.Out, "resumed queue %s\n", c.Queue.Name())
	return true, nil
}

type promoteOpts struct {
	QueueOpts

	JobID string
}

type promote struct {
	CommandBase
}

func (c *promote) Run(ctx context.Context, opts *promoteOpts) (bool, error) {
	if opts.JobID != "" {
		if err := c.Queue.PromoteJob(ctx, opts.JobID); err != nil {
			return false, err
		}
		fmt.Fprintf(c.Out, "promoted job %s\n", opts.JobID)
		return true, nil
	}

	numPromoted, err := c.Queue.PromoteDelayed(ctx)
	if err != nil {
		return false, err
	}
	fmt.Fprintf(c.Out, "promoted %d job(s)\n", numPromoted)
	return true, nil
}

type repeatablesOpts struct {
	QueueOpts
}

type repeatables struct {
	CommandBase
}

func (c *repeatables) Run(ctx context.Context, opts *repeatablesOpts) (bool, error) {
	repeatableJobs, err := c.Queue.ListRepeatables(ctx)
	if err != nil {
		return false, err
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tSCHEDULE\tNEXT")
	for _, repeatable := range repeatableJobs {
		schedule := repeatable.Pattern
		if schedule == "" {
			schedule = "every " + repeatable.Every.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", repeatable.Key, repeatable.Name, schedule, repeatable.Next.UTC().Format(time.RFC3339))
	}
	return true, w.Flush()
}
