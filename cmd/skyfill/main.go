package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/aggregator"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/api"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/artifact"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/client"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/coordinator"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/events"
	_ "github.com/METResearchGroup/bluesky-research-sub005/pkg/handlers/bluesky"
	_ "github.com/METResearchGroup/bluesky-research-sub005/pkg/handlers/echo"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/log"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/metrics"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/queue"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/ratelimit"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/storage"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes
const (
	exitOK            = 0
	exitInvalidConfig = 2
	exitJobNotFound   = 3
	exitUnknownRef    = 4
	exitUnavailable   = 5
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a command error to the process exit code
func exitCodeFor(err error) int {
	switch {
	case client.IsInvalidSpec(err), errors.Is(err, types.ErrInvalidSpec):
		return exitInvalidConfig
	case client.IsNotFound(err):
		return exitJobNotFound
	case client.IsUnknownHandler(err):
		return exitUnknownRef
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return 1
	}
	if isCommandError(err) {
		return 1
	}
	// Not a server-side rejection: the server or its storage is unreachable
	return exitUnavailable
}

// commandError marks failures that are local to the CLI rather than
// transport-level
type commandError struct{ err error }

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

func isCommandError(err error) bool {
	var ce *commandError
	return errors.As(err, &ce)
}

var rootCmd = &cobra.Command{
	Use:   "skyfill",
	Short: "Skyfill - distributed batch backfill runtime",
	Long: `Skyfill runs large batch backfill jobs against rate-limited APIs.

A single binary hosts the coordinator, the worker pool and the HTTP API.
Jobs are declared in YAML, partitioned into batches, executed at-least-once
under a global rate budget, and aggregated into one output artifact.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Skyfill version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "127.0.0.1:7733", "server address for client commands")

	runCmd.Flags().String("data-dir", "/var/lib/skyfill", "state and artifact directory")
	runCmd.Flags().String("api-addr", "127.0.0.1:7733", "HTTP API listen address")
	runCmd.Flags().String("rate-config", "", "rate-limit endpoint config file (YAML)")
	runCmd.Flags().Int("slots", 4, "concurrent worker slots")
	runCmd.Flags().Duration("lease", 60*time.Second, "task lease duration")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	submitCmd.Flags().String("config", "", "job spec file (YAML)")
	_ = submitCmd.MarkFlagRequired("config")

	statusCmd.Flags().String("job", "", "job ID")
	tasksCmd.Flags().String("job", "", "job ID")
	_ = tasksCmd.MarkFlagRequired("job")
	tasksCmd.Flags().String("status", "", "filter tasks by status")
	cancelCmd.Flags().String("job", "", "job ID")
	_ = cancelCmd.MarkFlagRequired("job")
	logsCmd.Flags().String("job", "", "job ID")
	_ = logsCmd.MarkFlagRequired("job")
	logsCmd.Flags().String("task", "", "filter log lines to one task")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(eventsCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator, worker pool and API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		rateConfig, _ := cmd.Flags().GetString("rate-config")
		slots, _ := cmd.Flags().GetInt("slots")
		lease, _ := cmd.Flags().GetDuration("lease")
		logLevel, _ := cmd.Flags().GetString("log-level")

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer store.Close()

		artifacts, err := artifact.NewStore(filepath.Join(dataDir, "artifacts"))
		if err != nil {
			return fmt.Errorf("failed to open artifact store: %w", err)
		}

		rateCfg := &ratelimit.Config{}
		if rateConfig != "" {
			rateCfg, err = ratelimit.LoadConfig(rateConfig)
			if err != nil {
				return &commandError{fmt.Errorf("%w: %s", types.ErrInvalidSpec, err)}
			}
		}
		limiter, err := ratelimit.NewManager(store, rateCfg)
		if err != nil {
			return fmt.Errorf("failed to init rate limiter: %w", err)
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		logSink, err := events.NewJobLogSink(filepath.Join(dataDir, "logs"), broker)
		if err != nil {
			return fmt.Errorf("failed to open log sink: %w", err)
		}
		logSink.Start()
		defer logSink.Stop()

		q := queue.New(store)
		merger := aggregator.NewMerger(store, artifacts)

		coord := coordinator.New(coordinator.Config{}, store, q, artifacts, broker)
		coord.Start()
		defer coord.Stop()

		pool := worker.NewPool(worker.Config{
			Slots:         slots,
			LeaseDuration: lease,
		}, store, q, limiter, artifacts, broker, merger)
		pool.Start()
		defer pool.Stop()

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		server := api.NewServer(coord, store, broker, filepath.Join(dataDir, "logs"))
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(apiAddr); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			return fmt.Errorf("api server failed: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(ctx)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job from a YAML spec",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		spec, err := types.LoadJobSpec(configPath)
		if err != nil {
			return &commandError{err}
		}

		c := clientFor(cmd)
		job, err := c.Submit(cmd.Context(), spec, os.Getenv("USER"))
		if err != nil {
			return err
		}

		fmt.Printf("✓ Job submitted\n")
		fmt.Printf("  ID:      %s\n", job.ID)
		fmt.Printf("  Name:    %s\n", job.Name)
		fmt.Printf("  Handler: %s\n", job.HandlerRef)
		fmt.Printf("  Batches: %d\n", job.BatchCount)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job status, or list all jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job")
		c := clientFor(cmd)

		if jobID == "" {
			jobs, err := c.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPHASE\tBATCHES\tSUCCEEDED\tFAILED")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					job.ID, job.Name, job.Status, job.Phase, job.BatchCount,
					job.Counters.Succeeded,
					job.Counters.FailedRetryable+job.Counters.FailedTerminal)
			}
			return w.Flush()
		}

		job, err := c.GetJob(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List a job's tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job")
		status, _ := cmd.Flags().GetString("status")

		tasks, err := clientFor(cmd).ListTasks(cmd.Context(), jobID, status)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tROLE\tPHASE\tATTEMPT\tSTATUS\tOWNER\tERROR")
		for _, t := range tasks {
			errMsg := ""
			if t.Error != nil {
				errMsg = fmt.Sprintf("[%s] %s", t.Error.Kind, t.Error.Message)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				t.ID, t.Role, t.Phase, t.Attempt, t.Status, t.LeaseOwner, errMsg)
		}
		return w.Flush()
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a running job",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job")
		if err := clientFor(cmd).Cancel(cmd.Context(), jobID); err != nil {
			return err
		}
		fmt.Printf("✓ Job %s cancelled\n", jobID)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Stream a job's log",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job")
		taskID, _ := cmd.Flags().GetString("task")

		if taskID == "" {
			return clientFor(cmd).Logs(cmd.Context(), jobID, os.Stdout)
		}

		var buf bytes.Buffer
		if err := clientFor(cmd).Logs(cmd.Context(), jobID, &buf); err != nil {
			return err
		}
		scanner := bufio.NewScanner(&buf)
		for scanner.Scan() {
			var entry struct {
				Metadata map[string]string `json:"metadata"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				continue
			}
			if entry.Metadata["task_id"] == taskID {
				fmt.Println(scanner.Text())
			}
		}
		return scanner.Err()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent runtime events",
	RunE: func(cmd *cobra.Command, args []string) error {
		evts, err := clientFor(cmd).Events(cmd.Context())
		if err != nil {
			return err
		}
		for _, e := range evts {
			meta, _ := json.Marshal(e.Metadata)
			fmt.Printf("%s  %-22s %s %s\n",
				e.Timestamp.Format(time.RFC3339), e.Type, e.Message, meta)
		}
		return nil
	},
}

func clientFor(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	return client.New(addr)
}

func printJob(job *types.Job) {
	fmt.Printf("Job:        %s\n", job.ID)
	fmt.Printf("Name:       %s\n", job.Name)
	fmt.Printf("Handler:    %s\n", job.HandlerRef)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Phase:      %s\n", job.Phase)
	fmt.Printf("Batches:    %d\n", job.BatchCount)
	fmt.Printf("Submitted:  %s by %s\n", job.SubmittedAt.Format(time.RFC3339), job.SubmittedBy)
	fmt.Printf("Tasks:      %d pending, %d leased, %d running, %d succeeded, %d failed retryable, %d failed terminal, %d cancelled\n",
		job.Counters.Pending, job.Counters.Leased, job.Counters.Running,
		job.Counters.Succeeded, job.Counters.FailedRetryable,
		job.Counters.FailedTerminal, job.Counters.Cancelled)
	if job.OrphansReclaimed > 0 {
		fmt.Printf("Orphans:    %d reclaimed\n", job.OrphansReclaimed)
	}
	if job.AggregateRef != "" {
		fmt.Printf("Aggregate:  %s\n", job.AggregateRef)
	}
	if job.FailureReason != nil {
		fmt.Printf("Failure:    phase %s, %d retryable, %d terminal\n",
			job.FailureReason.PhaseFailed, job.FailureReason.RetryableCount, job.FailureReason.TerminalCount)
		if job.FailureReason.FirstErrorSample != "" {
			fmt.Printf("            first error: %s\n", job.FailureReason.FirstErrorSample)
		}
	}
	if !job.CompletedAt.IsZero() {
		fmt.Printf("Completed:  %s\n", job.CompletedAt.Format(time.RFC3339))
	}
}
