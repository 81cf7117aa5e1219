// Package main provides the semflow binary entry point.
// Semflow drives named multi-step workflows (implement, fix, test) with
// durable task records, bounded retries, and parallel validation gates.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "semflow",
		Short: "Workflow orchestration for spec-driven development",
		Long: `Semflow drives named multi-step workflows with durable task records,
bounded retry budgets, and parallel validation gates.

Commands (implement, fix, test) define an ordered step graph. Progress is
checkpointed after every step, so an interrupted run resumes exactly where
it stopped. Workers are dispatched over NATS.`,
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(&logLevel))
	cmd.AddCommand(resumeCmd(&logLevel))
	cmd.AddCommand(statusCmd(&logLevel))
	cmd.AddCommand(protocolsCmd(&logLevel))

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// setup configures logging, loads config, and starts the app.
func setup(ctx context.Context, logLevel string) (*App, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	app := NewApp(cfg, logger)
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <command> <task description>",
		Short: "Start a workflow",
		Long:  fmt.Sprintf("Start one of the named workflows (%s) with a free-text task description.", strings.Join(workflow.TemplateNames(), ", ")),
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := setup(ctx, *logLevel)
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			record, err := app.engine.Run(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printRecord(record)
			if record.Status == workflow.StatusFailed {
				return fmt.Errorf("workflow %s failed", record.ID)
			}
			return nil
		},
	}
}

func resumeCmd(logLevel *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "resume <record-id>",
		Short: "Resume an interrupted workflow",
		Long: `Resume reconstructs an in-progress workflow from its checkpoint and
continues execution. Terminal and never-started records are reported
unchanged. With --dry-run, only the derived next step is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := setup(ctx, *logLevel)
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			if dryRun {
				outcome, err := app.engine.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				printOutcome(outcome)
				return nil
			}

			record, err := app.engine.ResumeAndRun(ctx, args[0])
			if err != nil {
				return err
			}
			printRecord(record)
			if record.Status == workflow.StatusFailed {
				return fmt.Errorf("workflow %s failed", record.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the derived next step without executing")
	return cmd
}

func statusCmd(logLevel *string) *cobra.Command {
	var auditTrail bool

	cmd := &cobra.Command{
		Use:   "status [record-id]",
		Short: "Show workflow status",
		Long:  "Without an id, lists all records. With an id, shows the record's steps, checkpoint, and optionally its audit trail.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := setup(ctx, *logLevel)
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			if len(args) == 0 {
				records, err := app.store.List(ctx)
				if err != nil {
					return err
				}
				printRecordList(records)
				return nil
			}

			record, err := app.store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			printRecord(record)

			if auditTrail {
				events, err := app.audit.List(ctx, record.ID)
				if err != nil {
					return err
				}
				printAuditTrail(events)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&auditTrail, "audit", false, "Include the audit trail")
	return cmd
}

func protocolsCmd(logLevel *string) *cobra.Command {
	var (
		role string
		desc string
		maxK int
	)

	cmd := &cobra.Command{
		Use:   "protocols",
		Short: "List protocol entries or preview a selection",
		Long:  "Lists the loaded protocol catalog. With --role and --desc, previews what the selector would pick.",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := setup(ctx, *logLevel)
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			entries := app.registry.Entries()
			if role != "" && desc != "" {
				entries = app.registry.Select(role, desc, maxK)
				fmt.Printf("Selection for role %q (max %d):\n", role, maxK)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tROLE\tCLASS\tDESCRIPTION")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", entry.Name, entry.OwningRole, entry.Class, entry.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Role to select for")
	cmd.Flags().StringVar(&desc, "desc", "", "Task description to match")
	cmd.Flags().IntVar(&maxK, "max", 3, "Maximum entries to select")
	return cmd
}

func printRecord(record *workflow.TaskRecord) {
	fmt.Printf("%s  %s %q  status=%s\n", record.ID, record.Command, record.Argument, record.Status)
	for i, step := range record.Steps {
		marker := "  "
		if record.Status == workflow.StatusInProgress && i == record.CurrentStepIndex {
			marker = "> "
		}
		fmt.Printf("  %s%d. %-12s %-14s %s\n", marker, i+1, step.Name, step.Kind, step.Status)
		if step.LastError != "" {
			fmt.Printf("      last error: %s\n", firstLine(step.LastError))
		}
	}
	if record.Checkpoint.NextStepSummary != "" && !record.IsTerminal() {
		fmt.Printf("  next: %s\n", record.Checkpoint.NextStepSummary)
	}
	if len(record.RetryCounts) > 0 {
		fmt.Printf("  retries: %v (total %d)\n", record.RetryCounts, record.RetryTotal())
	}
	if record.FailureReport != nil {
		fmt.Printf("  FAILED: %s\n", record.FailureReport.Reason)
		for _, failure := range record.FailureReport.StepFailures {
			fmt.Printf("    %s (attempts %d): %s\n", failure.Step, failure.Attempts, firstLine(failure.LastError))
		}
		fmt.Printf("  recommended: %s\n", record.FailureReport.RecommendedAction)
	}
}

func printOutcome(outcome workflow.ResumeOutcome) {
	fmt.Printf("%s  status=%s\n", outcome.RecordID, outcome.Status)
	if !outcome.Resumable {
		fmt.Println("  nothing to resume")
		return
	}
	fmt.Printf("  next step: %d (%s)\n", outcome.NextStepIndex+1, outcome.NextStepName)
	if outcome.NextStepSummary != "" {
		fmt.Printf("  summary: %s\n", outcome.NextStepSummary)
	}
}

func printRecordList(records []*workflow.TaskRecord) {
	if len(records) == 0 {
		fmt.Println("No workflows found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMMAND\tSTATUS\tSTEP\tSTARTED")
	for _, record := range records {
		step := ""
		if current := record.CurrentStep(); current != nil && record.Status == workflow.StatusInProgress {
			step = current.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			record.ID, record.Command, record.Status, step,
			record.StartedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

func printAuditTrail(events []storage.Event) {
	fmt.Println("\nAudit trail:")
	for _, event := range events {
		step := ""
		if event.Step != "" {
			step = " step=" + event.Step
		}
		fmt.Printf("  %s %-18s%s  %s\n", event.At.Format("15:04:05"), event.Kind, step, event.Detail)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
