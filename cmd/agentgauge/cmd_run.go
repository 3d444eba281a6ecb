package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentgauge/agentgauge/internal/models"
	"github.com/agentgauge/agentgauge/internal/orchestration"
	"github.com/agentgauge/agentgauge/internal/webapi"
)

func newRunCommand() *cobra.Command {
	var (
		batchName string
		workers   int
		goalsDir  string
	)

	cmd := &cobra.Command{
		Use:   "run [goal-id ...]",
		Short: "Run a batch of test goals",
		Long: `Run a batch of test goals against the configured agent.

With no arguments every enabled goal in the goals directory runs. Passing
goal IDs restricts the batch to those goals. Ctrl-C stops the batch
gracefully: queued goals are dropped and in-flight conversations finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(batchName, workers, goalsDir, args)
		},
	}

	cmd.Flags().StringVar(&batchName, "name", "", "Batch name (default: timestamped)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Max concurrent conversations (default: from config)")
	cmd.Flags().StringVar(&goalsDir, "goals-dir", "", "Goals directory (default: from config)")

	return cmd
}

func runBatch(batchName string, workers int, goalsDir string, goalIDs []string) error {
	a, err := buildApp(debugLogging)
	if err != nil {
		return err
	}
	defer func() { _ = a.logger.Sync() }()

	if goalsDir != "" {
		a.goals = &webapi.FileGoalSource{Dir: goalsDir}
	}

	goals, err := selectGoals(a, goalIDs)
	if err != nil {
		return err
	}

	if workers <= 0 {
		workers = a.cfg.Run.MaxConcurrency
	}

	exec := orchestration.NewExecutor(a.driver, a.store, orchestration.Options{
		MaxConcurrency: workers,
	}, a.logger)

	exec.OnEvent(func(event orchestration.Event) {
		switch event.Type {
		case orchestration.EventTestStarted:
			fmt.Printf("▶ %s\n", event.GoalName)
		case orchestration.EventTestCompleted:
			mark := "✗"
			if event.Session != nil && event.Session.Succeeded() {
				mark = "✓"
			}
			fmt.Printf("%s %s (%d/%d)\n", mark, event.GoalName,
				event.Progress.Completed, event.Progress.Total)
		case orchestration.EventBatchError:
			fmt.Printf("✗ batch failed: %s\n", event.Error)
		}
	})

	run, err := exec.Start(a.cfg.ProjectID, batchName, goals)
	if err != nil {
		return err
	}
	fmt.Printf("Batch %s: %d test(s), %d worker(s)\n", run.Name, run.TotalTestCases, workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		fmt.Println("\nStopping batch, letting in-flight tests finish...")
		exec.Stop()
		<-exec.Done()
	case <-exec.Done():
	}

	final := exec.RunSnapshot()
	printBatchSummary(final)

	if final.Status == models.BatchFailed {
		return fmt.Errorf("batch %q ended in failure", final.Name)
	}
	if final.FailedTests > 0 {
		return &TestFailureError{
			Message: fmt.Sprintf("%d of %d tests failed", final.FailedTests, final.CompletedTestCases),
		}
	}
	return nil
}

func selectGoals(a *app, goalIDs []string) ([]*models.Goal, error) {
	if len(goalIDs) == 0 {
		return a.goals.All()
	}
	goals := make([]*models.Goal, 0, len(goalIDs))
	for _, id := range goalIDs {
		g, err := a.goals.Get(id)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, nil
}

func printBatchSummary(run *models.BatchRun) {
	fmt.Println()
	fmt.Printf("Batch %s: %s\n", run.Name, run.Status)
	fmt.Printf("  completed:    %d/%d\n", run.CompletedTestCases, run.TotalTestCases)
	fmt.Printf("  successful:   %d\n", run.SuccessfulTests)
	fmt.Printf("  failed:       %d\n", run.FailedTests)
	fmt.Printf("  success rate: %.2f%%\n", run.SuccessRate)
	for _, e := range run.Errors {
		fmt.Printf("  error [%s]: %s\n", e.GoalName, e.Message)
	}
}
