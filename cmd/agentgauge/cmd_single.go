package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newSingleCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "single <goal-id>",
		Short: "Run one test goal and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSingle(args[0], asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full session record as JSON")

	return cmd
}

func runSingle(goalID string, asJSON bool) error {
	a, err := buildApp(debugLogging)
	if err != nil {
		return err
	}
	defer func() { _ = a.logger.Sync() }()

	goal, err := a.goals.Get(goalID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, runErr := a.driver.Run(ctx, goal, "")

	if asJSON {
		data, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("Goal: %s\n", goal.Name)
		for _, turn := range sess.Transcript {
			fmt.Printf("  [%s] %s\n", turn.Sender, turn.Text)
		}
		fmt.Printf("Status: %s\n", sess.Status)
		if sess.EndReason != "" {
			fmt.Printf("End reason: %s\n", sess.EndReason)
		}
		if sess.Verdict != nil {
			fmt.Printf("Goal achieved: %v (score %.0f)\n", sess.Verdict.GoalAchieved, sess.Verdict.Score)
			fmt.Printf("Summary: %s\n", sess.Verdict.Summary)
		}
	}

	if runErr != nil {
		return fmt.Errorf("test did not finish: %w", runErr)
	}
	if !sess.Succeeded() {
		return &TestFailureError{Message: fmt.Sprintf("goal %q was not achieved", goal.Name)}
	}
	return nil
}
