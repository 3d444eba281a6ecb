package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

var debugLogging bool

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentgauge",
		Short: "AgentGauge - goal-driven testing for conversational AI agents",
		Long: `AgentGauge runs simulated customer conversations against a deployed
AI agent and grades the outcomes.

Each test goal describes what a customer is trying to accomplish. A language
model plays the customer, the conversation runs over the agent's messaging
channel, and a final analysis scores whether the goal was achieved.`,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging")

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newSingleCommand())
	cmd.AddCommand(newServeCommand())

	return cmd
}

func execute() error {
	rootCmd := newRootCommand()
	return rootCmd.Execute()
}
