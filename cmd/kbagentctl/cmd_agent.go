package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbagent/core/pkg/queue"
)

// newResetAgentStateCmd clears the agent singleton (spec.md §3.3). This
// store carries no separate AgentSingleton row — model.AgentSingleton is
// derived from "is a task currently running", the same relationship the
// stale-task reconciler relies on to reset the singleton when it marks a
// task failed. Forcing that reset here means forcing every currently
// running task to the same failed terminal state, so reset-agent-state
// reuses the startup orphan sweep rather than duplicating its logic.
func newResetAgentStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-agent-state",
		Short: "Clear the agent singleton by failing every currently running task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := connectStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := queue.CleanupStartupOrphans(cmd.Context(), st); err != nil {
				return fmt.Errorf("resetting agent state: %w", err)
			}
			fmt.Println("agent state reset")
			return nil
		},
	}
}
