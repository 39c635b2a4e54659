package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbagent/core/pkg/model"
)

func newCancelTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-task {task_id}",
		Short: "Request cancellation of one task",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return misusef("cancel-task takes exactly one argument, the task id")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]

			st, _, err := connectStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			ok, err := st.CancelTask(cmd.Context(), taskID)
			if err != nil {
				return fmt.Errorf("canceling task %s: %w", taskID, err)
			}
			if !ok {
				return fmt.Errorf("task %s was already terminal, or does not exist", taskID)
			}
			fmt.Printf("canceled %s\n", taskID)
			return nil
		},
	}
}

func newRevokeAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-all",
		Short: "Cancel every currently running task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := connectStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.ListTasksByStatus(cmd.Context(), model.TaskStatusRunning)
			if err != nil {
				return fmt.Errorf("listing running tasks: %w", err)
			}

			canceled := 0
			for _, t := range tasks {
				ok, err := st.CancelTask(cmd.Context(), t.ID)
				if err != nil {
					return fmt.Errorf("canceling task %s: %w", t.ID, err)
				}
				if ok {
					canceled++
				}
			}
			fmt.Printf("canceled %d of %d running tasks\n", canceled, len(tasks))
			return nil
		},
	}
}
