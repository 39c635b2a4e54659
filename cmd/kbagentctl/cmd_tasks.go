package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbagent/core/pkg/model"
)

func newListActiveTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-active-tasks",
		Short: "Report tasks currently running, with age and current phase message",
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

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK_ID\tKIND\tAGE\tPHASE\tMESSAGE")
			for _, t := range tasks {
				phase := "-"
				if t.CurrentPhase != nil {
					phase = *t.CurrentPhase
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Kind, time.Since(t.CreatedAt).Round(time.Second), phase, t.CurrentPhaseMessage)
			}
			return tw.Flush()
		},
	}
}

func newListStaleTasksCmd() *cobra.Command {
	var olderThanHours float64

	cmd := &cobra.Command{
		Use:   "list-stale-tasks",
		Short: "Report running tasks whose heartbeat has gone quiet longer than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := connectStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			threshold := cfg.Queue.StaleThreshold
			if cmd.Flags().Changed("older-than") {
				threshold = time.Duration(olderThanHours * float64(time.Hour))
			}
			cutoff := time.Now().Add(-threshold)

			tasks, err := st.ListTasksByStatus(cmd.Context(), model.TaskStatusRunning)
			if err != nil {
				return fmt.Errorf("listing running tasks: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK_ID\tKIND\tLAST_HEARTBEAT\tSINCE")
			for _, t := range tasks {
				if t.LastHeartbeatAt == nil || t.LastHeartbeatAt.After(cutoff) {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Kind, t.LastHeartbeatAt.Format(time.RFC3339), time.Since(*t.LastHeartbeatAt).Round(time.Second))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Float64Var(&olderThanHours, "older-than", 2, "staleness threshold in hours (default: the daemon's configured stale_threshold)")
	return cmd
}
