package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/queue"
)

func newStatsCmd() *cobra.Command {
	var daemonAddr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print per-status task counts, phase timing averages, and worker-pool counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := connectStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "STATUS\tCOUNT")
			for _, status := range []model.TaskStatus{
				model.TaskStatusPending, model.TaskStatusRunning, model.TaskStatusSucceeded,
				model.TaskStatusFailed, model.TaskStatusCanceled,
			} {
				tasks, err := st.ListTasksByStatus(cmd.Context(), status)
				if err != nil {
					return fmt.Errorf("listing %s tasks: %w", status, err)
				}
				fmt.Fprintf(tw, "%s\t%d\n", status, len(tasks))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			phaseStats, err := st.GetPhaseStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("loading phase stats: %w", err)
			}
			if len(phaseStats) > 0 {
				fmt.Println()
				ptw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
				fmt.Fprintln(ptw, "PHASE\tITEMS_PROCESSED\tAVG_SECONDS_PER_ITEM")
				for _, ps := range phaseStats {
					fmt.Fprintf(ptw, "%s\t%d\t%.2f\n", ps.PhaseID, ps.ItemsProcessedTotal, ps.AvgSecondsPerItem())
				}
				if err := ptw.Flush(); err != nil {
					return err
				}
			}

			fmt.Println()
			printWorkerPoolHealth(daemonAddr)
			return nil
		},
	}
	cmd.Flags().StringVar(&daemonAddr, "daemon-addr", envOrDefault("DAEMON_HTTP_ADDR", "http://localhost:8080"), "kbagentd's HTTP address, for worker-pool counts")
	return cmd
}

// printWorkerPoolHealth fetches /queue/health from a running kbagentd.
// Worker-pool state lives only in that process's memory, not the store,
// so this is best-effort: an unreachable daemon just means no worker-pool
// section, not a command failure.
func printWorkerPoolHealth(daemonAddr string) {
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(daemonAddr + "/queue/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker pool: unreachable (%v)\n", err)
		return
	}
	defer resp.Body.Close()

	var health queue.PoolHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "worker pool: could not decode health response: %v\n", err)
		return
	}

	busy := 0
	for _, w := range health.Workers {
		if w.Busy {
			busy++
		}
	}
	fmt.Printf("worker pool (%s): %d/%d workers busy, %d tasks reconciled\n", health.PodID, busy, health.WorkerCount, health.TasksReconciled)
}
