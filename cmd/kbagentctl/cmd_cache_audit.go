package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbagent/core/pkg/validator"
)

// newCacheAuditCmd runs the same consistency pass the pipeline runs
// before every batch, across the full store in one go, for an operator
// to inspect outside of a scheduled task — grounded on the
// diagnose_agent_state.py / check_stale_tasks.py operational scripts this
// repo's original tooling shipped alongside the daemon.
func newCacheAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cache-audit",
		Short: "Run the cache consistency validator across the full store and report repairs and collisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := connectStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			items, err := st.ListAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing items: %w", err)
			}

			report, err := validator.New().Run(cmd.Context(), st, items)
			if err != nil {
				return fmt.Errorf("running cache audit: %w", err)
			}

			fmt.Printf("scanned %d items: %d repairs, %d kb_dir_path collisions\n", len(items), len(report.Repairs), len(report.Collisions))
			for _, r := range report.Repairs {
				fmt.Printf("  repaired %s.%s: %s\n", r.ItemID, r.Field, r.Detail)
			}
			for _, c := range report.Collisions {
				fmt.Printf("  collision at %s: items %v\n", c.Path, c.ItemIDs)
			}
			return nil
		},
	}
}
