package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/queue"
)

func newSubmitTaskCmd() *cobra.Command {
	var preferencesJSON string

	cmd := &cobra.Command{
		Use:   "submit-task {kind}",
		Short: "Enqueue a new pending task and print its task_id",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return misusef("submit-task takes exactly one argument, the task kind")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]

			var prefs model.Preferences
			if preferencesJSON != "" {
				dec := json.NewDecoder(strings.NewReader(preferencesJSON))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&prefs); err != nil {
					return misusef("parsing --preferences: %v", err)
				}
			}

			st, cfg, err := connectStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			reg := queue.NewRegistry(st)
			if cfg.Queue.Backend == "redis" && cfg.Queue.RedisURL != "" {
				opts, err := redis.ParseURL(cfg.Queue.RedisURL)
				if err != nil {
					return misusef("invalid QUEUE_REDIS_URL: %v", err)
				}
				client := redis.NewClient(opts)
				defer client.Close()
				reg = queue.NewRegistryWithBacklog(st, queue.NewRedisBacklog(client, "kbagent:queue:pending"))
			}

			taskID, err := reg.Submit(cmd.Context(), kind, prefs)
			if err != nil {
				return fmt.Errorf("submitting task: %w", err)
			}
			fmt.Println(taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&preferencesJSON, "preferences", "", "JSON-encoded model.Preferences overrides")
	return cmd
}
