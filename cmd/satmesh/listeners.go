package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glimte/satmesh-go/viewer"
)

func newListenersCmd(flags *globalFlags) *cobra.Command {
	var queue string

	cmd := &cobra.Command{
		Use:   "listeners",
		Short: "Follow which satellites have live viewers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := flags.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			opts := []viewer.TrackerOption{
				viewer.OnWatchChange(func(id string, watched bool) {
					if watched {
						fmt.Fprintf(out, "watching %s\n", id)
					} else {
						fmt.Fprintf(out, "unwatched %s\n", id)
					}
				}),
			}
			if queue != "" {
				opts = append(opts, viewer.WithTrackerQueue(queue))
			}

			tracker, err := client.NewListenerTracker(opts...)
			if err != nil {
				return err
			}
			return quietCancel(tracker.Run(cmd.Context()))
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Durable queue to track from (default is a private queue)")
	return cmd
}
