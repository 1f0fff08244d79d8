package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glimte/satmesh-go/contracts"
)

var errInvalidJSON = errors.New("message body must be valid JSON")

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var (
		owner string
		topic bool
	)

	cmd := &cobra.Command{
		Use:   "publish <queue|routing-key> <json>",
		Short: "Publish a JSON message to a queue or, with --topic, to a routing key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := json.RawMessage(args[1])
			if !json.Valid(body) {
				return errInvalidJSON
			}

			_, client, err := flags.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var opts []contracts.EnvelopeOption
			if owner != "" {
				opts = append(opts, contracts.WithRequestOwner(owner))
			}

			if topic {
				if err := client.TopicPublisher().Publish(cmd.Context(), args[0], body, opts...); err != nil {
					return fmt.Errorf("failed to publish: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Published to %s\n", args[0])
				return nil
			}

			result, err := client.Publisher().Send(cmd.Context(), args[0], body, opts...)
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published to %s (correlation id %s)\n", result.Queue, result.CorrelationID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Request owner recorded in the envelope")
	cmd.Flags().BoolVarP(&topic, "topic", "t", false, "Treat the destination as a topic routing key")
	return cmd
}
