package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProvisionCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Declare the exchanges, role queues and configured topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := flags.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			topology := cfg.FabricTopology()
			if err := client.Provision(cmd.Context(), topology); err != nil {
				return fmt.Errorf("failed to provision topology: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Provisioned %d exchanges, %d queues, %d bindings\n",
				len(topology.Exchanges), len(topology.Queues), len(topology.Bindings))
			return nil
		},
	}
}
