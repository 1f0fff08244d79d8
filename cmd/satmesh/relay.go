package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	satmesh "github.com/glimte/satmesh-go"
	"github.com/glimte/satmesh-go/internal/relay"
	"github.com/glimte/satmesh-go/metrics"
)

func newRelayCmd(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve live satellite state to WebSocket viewers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			collector := metrics.New()
			cfg, client, err := flags.connect(cmd.Context(), satmesh.WithMetrics(collector))
			if err != nil {
				return err
			}
			defer client.Close()

			if listen == "" {
				listen = cfg.Relay.ListenAddr
			}
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}

			server, err := relay.New(client, collector,
				relay.WithConfig(cfg.Relay),
				relay.WithRelayQueue(cfg.Queues.Relay),
				relay.WithLogger(cfg.Logger()))
			if err != nil {
				_ = ln.Close()
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", ln.Addr())
			return server.Run(cmd.Context(), ln)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default relay.listen_addr)")
	return cmd
}
