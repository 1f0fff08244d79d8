package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/interceptors"
	"github.com/glimte/satmesh-go/messaging"
)

// received is one consumed message as printed by consume.
type received struct {
	Queue         string          `json:"queue,omitempty"`
	RoutingKey    string          `json:"routingKey,omitempty"`
	CorrelationID string          `json:"correlationId"`
	RequestOwner  string          `json:"requestOwner,omitempty"`
	RequestTime   time.Time       `json:"requestTime"`
	Body          json.RawMessage `json:"body"`
}

func newReceived(env *contracts.Envelope) received {
	return received{
		CorrelationID: env.CorrelationID(),
		RequestOwner:  env.RequestOwner(),
		RequestTime:   env.RequestTime(),
		Body:          env.Body(),
	}
}

// printer writes JSON lines and reports when count lines have been written.
type printer struct {
	mu    sync.Mutex
	enc   *json.Encoder
	count int
	seen  int
	done  context.CancelFunc
}

func newPrinter(out io.Writer, count int, done context.CancelFunc) *printer {
	return &printer{enc: json.NewEncoder(out), count: count, done: done}
}

func (p *printer) print(r received) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count > 0 && p.seen >= p.count {
		return errors.New("message limit reached")
	}
	if err := p.enc.Encode(r); err != nil {
		return err
	}
	p.seen++
	if p.count > 0 && p.seen == p.count {
		p.done()
	}
	return nil
}

func newConsumeCmd(flags *globalFlags) *cobra.Command {
	var (
		count          int
		patterns       []string
		owners         []string
		skipDuplicates bool
	)

	cmd := &cobra.Command{
		Use:   "consume [queue]",
		Short: "Print messages from a queue, or from topic patterns with --topic, as JSON lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (len(patterns) > 0) {
				return errors.New("give either a queue or at least one --topic pattern")
			}

			cfg, client, err := flags.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()
			logger := cfg.Logger()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			out := newPrinter(cmd.OutOrStdout(), count, cancel)

			if len(patterns) > 0 {
				consumer := client.NewTopicConsumer(messaging.WithTopicPrefetch(cfg.Consumer.Prefetch))
				for _, pattern := range patterns {
					if err := consumer.Bind(pattern); err != nil {
						return err
					}
				}
				err := consumer.RegisterCallback(func(ctx context.Context, body json.RawMessage) error {
					r := received{Body: body}
					if env := messaging.EnvelopeFromContext(ctx); env != nil {
						r = newReceived(env)
					}
					r.RoutingKey = messaging.RoutingKeyFromContext(ctx)
					return out.print(r)
				})
				if err != nil {
					return err
				}
				return quietCancel(consumer.Consume(ctx))
			}

			ackMode, err := cfg.AckMode()
			if err != nil {
				return err
			}
			consumer := client.NewConsumer(
				messaging.WithAckMode(ackMode),
				messaging.WithPrefetch(cfg.Consumer.Prefetch),
				messaging.WithMaxRedeliveries(cfg.Consumer.MaxRedeliveries))
			chain := interceptors.NewChain(interceptors.NewLoggingInterceptor(logger))
			if len(owners) > 0 {
				chain.Add(interceptors.NewFilteringInterceptor(interceptors.OwnedBy(owners...), logger))
			}
			if skipDuplicates {
				chain.Add(interceptors.NewDuplicateInterceptor(interceptors.NewMemoryDetector(time.Hour)).WithLogger(logger))
			}
			handler := chain.Then(messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
				r := newReceived(msg.Envelope)
				r.Queue = msg.Queue
				return out.print(r)
			}))
			return quietCancel(consumer.Consume(ctx, args[0], handler))
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many messages (0 runs until interrupted)")
	cmd.Flags().StringSliceVarP(&patterns, "topic", "t", nil, "Topic routing-key pattern to bind (repeatable)")
	cmd.Flags().StringSliceVar(&owners, "owner", nil, "Only print queue messages from these request owners; others are acknowledged and dropped")
	cmd.Flags().BoolVar(&skipDuplicates, "skip-duplicates", false, "Acknowledge without printing messages whose correlation id was already printed")
	return cmd
}

func quietCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("consumer stopped: %w", err)
	}
	return nil
}
