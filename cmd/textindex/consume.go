package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/consumer"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/metrics"
)

func newConsumeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Apply payload update events from Kafka to the index",
		Long: `Consumes {"op", "point_id", "key", "payload"} events from kafka.payloadTopic
and applies them until interrupted. The index is flushed every
index.flushInterval and once more on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = logger.WithOperation(ctx, "consume")
			log := logger.FromContext(ctx)

			if a.cfg.Metrics.Enabled {
				shutdown := metrics.StartServer(a.cfg.Metrics.Port)
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(sctx); err != nil {
						log.Error("metrics server shutdown failed", "error", err)
					}
				}()
			}

			idx, err := a.openIndex(ctx)
			if err != nil {
				return err
			}
			defer idx.Close()

			kc := kafka.NewConsumer(a.cfg.Kafka, consumer.HandleMessage(idx))
			log.Info("payload consumer ready",
				"topic", a.cfg.Kafka.PayloadTopic,
				"group", a.cfg.Kafka.ConsumerGroup,
			)
			err = consumer.New(kc, idx, a.cfg.Index.FlushInterval).Run(ctx)
			log.Info("payload consumer stopped")
			return err
		},
	}
}
