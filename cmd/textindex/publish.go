package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/consumer"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/logger"
)

const publishBatchSize = 500

func newPublishCommand(a *app) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish payload update events from a JSONL file to Kafka",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := logger.WithOperation(cmd.Context(), "publish")
			in := cmd.InOrStdin()
			if input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return fmt.Errorf("opening events file: %w", err)
				}
				defer f.Close()
				in = f
			}

			producer := kafka.NewProducer(a.cfg.Kafka)
			defer producer.Close()

			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			var (
				batch []kafka.Event
				total int
				line  int
			)
			for scanner.Scan() {
				line++
				if len(scanner.Bytes()) == 0 {
					continue
				}
				var e consumer.Event
				if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
					return fmt.Errorf("%w: line %d: %v", apperrors.ErrInvalidInput, line, err)
				}
				if e.PointID == nil {
					return fmt.Errorf("%w: line %d: missing point_id", apperrors.ErrInvalidInput, line)
				}
				batch = append(batch, kafka.Event{Key: strconv.FormatUint(uint64(*e.PointID), 10), Value: e})
				if len(batch) == publishBatchSize {
					if err := producer.PublishBatch(ctx, batch); err != nil {
						return err
					}
					total += len(batch)
					batch = batch[:0]
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("reading events: %w", err)
			}
			if err := producer.PublishBatch(ctx, batch); err != nil {
				return err
			}
			total += len(batch)
			logger.FromContext(ctx).Info("events published", "count", total, "topic", a.cfg.Kafka.PayloadTopic)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "-", "events file, - for stdin")
	return cmd
}
