package kafkalib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/artie-labs/capture/config"
	"github.com/artie-labs/capture/lib"
	"github.com/artie-labs/capture/lib/mtr"
)

const (
	maxRetries   = 10
	baseJitterMs = 300
	maxJitterMs  = 5000
)

// BatchWriter publishes change records to Kafka in chunks, reloading the
// underlying writer on auth-class failures.
type BatchWriter struct {
	writer *kafka.Writer

	cfg    config.Kafka
	statsD mtr.Client
}

func NewBatchWriter(ctx context.Context, cfg config.Kafka, statsD mtr.Client) (*BatchWriter, error) {
	writer, err := NewWriter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if statsD == nil {
		statsD = mtr.Noop()
	}

	return &BatchWriter{writer: writer, cfg: cfg, statsD: statsD}, nil
}

func (w *BatchWriter) reload(ctx context.Context) error {
	if err := w.writer.Close(); err != nil {
		return err
	}

	writer, err := NewWriter(ctx, w.cfg)
	if err != nil {
		return err
	}

	w.writer = writer
	return nil
}

func (w *BatchWriter) Close() error {
	return w.writer.Close()
}

func (w *BatchWriter) Write(ctx context.Context, rawMsgs []lib.RawMessage) error {
	msgs, err := buildKafkaMessages(w.cfg, rawMsgs)
	if err != nil {
		return fmt.Errorf("failed to build kafka messages: %w", err)
	}

	b := NewBatch(msgs, w.cfg.GetPublishSize())
	if batchErr := b.IsValid(); batchErr != nil {
		if errors.Is(batchErr, ErrEmptyBatch) {
			return nil
		}

		return fmt.Errorf("batch is not valid: %w", batchErr)
	}

	for b.HasNext() {
		var kafkaErr error
		chunk := b.NextChunk()
		for attempts := 0; attempts < maxRetries; attempts++ {
			kafkaErr = w.writer.WriteMessages(ctx, chunk...)
			if kafkaErr == nil {
				break
			}

			if isExceedMaxMessageBytesErr(kafkaErr) {
				slog.Info("Skipping this chunk since the batch exceeded the server's max message size")
				kafkaErr = nil
				break
			}

			if isRetryableError(kafkaErr) {
				if reloadErr := w.reload(ctx); reloadErr != nil {
					slog.Warn("Failed to reload kafka writer", slog.Any("err", reloadErr))
				}
			} else {
				sleepMs := lib.JitterMs(baseJitterMs, maxJitterMs, attempts)
				slog.Info("Failed to publish to kafka, jitter sleeping before retrying...",
					slog.Any("err", kafkaErr),
					slog.Int("attempts", attempts),
					slog.Int("sleepMs", sleepMs),
				)
				time.Sleep(time.Duration(sleepMs) * time.Millisecond)
			}
		}

		w.statsD.Count("kafka.publish", int64(len(chunk)), map[string]string{
			"success": fmt.Sprint(kafkaErr == nil),
		})
		if kafkaErr != nil {
			return fmt.Errorf("failed to write messages: %w", kafkaErr)
		}
	}
	return nil
}

// OnComplete is part of the destination contract; Kafka needs no finalizer.
func (w *BatchWriter) OnComplete(_ context.Context) error {
	return nil
}
