package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"sentinel/internal/config"
)

// StartKafka consumes JSON security events from the configured topic and
// records each one. Malformed messages are logged and skipped; the consumer
// never stops for bad input.
func StartKafka(ctx context.Context, cfg *config.Manager, recorder Recorder, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka intake disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka intake enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			in, err := DecodeEvent(m.Value)
			if err != nil {
				if logger != nil {
					logger.Warn("kafka intake decode error", "err", err)
				}
				continue
			}
			if _, err := recorder.RecordEvent(ctx, in); err != nil {
				if logger != nil {
					logger.Warn("kafka intake record error", "err", err)
				}
			}
		}
	}()
}
