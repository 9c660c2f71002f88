package store

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/i474232898/netatmo-telemetry/internal/telemetry"
)

// messageWriter is the part of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each record to a topic, keyed by label.
type KafkaSink struct {
	writer messageWriter
	logger *zap.SugaredLogger
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, logger *zap.SugaredLogger) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

// StoreData writes one message.
func (s *KafkaSink) StoreData(ctx context.Context, rec telemetry.Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.Label),
		Value: data,
		Time:  rec.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() {
	if err := s.writer.Close(); err != nil {
		s.logger.Errorw("failed to close kafka writer", "error", err)
		return
	}
	s.logger.Info("kafka sink closed")
}
