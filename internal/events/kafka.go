package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSink publishes events as JSON keyed by record id. The writer is async
// so the engine never waits on the broker.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	s := &KafkaSink{logger: logger}
	s.writer = &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("publish events to kafka", zap.Int("count", len(msgs)), zap.Error(err))
			}
		},
	}
	return s
}

func (s *KafkaSink) RecordEvent(ev Event) {
	msg, err := kafkaMessage(ev)
	if err != nil {
		s.logger.Error("encode event", zap.Error(err))
		return
	}
	if err := s.writer.WriteMessages(context.Background(), msg); err != nil {
		s.logger.Warn("queue event for kafka", zap.Error(err))
	}
}

// kafkaMessage keys by record id so a record's events stay ordered in one partition.
func kafkaMessage(ev Event) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.RecordID, 10)),
		Value: b,
	}, nil
}

// Close flushes pending messages.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
