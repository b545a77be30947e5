package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Logger  *slog.Logger
	// Extra is merged into the producer ConfigMap.
	Extra map[string]string
}

// KafkaSink produces envelopes to a topic keyed by channel id, so each
// channel's events stay ordered within a partition.
type KafkaSink struct {
	producer *kafka.Producer
	topic    string
	logger   *slog.Logger
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = "realcast.events"
	}
	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Brokers, ","),
		"acks":               "all",
		"enable.idempotence": true,
	}
	for k, v := range cfg.Extra {
		if err := configMap.SetKey(k, v); err != nil {
			return nil, fmt.Errorf("kafka config %s: %w", k, err)
		}
	}
	producer, err := kafka.NewProducer(configMap)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := &KafkaSink{producer: producer, topic: topic, logger: logger}
	go sink.drainEvents()
	return sink, nil
}

// drainEvents consumes producer-level events that are not tied to a
// delivery channel (client errors, stats).
func (s *KafkaSink) drainEvents() {
	for e := range s.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				s.logger.Error("kafka delivery failed", "topic", s.topic, "error", ev.TopicPartition.Error)
			}
		case kafka.Error:
			s.logger.Error("kafka producer error", "code", ev.Code(), "error", ev)
		}
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Deliver produces ev and waits for the broker acknowledgement.
func (s *KafkaSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return Permanent(fmt.Errorf("marshal event: %w", err))
	}
	report := make(chan kafka.Event, 1)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.ChannelID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	}
	if err := s.producer.Produce(msg, report); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-report:
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			return fmt.Errorf("kafka delivery: %w", m.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes outstanding messages for up to five seconds.
func (s *KafkaSink) Close() {
	if remaining := s.producer.Flush(5000); remaining > 0 {
		s.logger.Warn("kafka producer closed with undelivered messages", "remaining", remaining)
	}
	s.producer.Close()
}
