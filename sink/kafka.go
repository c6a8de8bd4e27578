package sink

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"ladderflow/logger"
	"ladderflow/models"
)

// KafkaSink publishes records to a topic for downstream consumers. The file
// sink remains the authoritative log; compose the two with Tee.
type KafkaSink struct {
	writer *kafka.Writer
	log    *logger.Log
}

// NewKafkaSink builds a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	ks := &KafkaSink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		log: logger.GetLogger(),
	}
	ks.log.WithComponent("kafka_sink").WithFields(logger.Fields{
		"brokers": brokers,
		"topic":   topic,
	}).Debug("kafka sink initialized")
	return ks, nil
}

type kafkaRecord struct {
	MarketID      string `json:"market_id"`
	Seq           int64  `json:"seq"`
	PublishTimeMs int64  `json:"publish_time_ms"`
	Kind          string `json:"kind"`
	Payload       []byte `json:"payload"`
}

// Append publishes one record keyed by market id so per-market ordering is
// preserved within a partition.
func (s *KafkaSink) Append(ctx context.Context, rec models.StateTransitionRecord) error {
	value, err := json.Marshal(kafkaRecord{
		MarketID:      rec.MarketID,
		Seq:           rec.Seq,
		PublishTimeMs: rec.PublishTimeMs,
		Kind:          rec.Kind.String(),
		Payload:       rec.Payload,
	})
	if err != nil {
		return &SinkError{Op: "marshal", Err: err}
	}
	msg := kafka.Message{Key: []byte(rec.MarketID), Value: value}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return &SinkError{Op: "publish", Err: err}
	}
	return nil
}

// Flush is a no-op; the writer publishes synchronously.
func (s *KafkaSink) Flush() error { return nil }

// Close shuts the underlying writer down.
func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		return &SinkError{Op: "close", Err: err}
	}
	return nil
}
