// Package export forwards broadcast events to kafka for downstream
// consumers outside the relay.
package export

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/sensorhub/core/logger"
)

// Exporter writes one kafka message per broadcast event. Messages are
// keyed by device id so that per-device ordering survives partitioning.
type Exporter struct {
	writer *kafka.Writer
}

// MustNewExporter returns an exporter writing to the given brokers and
// topic. It panics on missing configuration.
func MustNewExporter(brokers []string, topic string) *Exporter {
	if len(brokers) == 0 {
		panic("kafka brokers are missing")
	}
	if len(topic) == 0 {
		panic("kafka topic is missing")
	}
	logger.Default().Infof("exporting events to kafka topic %s", topic)
	return &Exporter{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Export implements relay.EventExporter.
func (e *Exporter) Export(ctx context.Context, eventType string, deviceID string, payload []byte) error {
	return e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(deviceID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	})
}

// Close flushes and closes the underlying writer.
func (e *Exporter) Close() error {
	return e.writer.Close()
}
