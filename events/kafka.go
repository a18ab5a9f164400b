package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher writes to topic on the comma separated broker list.
func NewKafkaPublisher(brokers string, topic string) (*KafkaPublisher, error) {
	if brokers == "" {
		return nil, fmt.Errorf("env KAFKA_BROKERS is not set")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is empty")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w}, nil
}

func (k *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Key),
			Value: value,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(e.Type)},
			},
		})
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
