package counter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/knowshare/go-knowshare/env"
	"github.com/knowshare/go-knowshare/event"
	"github.com/knowshare/go-knowshare/service/logger"
)

// CounterEventsTopic carries one JSON delta per applied toggle, partitioned
// by entity id so per-entity ordering survives consumption.
const CounterEventsTopic = "counter-events"

// KafkaDeltaProducer publishes counter deltas to the counter events topic.
type KafkaDeltaProducer struct {
	producer *kafka.Producer
	topic    string
}

func NewKafkaDeltaProducer() (*KafkaDeltaProducer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": env.GetString("KAFKA_BOOTSTRAP_SERVERS"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	kp := &KafkaDeltaProducer{producer: p, topic: CounterEventsTopic}

	// Delivery reports are drained in the background; failures are logged and
	// left for the next snapshot rebuild to absorb.
	go func() {
		for e := range p.Events() {
			if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
				logger.For(nil).Errorf("counter delta delivery failed: %s", m.TopicPartition.Error)
			}
		}
	}()

	return kp, nil
}

func (p *KafkaDeltaProducer) Produce(ctx context.Context, delta event.CounterDelta) error {
	payload, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encoding counter delta: %w", err)
	}

	return p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(delta.EntityID),
		Value:          payload,
	}, nil)
}

func (p *KafkaDeltaProducer) Close() {
	p.producer.Flush(5000)
	p.producer.Close()
}
