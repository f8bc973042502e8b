package relation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/sirupsen/logrus"

	"github.com/knowshare/go-knowshare/env"
	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/knowshare/go-knowshare/util"
)

const outboxConsumerGroup = "relation-outbox-consumer"

// OutboxConsumer reads change envelopes off the outbox topic and hands the
// embedded payloads to the processor. Offsets are committed only when every
// payload in the message applied, so failures redeliver; the processor's
// dedup key keeps redelivery idempotent.
type OutboxConsumer struct {
	processor *Processor
	running   atomic.Bool
}

func NewOutboxConsumer(processor *Processor) *OutboxConsumer {
	c := &OutboxConsumer{processor: processor}
	c.running.Store(true)
	return c
}

func (c *OutboxConsumer) Stop() {
	c.running.Store(false)
}

func (c *OutboxConsumer) Run(ctx context.Context) error {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"consumer": outboxConsumerGroup})

	kc, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  env.GetString("KAFKA_BOOTSTRAP_SERVERS"),
		"group.id":           outboxConsumerGroup,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer kc.Close()

	if err := kc.SubscribeTopics([]string{OutboxTopic}, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", OutboxTopic, err)
	}

	readTimeout := 100 * time.Millisecond

	for c.running.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := kc.ReadMessage(readTimeout)
		if err != nil {
			if kafkaErr, ok := util.ErrorAs[kafka.Error](err); ok && kafkaErr.Code() == kafka.ErrTimedOut {
				continue
			}
			return fmt.Errorf("error reading message: %w", err)
		}

		if err := c.handle(ctx, msg.Value); err != nil {
			logger.For(ctx).Errorf("handling outbox envelope: %s", err)
			continue
		}

		if _, err := kc.CommitMessage(msg); err != nil {
			logger.For(ctx).Errorf("committing offset: %s", err)
		}
	}

	return nil
}

func (c *OutboxConsumer) handle(ctx context.Context, value []byte) error {
	var envelope ChangeEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return fmt.Errorf("decoding change envelope: %w", err)
	}

	if envelope.Table != "outbox" {
		return nil
	}
	if envelope.Type != "INSERT" && envelope.Type != "UPDATE" {
		return nil
	}

	for _, row := range envelope.Data {
		if row.Payload == "" {
			continue
		}
		if err := c.processor.Process(ctx, row.Payload); err != nil {
			return err
		}
	}
	return nil
}
