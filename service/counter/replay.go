package counter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/sirupsen/logrus"

	"github.com/knowshare/go-knowshare/env"
	"github.com/knowshare/go-knowshare/event"
	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/knowshare/go-knowshare/service/redis"
	"github.com/knowshare/go-knowshare/util"
)

const replayConsumerGroup = "counter-rebuild"

// ReplayConsumer re-derives snapshots from the full event history. It starts
// from the earliest offset and folds every delta straight into the snapshot,
// bypassing the aggregation buckets. Opt-in, used for disaster recovery only.
type ReplayConsumer struct {
	cache   *redis.Cache
	running atomic.Bool
}

func NewReplayConsumer(cache *redis.Cache) *ReplayConsumer {
	r := &ReplayConsumer{cache: cache}
	r.running.Store(true)
	return r
}

func (r *ReplayConsumer) Stop() {
	r.running.Store(false)
}

func (r *ReplayConsumer) Run(ctx context.Context) error {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"consumer": replayConsumerGroup})

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  env.GetString("KAFKA_BOOTSTRAP_SERVERS"),
		"group.id":           replayConsumerGroup,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer c.Close()

	if err := c.SubscribeTopics([]string{CounterEventsTopic}, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", CounterEventsTopic, err)
	}

	readTimeout := 100 * time.Millisecond

	for r.running.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := c.ReadMessage(readTimeout)
		if err != nil {
			if kafkaErr, ok := util.ErrorAs[kafka.Error](err); ok && kafkaErr.Code() == kafka.ErrTimedOut {
				continue
			}
			return fmt.Errorf("error reading message: %w", err)
		}

		if err := r.fold(ctx, msg.Value); err != nil {
			logger.For(ctx).Errorf("replaying counter delta: %s", err)
			continue
		}

		if _, err := c.CommitMessage(msg); err != nil {
			logger.For(ctx).Errorf("committing offset: %s", err)
		}
	}

	return nil
}

func (r *ReplayConsumer) fold(ctx context.Context, payload []byte) error {
	var delta event.CounterDelta
	if err := json.Unmarshal(payload, &delta); err != nil {
		return fmt.Errorf("decoding counter delta: %w", err)
	}

	key := SnapshotKey(delta.EntityType, delta.EntityID)
	return addSegmentScript.Run(ctx, r.cache.Scripter(), []string{key}, EntitySchema.Len, FieldSize, delta.Idx, delta.Delta).Err()
}
