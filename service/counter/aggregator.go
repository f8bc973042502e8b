package counter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
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

const aggConsumerGroup = "counter-agg"

// Aggregator buffers counter deltas into per-entity hash buckets and folds
// them into snapshots on a fixed cadence.
type Aggregator struct {
	cache   *redis.Cache
	running atomic.Bool
}

func NewAggregator(cache *redis.Cache) *Aggregator {
	a := &Aggregator{cache: cache}
	a.running.Store(true)
	return a
}

func (a *Aggregator) Stop() {
	a.running.Store(false)
}

// RunConsumer reads the counter events topic and increments aggregation
// bucket fields, committing offsets only after the bucket write succeeds.
func (a *Aggregator) RunConsumer(ctx context.Context) error {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"consumer": aggConsumerGroup})

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  env.GetString("KAFKA_BOOTSTRAP_SERVERS"),
		"group.id":           aggConsumerGroup,
		"auto.offset.reset":  "latest",
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

	for a.running.Load() {
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

		if err := a.aggregate(ctx, msg.Value); err != nil {
			// No commit, so the broker redelivers the message.
			logger.For(ctx).Errorf("aggregating counter delta: %s", err)
			continue
		}

		if _, err := c.CommitMessage(msg); err != nil {
			logger.For(ctx).Errorf("committing offset: %s", err)
		}
	}

	return nil
}

func (a *Aggregator) aggregate(ctx context.Context, payload []byte) error {
	var delta event.CounterDelta
	if err := json.Unmarshal(payload, &delta); err != nil {
		return fmt.Errorf("decoding counter delta: %w", err)
	}

	// Increment and index registration go through one transaction: the bucket
	// write is the ack gate, so a partial write must not leave an incremented
	// bucket behind for the redelivery to double-count.
	bucket := AggKey(delta.EntityType, delta.EntityID)
	p := a.cache.Client().TxPipeline()
	p.HIncrBy(ctx, bucket, strconv.Itoa(delta.Idx), delta.Delta)
	p.SAdd(ctx, AggIndexKey, bucket)
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("writing bucket %s: %w", bucket, err)
	}
	return nil
}

// RunFlusher folds every live bucket into its snapshot once per interval.
// Each field is folded and deleted in one atomic script call.
func (a *Aggregator) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for a.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.flushOnce(ctx); err != nil {
				logger.For(ctx).Errorf("flushing aggregation buckets: %s", err)
			}
		}
	}
}

func (a *Aggregator) flushOnce(ctx context.Context) error {
	buckets, err := a.cache.Client().SMembers(ctx, AggIndexKey).Result()
	if err != nil {
		return err
	}

	for _, bucket := range buckets {
		snapshot, ok := snapshotKeyForBucket(bucket)
		if !ok {
			logger.For(ctx).Warnf("unrecognized aggregation bucket key: %s", bucket)
			a.cache.Client().SRem(ctx, AggIndexKey, bucket)
			continue
		}

		fields, err := a.cache.Client().HKeys(ctx, bucket).Result()
		if err != nil {
			logger.For(ctx).Errorf("listing bucket fields for %s: %s", bucket, err)
			continue
		}

		for _, field := range fields {
			idx, err := strconv.Atoi(field)
			if err != nil {
				logger.For(ctx).Warnf("dropping malformed bucket field %s in %s", field, bucket)
				a.cache.Client().HDel(ctx, bucket, field)
				continue
			}
			if err := foldFieldScript.Run(ctx, a.cache.Scripter(), []string{snapshot, bucket}, EntitySchema.Len, FieldSize, idx).Err(); err != nil {
				logger.For(ctx).Errorf("folding field %d of %s: %s", idx, bucket, err)
			}
		}

		remaining, err := a.cache.Client().HLen(ctx, bucket).Result()
		if err != nil {
			continue
		}
		if remaining == 0 {
			a.cache.Client().Del(ctx, bucket)
			a.cache.Client().SRem(ctx, AggIndexKey, bucket)
		}
	}

	return nil
}

// snapshotKeyForBucket maps agg:v1:{etype}:{eid} onto cnt:v1:{etype}:{eid}
func snapshotKeyForBucket(bucket string) (string, bool) {
	rest, ok := strings.CutPrefix(bucket, "agg:v1:")
	if !ok {
		return "", false
	}
	return "cnt:v1:" + rest, true
}
