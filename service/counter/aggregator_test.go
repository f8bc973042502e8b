package counter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowshare/go-knowshare/event"
	"github.com/knowshare/go-knowshare/service/persist"
)

func TestSnapshotKeyForBucket(t *testing.T) {
	snapshot, ok := snapshotKeyForBucket("agg:v1:knowpost:123")
	assert.True(t, ok)
	assert.Equal(t, "cnt:v1:knowpost:123", snapshot)

	_, ok = snapshotKeyForBucket("cnt:v1:knowpost:123")
	assert.False(t, ok)

	_, ok = snapshotKeyForBucket("")
	assert.False(t, ok)
}

func TestAggregateWritesBucketAndIndexTogether(t *testing.T) {
	cache := newTestCache(t)
	a := NewAggregator(cache)
	ctx := context.Background()

	payload, err := json.Marshal(event.CounterDelta{
		EntityType: persist.EntityKnowPost,
		EntityID:   "9",
		Metric:     persist.MetricLike,
		Idx:        EntityIdxLike,
		UserID:     3,
		Delta:      1,
	})
	require.NoError(t, err)
	require.NoError(t, a.aggregate(ctx, payload))

	bucket := AggKey(persist.EntityKnowPost, "9")
	v, err := cache.Client().HGet(ctx, bucket, "1").Result()
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	indexed, err := cache.Client().SIsMember(ctx, AggIndexKey, bucket).Result()
	require.NoError(t, err)
	assert.True(t, indexed)
}

func TestFlushFoldsBucketIntoSnapshot(t *testing.T) {
	cache := newTestCache(t)
	a := NewAggregator(cache)
	ctx := context.Background()

	payload, err := json.Marshal(event.CounterDelta{
		EntityType: persist.EntityKnowPost,
		EntityID:   "10",
		Metric:     persist.MetricFav,
		Idx:        EntityIdxFav,
		UserID:     3,
		Delta:      2,
	})
	require.NoError(t, err)
	require.NoError(t, a.aggregate(ctx, payload))
	require.NoError(t, a.flushOnce(ctx))

	blob, err := cache.Get(ctx, SnapshotKey(persist.EntityKnowPost, "10"))
	require.NoError(t, err)
	values, err := Decode(EntitySchema, blob)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), values[EntityIdxFav])

	bucket := AggKey(persist.EntityKnowPost, "10")
	exists, err := cache.Client().Exists(ctx, bucket).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "drained bucket is deleted")

	indexed, err := cache.Client().SIsMember(ctx, AggIndexKey, bucket).Result()
	require.NoError(t, err)
	assert.False(t, indexed, "drained bucket leaves the index")
}

func TestWorkerStopFlags(t *testing.T) {
	a := NewAggregator(nil)
	assert.True(t, a.running.Load())
	a.Stop()
	assert.False(t, a.running.Load())

	r := NewReplayConsumer(nil)
	assert.True(t, r.running.Load())
	r.Stop()
	assert.False(t, r.running.Load())
}
