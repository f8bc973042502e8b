package counter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/redis"
)

func newTestCache(t *testing.T) *redis.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	viper.Set("REDIS_URL", mr.Addr())
	viper.Set("REDIS_PASS", "")
	cache := redis.NewCache(redis.CounterCache)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestAddSegmentScript(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	key := SnapshotKey(persist.EntityKnowPost, "1")

	v, err := addSegmentScript.Run(ctx, cache.Scripter(), []string{key}, EntitySchema.Len, FieldSize, EntityIdxLike, 3).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	blob, err := cache.Get(ctx, key)
	require.NoError(t, err)
	values, err := Decode(EntitySchema, blob)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), values[EntityIdxLike])
	assert.Equal(t, uint32(0), values[EntityIdxFav], "other segments stay untouched")
}

func TestAddSegmentScriptClampsAtZero(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	key := SnapshotKey(persist.EntityKnowPost, "2")

	v, err := addSegmentScript.Run(ctx, cache.Scripter(), []string{key}, EntitySchema.Len, FieldSize, EntityIdxFav, -10).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = addSegmentScript.Run(ctx, cache.Scripter(), []string{key}, EntitySchema.Len, FieldSize, EntityIdxFav, 2).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestAddSegmentScriptSaturates(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	key := SnapshotKey(persist.EntityKnowPost, "3")

	values := make([]uint32, EntitySchema.Len)
	values[EntityIdxLike] = 0xFFFFFFFF - 1
	require.NoError(t, cache.Set(ctx, key, Encode(EntitySchema, values), 0))

	v, err := addSegmentScript.Run(ctx, cache.Scripter(), []string{key}, EntitySchema.Len, FieldSize, EntityIdxLike, 5).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(0xFFFFFFFF), v)

	v, err = addSegmentScript.Run(ctx, cache.Scripter(), []string{key}, EntitySchema.Len, FieldSize, EntityIdxLike, 1).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(0xFFFFFFFF), v)
}

func TestAddSegmentScriptResetsMalformedBlob(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	key := SnapshotKey(persist.EntityKnowPost, "4")
	require.NoError(t, cache.Set(ctx, key, []byte("short"), 0))

	v, err := addSegmentScript.Run(ctx, cache.Scripter(), []string{key}, EntitySchema.Len, FieldSize, EntityIdxLike, 4).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	blob, err := cache.Get(ctx, key)
	require.NoError(t, err)
	_, err = Decode(EntitySchema, blob)
	assert.NoError(t, err)
}

func TestFoldFieldScriptFoldsAndDeletes(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	snapshot := SnapshotKey(persist.EntityKnowPost, "5")
	bucket := AggKey(persist.EntityKnowPost, "5")

	require.NoError(t, cache.Client().HSet(ctx, bucket, "1", 7).Err())

	v, err := foldFieldScript.Run(ctx, cache.Scripter(), []string{snapshot, bucket}, EntitySchema.Len, FieldSize, 1).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	exists, err := cache.Client().HExists(ctx, bucket, "1").Result()
	require.NoError(t, err)
	assert.False(t, exists, "folded field is deleted in the same call")

	blob, err := cache.Get(ctx, snapshot)
	require.NoError(t, err)
	values, err := Decode(EntitySchema, blob)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), values[1])
}

func TestFoldFieldScriptMissingField(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	snapshot := SnapshotKey(persist.EntityKnowPost, "6")
	bucket := AggKey(persist.EntityKnowPost, "6")

	v, err := foldFieldScript.Run(ctx, cache.Scripter(), []string{snapshot, bucket}, EntitySchema.Len, FieldSize, 1).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)

	_, err = cache.Get(ctx, snapshot)
	assert.Error(t, err, "no snapshot is allocated for an absent field")
}

func TestFoldFieldScriptNegativeDeltaClamps(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	snapshot := SnapshotKey(persist.EntityKnowPost, "7")
	bucket := AggKey(persist.EntityKnowPost, "7")

	values := make([]uint32, EntitySchema.Len)
	values[EntityIdxLike] = 5
	require.NoError(t, cache.Set(ctx, snapshot, Encode(EntitySchema, values), 0))
	require.NoError(t, cache.Client().HSet(ctx, bucket, "1", -9).Err())

	v, err := foldFieldScript.Run(ctx, cache.Scripter(), []string{snapshot, bucket}, EntitySchema.Len, FieldSize, EntityIdxLike).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestToggleBitScript(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	key := ShardKey(persist.MetricLike, persist.EntityKnowPost, "8", 0)

	changed, err := toggleBitScript.Run(ctx, cache.Scripter(), []string{key}, 42, bitOpAdd).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	changed, err = toggleBitScript.Run(ctx, cache.Scripter(), []string{key}, 42, bitOpAdd).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(0), changed, "re-adding a set bit is a no-op")

	changed, err = toggleBitScript.Run(ctx, cache.Scripter(), []string{key}, 42, bitOpRemove).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	changed, err = toggleBitScript.Run(ctx, cache.Scripter(), []string{key}, 42, bitOpRemove).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(0), changed, "re-removing a clear bit is a no-op")

	changed, err = toggleBitScript.Run(ctx, cache.Scripter(), []string{key}, 42, "flip").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), changed)
}
