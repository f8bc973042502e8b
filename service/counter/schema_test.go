package counter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowshare/go-knowshare/service/persist"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []uint32{0, 42, 7, 0, 4294967295}

	blob := Encode(EntitySchema, values)
	require.Len(t, blob, EntitySchema.ByteLen())

	decoded, err := Decode(EntitySchema, blob)
	require.NoError(t, err)
	assert.Equal(t, values, decoded)
}

func TestEncodeIgnoresExtraValues(t *testing.T) {
	blob := Encode(UserSchema, []uint32{1, 2, 3, 4, 5, 6, 7})
	decoded, err := Decode(UserSchema, blob)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, decoded)
}

func TestEncodeZeroFillsMissingValues(t *testing.T) {
	blob := Encode(UserSchema, []uint32{9})
	decoded, err := Decode(UserSchema, blob)
	require.NoError(t, err)
	assert.Equal(t, []uint32{9, 0, 0, 0, 0}, decoded)
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, 4, 19, 21, 40} {
		_, err := Decode(EntitySchema, make([]byte, n))
		assert.Error(t, err, "length %d", n)
	}
}

func TestDecodeIsBigEndian(t *testing.T) {
	blob := make([]byte, EntitySchema.ByteLen())
	blob[EntityIdxLike*FieldSize+3] = 1
	blob[EntityIdxFav*FieldSize] = 1

	decoded, err := Decode(EntitySchema, blob)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), decoded[EntityIdxLike])
	assert.Equal(t, uint32(1<<24), decoded[EntityIdxFav])
}

func TestMetricIdx(t *testing.T) {
	idx, ok := MetricIdx(persist.MetricLike)
	require.True(t, ok)
	assert.Equal(t, EntityIdxLike, idx)

	idx, ok = MetricIdx(persist.MetricFav)
	require.True(t, ok)
	assert.Equal(t, EntityIdxFav, idx)

	_, ok = MetricIdx(persist.Metric("view"))
	assert.False(t, ok)
}

func TestCounterKeys(t *testing.T) {
	assert.Equal(t, "cnt:v1:knowpost:123", SnapshotKey(persist.EntityKnowPost, "123"))
	assert.Equal(t, "ucnt:55", UserCounterKey(55))
	assert.Equal(t, "agg:v1:knowpost:123", AggKey(persist.EntityKnowPost, "123"))
	assert.Equal(t, "agg:idx:v1", AggIndexKey)
}

func TestPickMetrics(t *testing.T) {
	values := []uint32{11, 22, 33, 44, 55}
	out := pickMetrics(values, []persist.Metric{persist.MetricLike, persist.MetricFav})
	assert.Equal(t, map[persist.Metric]int64{persist.MetricLike: 22, persist.MetricFav: 33}, out)
}

func TestSaturate(t *testing.T) {
	assert.Equal(t, uint32(0), saturate(-1))
	assert.Equal(t, uint32(0), saturate(0))
	assert.Equal(t, uint32(100), saturate(100))
	assert.Equal(t, uint32(0xFFFFFFFF), saturate(0xFFFFFFFF))
	assert.Equal(t, uint32(0xFFFFFFFF), saturate(0x1_0000_0000))
}
