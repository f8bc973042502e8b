package counter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knowshare/go-knowshare/service/persist"
)

func TestShard(t *testing.T) {
	tests := []struct {
		uid   int64
		chunk int64
		bit   int64
	}{
		{0, 0, 0},
		{1, 0, 1},
		{32767, 0, 32767},
		{32768, 1, 0},
		{32769, 1, 1},
		{100000, 3, 1696},
	}

	for _, tt := range tests {
		chunk, bit := Shard(tt.uid)
		assert.Equal(t, tt.chunk, chunk, "uid %d", tt.uid)
		assert.Equal(t, tt.bit, bit, "uid %d", tt.uid)
	}
}

func TestShardKeys(t *testing.T) {
	assert.Equal(t, "bm:like:knowpost:123:3", ShardKey(persist.MetricLike, persist.EntityKnowPost, "123", 3))
	assert.Equal(t, "bm:fav:comment:9:0", ShardKey(persist.MetricFav, persist.EntityComment, "9", 0))
	assert.Equal(t, "bm:idx:like:knowpost:123", ShardIndexKey(persist.MetricLike, persist.EntityKnowPost, "123"))
}
