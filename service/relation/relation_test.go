package relation

import (
	"encoding/json"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowshare/go-knowshare/util"
)

func TestFollowEventPayload(t *testing.T) {
	id := int64(777)
	payload, err := json.Marshal(FollowEvent{Type: EventFollowCreated, FromUserID: 1, ToUserID: 2, ID: &id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FollowCreated","fromUserId":1,"toUserId":2,"id":777}`, string(payload))

	payload, err = json.Marshal(FollowEvent{Type: EventFollowCanceled, FromUserID: 1, ToUserID: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FollowCanceled","fromUserId":1,"toUserId":2}`, string(payload))
}

func TestDedupKey(t *testing.T) {
	id := int64(42)
	assert.Equal(t, "dedup:rel:FollowCreated:1:2:42", dedupKey(FollowEvent{Type: EventFollowCreated, FromUserID: 1, ToUserID: 2, ID: &id}))
	assert.Equal(t, "dedup:rel:FollowCanceled:1:2:0", dedupKey(FollowEvent{Type: EventFollowCanceled, FromUserID: 1, ToUserID: 2}))
}

func TestRelationKeys(t *testing.T) {
	assert.Equal(t, "uf:flws:7", followingKey(7))
	assert.Equal(t, "uf:fans:7", followersKey(7))
	assert.Equal(t, "rl:follow:7", followRateKey(7))
	assert.Equal(t, "ucnt:chk:7", samplingKey(7))
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, 1, 0},
		{-5, -5, 1, 0},
		{20, 40, 20, 40},
		{100, 0, 100, 0},
		{101, 0, 100, 0},
		{1000, 10, 100, 10},
	}
	for _, tt := range tests {
		limit, offset := clampPage(tt.limit, tt.offset)
		assert.Equal(t, tt.wantLimit, limit)
		assert.Equal(t, tt.wantOffset, offset)
	}
}

func TestParseIDsSkipsMalformedMembers(t *testing.T) {
	assert.Equal(t, []int64{3, 1}, parseIDs([]string{"3", "x", "1"}))
	assert.Empty(t, parseIDs(nil))
}

func newTopCacheService(t *testing.T) *Service {
	t.Helper()
	top, err := lru.New(topCacheSize)
	require.NoError(t, err)
	return &Service{topCache: top}
}

func TestTopCacheSlice(t *testing.T) {
	s := newTopCacheService(t)

	_, ok := s.topCacheSlice(1, 10, 0)
	assert.False(t, ok)

	entries := make([]RelationEntry, 600)
	for i := range entries {
		entries[i] = RelationEntry{UserID: int64(i + 1), Score: int64(1000 - i)}
	}
	s.refreshTopCache(1, entries)

	ids, ok := s.topCacheSlice(1, 3, 0)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	ids, ok = s.topCacheSlice(1, 10, 495)
	require.True(t, ok)
	assert.Equal(t, []int64{496, 497, 498, 499, 500}, ids, "cache holds only the top %d", topCacheDepth)

	ids, ok = s.topCacheSlice(1, 10, 500)
	require.True(t, ok)
	assert.Empty(t, ids)
}

func TestTopCacheSliceExpires(t *testing.T) {
	s := newTopCacheService(t)
	s.topCache.Add(int64(1), topCacheEntry{ids: []int64{9}, expiresAt: time.Now().Add(-time.Second)})

	_, ok := s.topCacheSlice(1, 10, 0)
	assert.False(t, ok)

	_, found := s.topCache.Get(int64(1))
	assert.False(t, found, "expired entry should be evicted on read")
}

func TestErrRateLimited(t *testing.T) {
	err := ErrRateLimited{UserID: 9}
	_, ok := util.ErrorAs[ErrRateLimited](error(err))
	assert.True(t, ok)
	assert.Contains(t, err.Error(), "9")
}
