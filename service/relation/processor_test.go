package relation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowshare/go-knowshare/service/counter"
	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/redis"
	"github.com/knowshare/go-knowshare/util"
)

func newTestCache(t *testing.T) *redis.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	viper.Set("REDIS_URL", mr.Addr())
	viper.Set("REDIS_PASS", "")
	cache := redis.NewCache(redis.RelationCache)
	t.Cleanup(func() { cache.Close() })
	return cache
}

type stubFollowerStore struct {
	failUpserts bool
	upserts     int
	cancels     int
}

func (s *stubFollowerStore) UpsertFollower(ctx context.Context, edge persist.FollowerEdge) error {
	if s.failUpserts {
		return errors.New("db unavailable")
	}
	s.upserts++
	return nil
}

func (s *stubFollowerStore) CancelFollower(ctx context.Context, userID, fromUserID int64) error {
	s.cancels++
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *stubFollowerStore, *counter.UserCounterService, *redis.Cache) {
	t.Helper()
	cache := newTestCache(t)
	store := &stubFollowerStore{}
	ids, err := util.NewIDGenerator(0)
	require.NoError(t, err)
	ucnt := counter.NewUserCounterService(cache, nil, nil, nil)
	return NewProcessor(cache, store, ucnt, ids), store, ucnt, cache
}

func TestProcessReleasesDedupOnFailedApply(t *testing.T) {
	p, store, ucnt, cache := newTestProcessor(t)
	ctx := context.Background()

	id := int64(77)
	ev := FollowEvent{Type: EventFollowCreated, FromUserID: 1, ToUserID: 2, ID: &id}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	store.failUpserts = true
	require.Error(t, p.Process(ctx, string(payload)))

	exists, err := cache.Client().Exists(ctx, dedupKey(ev)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "a failed apply must not hold the dedup claim")

	// The redelivery retries the side effects and succeeds.
	store.failUpserts = false
	require.NoError(t, p.Process(ctx, string(payload)))
	assert.Equal(t, 1, store.upserts)

	counts, needsRebuild, err := ucnt.Get(ctx, 1)
	require.NoError(t, err)
	require.False(t, needsRebuild)
	assert.Equal(t, int64(1), counts.Followings)

	counts, _, err = ucnt.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Followers)
}

func TestProcessDedupesRedelivery(t *testing.T) {
	p, store, _, _ := newTestProcessor(t)
	ctx := context.Background()

	id := int64(78)
	payload, err := json.Marshal(FollowEvent{Type: EventFollowCreated, FromUserID: 1, ToUserID: 2, ID: &id})
	require.NoError(t, err)

	require.NoError(t, p.Process(ctx, string(payload)))
	require.NoError(t, p.Process(ctx, string(payload)))
	assert.Equal(t, 1, store.upserts, "redelivery inside the dedup window is a no-op")
}

func TestProcessCancel(t *testing.T) {
	p, store, ucnt, _ := newTestProcessor(t)
	ctx := context.Background()

	id := int64(79)
	created, err := json.Marshal(FollowEvent{Type: EventFollowCreated, FromUserID: 1, ToUserID: 2, ID: &id})
	require.NoError(t, err)
	canceled, err := json.Marshal(FollowEvent{Type: EventFollowCanceled, FromUserID: 1, ToUserID: 2})
	require.NoError(t, err)

	require.NoError(t, p.Process(ctx, string(created)))
	require.NoError(t, p.Process(ctx, string(canceled)))
	assert.Equal(t, 1, store.cancels)

	counts, _, err := ucnt.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Followings)
}

func TestProcessUnknownEventType(t *testing.T) {
	p, store, _, _ := newTestProcessor(t)
	err := p.Process(context.Background(), `{"type":"FollowArchived","fromUserId":1,"toUserId":2}`)
	assert.Error(t, err)
	assert.Zero(t, store.upserts)
	assert.Zero(t, store.cancels)
}

func TestOutboxConsumerStop(t *testing.T) {
	c := NewOutboxConsumer(nil)
	assert.True(t, c.running.Load())
	c.Stop()
	assert.False(t, c.running.Load())
}
