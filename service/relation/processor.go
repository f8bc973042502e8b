package relation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/knowshare/go-knowshare/service/counter"
	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/persist/postgres"
	"github.com/knowshare/go-knowshare/service/redis"
	"github.com/knowshare/go-knowshare/util"
)

const dedupTTL = 10 * time.Minute

// followerStore is the slice of the relation repository the processor writes.
type followerStore interface {
	UpsertFollower(ctx context.Context, edge persist.FollowerEdge) error
	CancelFollower(ctx context.Context, userID, fromUserID int64) error
}

var _ followerStore = (*postgres.RelationRepository)(nil)

// Processor applies relation events exactly once per dedup window: it owns
// the follower mirror rows, the relation sorted sets, and the user counters.
type Processor struct {
	cache *redis.Cache
	rels  followerStore
	ucnt  *counter.UserCounterService
	ids   *util.IDGenerator
}

func NewProcessor(cache *redis.Cache, rels followerStore, ucnt *counter.UserCounterService, ids *util.IDGenerator) *Processor {
	return &Processor{cache: cache, rels: rels, ucnt: ucnt, ids: ids}
}

// Process applies one outbox payload. Redeliveries inside the dedup window
// are no-ops. A failed apply releases the dedup claim before returning, so
// the redelivery retries the side effects instead of hitting the claim.
func (p *Processor) Process(ctx context.Context, payload string) error {
	var ev FollowEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return fmt.Errorf("decoding relation event: %w", err)
	}

	var apply func(context.Context, FollowEvent) error
	switch ev.Type {
	case EventFollowCreated:
		apply = p.applyCreated
	case EventFollowCanceled:
		apply = p.applyCanceled
	default:
		return fmt.Errorf("unknown relation event type %q", ev.Type)
	}

	first, err := p.cache.SetNX(ctx, dedupKey(ev), []byte("1"), dedupTTL)
	if err != nil {
		return fmt.Errorf("acquiring dedup key: %w", err)
	}
	if !first {
		return nil
	}

	if err := apply(ctx, ev); err != nil {
		if delErr := p.cache.Delete(ctx, dedupKey(ev)); delErr != nil {
			logger.For(ctx).Errorf("releasing dedup key %s: %s", dedupKey(ev), delErr)
		}
		return err
	}
	return nil
}

func (p *Processor) applyCreated(ctx context.Context, ev FollowEvent) error {
	edgeID := util.FromPointer(ev.ID)
	if edgeID == 0 {
		edgeID = p.ids.Next()
	}

	err := p.rels.UpsertFollower(ctx, persist.FollowerEdge{ID: edgeID, UserID: ev.ToUserID, FromUserID: ev.FromUserID})
	if err != nil {
		return fmt.Errorf("upserting follower row: %w", err)
	}

	now := float64(time.Now().UnixMilli())
	client := p.cache.Client()
	pipe := client.Pipeline()
	defer pipe.Close()
	pipe.ZAdd(ctx, followingKey(ev.FromUserID), &goredis.Z{Score: now, Member: strconv.FormatInt(ev.ToUserID, 10)})
	pipe.ZAdd(ctx, followersKey(ev.ToUserID), &goredis.Z{Score: now, Member: strconv.FormatInt(ev.FromUserID, 10)})
	pipe.PExpire(ctx, followingKey(ev.FromUserID), relationTTL)
	pipe.PExpire(ctx, followersKey(ev.ToUserID), relationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating relation sorted sets: %w", err)
	}

	if err := p.ucnt.IncrementFollowings(ctx, ev.FromUserID, 1); err != nil {
		return err
	}
	return p.ucnt.IncrementFollowers(ctx, ev.ToUserID, 1)
}

func (p *Processor) applyCanceled(ctx context.Context, ev FollowEvent) error {
	err := p.rels.CancelFollower(ctx, ev.ToUserID, ev.FromUserID)
	if err != nil {
		return fmt.Errorf("canceling follower row: %w", err)
	}

	client := p.cache.Client()
	pipe := client.Pipeline()
	defer pipe.Close()
	pipe.ZRem(ctx, followingKey(ev.FromUserID), strconv.FormatInt(ev.ToUserID, 10))
	pipe.ZRem(ctx, followersKey(ev.ToUserID), strconv.FormatInt(ev.FromUserID, 10))
	pipe.PExpire(ctx, followingKey(ev.FromUserID), relationTTL)
	pipe.PExpire(ctx, followersKey(ev.ToUserID), relationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating relation sorted sets: %w", err)
	}

	if err := p.ucnt.IncrementFollowings(ctx, ev.FromUserID, -1); err != nil {
		return err
	}
	return p.ucnt.IncrementFollowers(ctx, ev.ToUserID, -1)
}

func dedupKey(ev FollowEvent) string {
	id := int64(0)
	if ev.ID != nil {
		id = *ev.ID
	}
	return fmt.Sprintf("dedup:rel:%s:%d:%d:%d", ev.Type, ev.FromUserID, ev.ToUserID, id)
}
