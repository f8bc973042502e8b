package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/knowshare/go-knowshare/event"
	"github.com/knowshare/go-knowshare/service/counter"
	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/persist/postgres"
	"github.com/knowshare/go-knowshare/service/redis"
	"github.com/knowshare/go-knowshare/util"
)

// CounterListener reacts to like/fav deltas on posts: it rolls the delta up
// into the author's received counters and patches the cached feed copies in
// place instead of invalidating them.
type CounterListener struct {
	cache  *redis.Cache
	engine *Engine
	posts  *postgres.KnowPostRepository
	ucnt   *counter.UserCounterService
}

func NewCounterListener(cache *redis.Cache, engine *Engine, posts *postgres.KnowPostRepository, ucnt *counter.UserCounterService) *CounterListener {
	return &CounterListener{cache: cache, engine: engine, posts: posts, ucnt: ucnt}
}

var _ event.DeltaHandler = (*CounterListener)(nil)

func (l *CounterListener) Handle(ctx context.Context, delta event.CounterDelta) error {
	if delta.EntityType != persist.EntityKnowPost {
		return nil
	}
	if delta.Metric != persist.MetricLike && delta.Metric != persist.MetricFav {
		return nil
	}

	postID, err := strconv.ParseInt(delta.EntityID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid post id %q: %w", delta.EntityID, err)
	}

	if err := l.creditAuthor(ctx, postID, delta); err != nil {
		return err
	}

	l.patchCountFragment(ctx, postID, delta)
	l.patchPages(ctx, postID, delta)
	return nil
}

// creditAuthor applies the delta to the post author's received counter.
func (l *CounterListener) creditAuthor(ctx context.Context, postID int64, delta event.CounterDelta) error {
	authorID, err := l.authorFor(ctx, postID)
	if err != nil {
		if _, ok := util.ErrorAs[persist.ErrPostNotFound](err); ok {
			return nil
		}
		return err
	}

	switch delta.Metric {
	case persist.MetricLike:
		return l.ucnt.IncrementLikesReceived(ctx, authorID, delta.Delta)
	case persist.MetricFav:
		return l.ucnt.IncrementFavsReceived(ctx, authorID, delta.Delta)
	}
	return nil
}

// authorFor resolves the post's author from the item fragment when present,
// falling back to the DB.
func (l *CounterListener) authorFor(ctx context.Context, postID int64) (int64, error) {
	if blob, err := l.cache.Get(ctx, ItemKey(postID)); err == nil && string(blob) != NullSentinel {
		var item FeedItem
		if err := json.Unmarshal(blob, &item); err == nil && item.AuthorID != 0 {
			return item.AuthorID, nil
		}
	}

	post, err := l.posts.GetByID(ctx, postID)
	if err != nil {
		return 0, err
	}
	return post.AuthorID, nil
}

// patchCountFragment folds the delta into the count fragment, keeping the
// key's remaining TTL. The fragment is advisory; a lost race is repaired by
// the next rebuild from the counter snapshot.
func (l *CounterListener) patchCountFragment(ctx context.Context, postID int64, delta event.CounterDelta) {
	blob, err := l.cache.Get(ctx, CountKey(postID))
	if err != nil {
		return
	}

	var c Counts
	if err := json.Unmarshal(blob, &c); err != nil {
		return
	}

	switch delta.Metric {
	case persist.MetricLike:
		c.Like += delta.Delta
		if c.Like < 0 {
			c.Like = 0
		}
	case persist.MetricFav:
		c.Fav += delta.Delta
		if c.Fav < 0 {
			c.Fav = 0
		}
	}

	encoded, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, CountKey(postID), encoded, goredis.KeepTTL); err != nil {
		logger.For(ctx).Errorf("patching count fragment for %d: %s", postID, err)
	}
}

// patchPages walks the reverse index for the current and previous hour slot
// and rewrites every cached page holding the post, local and distributed.
func (l *CounterListener) patchPages(ctx context.Context, postID int64, delta event.CounterDelta) {
	now := time.Now()
	slots := []int64{HourSlot(now), HourSlot(now.Add(-time.Hour))}

	seen := map[string]bool{}
	for _, slot := range slots {
		indexKey := ReverseIndexKey(postID, slot)
		pageKeys, err := l.cache.Client().SMembers(ctx, indexKey).Result()
		if err != nil && err != goredis.Nil {
			logger.For(ctx).Errorf("reading reverse index %s: %s", indexKey, err)
			continue
		}

		for _, pageKey := range pageKeys {
			if seen[pageKey] {
				continue
			}
			seen[pageKey] = true

			l.engine.patchLocalPage(pageKey, postID, delta.Metric, delta.Delta)

			if gone := l.patchDistributedPage(ctx, pageKey, postID, delta); gone {
				l.cache.Client().SRem(ctx, indexKey, pageKey)
			}
		}
	}
}

// patchDistributedPage rewrites one shared page snapshot in place. Returns
// true when the page is no longer cached so the index entry can be dropped.
func (l *CounterListener) patchDistributedPage(ctx context.Context, pageKey string, postID int64, delta event.CounterDelta) bool {
	blob, err := l.cache.Get(ctx, pageKey)
	if err != nil {
		if _, ok := util.ErrorAs[redis.ErrKeyNotFound](err); ok {
			return true
		}
		logger.For(ctx).Errorf("reading page %s: %s", pageKey, err)
		return false
	}

	var page FeedPage
	if err := json.Unmarshal(blob, &page); err != nil {
		return false
	}

	touched := false
	for i := range page.Items {
		page.Items[i].Liked = nil
		page.Items[i].Faved = nil
		if page.Items[i].ID == postID {
			applyCountDelta(&page.Items[i], delta.Metric, delta.Delta)
			touched = true
		}
	}
	if !touched {
		return false
	}

	encoded, err := json.Marshal(page)
	if err != nil {
		return false
	}
	if err := l.cache.Set(ctx, pageKey, encoded, goredis.KeepTTL); err != nil {
		logger.For(ctx).Errorf("patching page %s: %s", pageKey, err)
	}
	return false
}
