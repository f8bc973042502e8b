package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gammazero/workerpool"
	goredis "github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/knowshare/go-knowshare/service/counter"
	"github.com/knowshare/go-knowshare/service/feed/hotkey"
	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/persist/postgres"
	"github.com/knowshare/go-knowshare/service/redis"
	"github.com/knowshare/go-knowshare/util"
)

const (
	maxPageSize = 50

	publicPageTTL       = 10 * time.Second
	publicPageTTLJitter = 10 * time.Second
	fragmentTTL         = 60 * time.Second
	fragmentTTLJitter   = 30 * time.Second
	sentinelTTL         = 30 * time.Second
	sentinelTTLJitter   = 30 * time.Second
	minePageTTL         = 30 * time.Second
	minePageTTLJitter   = 20 * time.Second
)

// FeedItem is one post as rendered in a feed page. Count pointers are nil
// when the cached copy is missing counts; viewer flags are never stored in
// shared caches.
type FeedItem struct {
	ID          int64  `json:"id"`
	AuthorID    int64  `json:"authorId"`
	Title       string `json:"title"`
	CoverURL    string `json:"coverUrl,omitempty"`
	Top         bool   `json:"top"`
	PublishedAt int64  `json:"publishedAt"`
	LikeCount   *int64 `json:"likeCount"`
	FavCount    *int64 `json:"favCount"`
	Liked       *bool  `json:"liked,omitempty"`
	Faved       *bool  `json:"faved,omitempty"`
}

// FeedPage is one page of feed items.
type FeedPage struct {
	Items   []FeedItem `json:"items"`
	HasMore bool       `json:"hasMore"`
	Page    int        `json:"page"`
	Size    int        `json:"size"`
}

// Counts is the per-item count fragment payload.
type Counts struct {
	Like int64 `json:"like"`
	Fav  int64 `json:"fav"`
}

type localEntry struct {
	page      FeedPage
	expiresAt time.Time
}

// Config holds the local cache knobs.
type Config struct {
	LocalPublicTTL time.Duration
	LocalMineTTL   time.Duration
	LocalMaxSize   int
}

func DefaultConfig() Config {
	return Config{
		LocalPublicTTL: 15 * time.Second,
		LocalMineTTL:   10 * time.Second,
		LocalMaxSize:   1000,
	}
}

// Engine serves feed pages through three cache tiers: a per-process page
// LRU, the distributed fragment tree, and the distributed page snapshot,
// falling back to a single-flighted DB load.
type Engine struct {
	cache    *redis.Cache
	posts    *postgres.KnowPostRepository
	counters *counter.Service
	hotKeys  *hotkey.Detector
	cfg      Config

	localPublic *lru.Cache
	localMine   *lru.Cache
	group       singleflight.Group
	repairPool  *workerpool.WorkerPool
}

func NewEngine(cache *redis.Cache, posts *postgres.KnowPostRepository, counters *counter.Service, hotKeys *hotkey.Detector, cfg Config) *Engine {
	localPublic, err := lru.New(cfg.LocalMaxSize)
	if err != nil {
		panic(err)
	}
	localMine, err := lru.New(cfg.LocalMaxSize)
	if err != nil {
		panic(err)
	}
	return &Engine{
		cache:       cache,
		posts:       posts,
		counters:    counters,
		hotKeys:     hotKeys,
		cfg:         cfg,
		localPublic: localPublic,
		localMine:   localMine,
		repairPool:  workerpool.New(4),
	}
}

// Public serves one page of the public feed. viewerID may be nil for
// anonymous readers; flags are overlaid per viewer at read time.
func (e *Engine) Public(ctx context.Context, viewerID *int64, page, size int) (FeedPage, error) {
	page, size = clampPage(page, size)
	pageKey := PublicPageKey(size, page)

	if cached, ok := e.localGet(e.localPublic, pageKey); ok {
		e.hotKeys.Record(pageKey)
		return e.withFlags(ctx, viewerID, cached), nil
	}

	if assembled, ok, err := e.readFromFragments(ctx, page, size); err != nil {
		return FeedPage{}, err
	} else if ok {
		return e.withFlags(ctx, viewerID, assembled), nil
	}

	if cached, ok, err := e.readDistributedPage(ctx, pageKey); err != nil {
		return FeedPage{}, err
	} else if ok {
		e.repairPool.Submit(func() {
			e.repairFragments(context.Background(), cached)
		})
		e.localSet(e.localPublic, pageKey, cached, e.cfg.LocalPublicTTL)
		return e.withFlags(ctx, viewerID, cached), nil
	}

	loaded, err := e.loadPublicOrigin(ctx, page, size)
	if err != nil {
		return FeedPage{}, err
	}
	return e.withFlags(ctx, viewerID, loaded), nil
}

// readFromFragments assembles the page from the ids fragment plus per-item
// and per-count fragments, filling gaps from the DB and the counter service.
func (e *Engine) readFromFragments(ctx context.Context, page, size int) (FeedPage, bool, error) {
	slot := HourSlot(time.Now())
	idsKey := PublicIDsKey(size, slot, page)

	rawIDs, err := e.cache.Client().LRange(ctx, idsKey, 0, -1).Result()
	if err != nil && err != goredis.Nil {
		return FeedPage{}, false, err
	}
	if len(rawIDs) == 0 {
		return FeedPage{}, false, nil
	}

	ids := make([]int64, 0, len(rawIDs))
	for _, raw := range rawIDs {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	fragTTL, err := e.cache.Client().PTTL(ctx, idsKey).Result()
	if err != nil || fragTTL <= 0 {
		fragTTL = fragmentTTL
	}

	itemKeys := make([]string, len(ids))
	countKeys := make([]string, len(ids))
	for i, id := range ids {
		itemKeys[i] = ItemKey(id)
		countKeys[i] = CountKey(id)
	}

	itemBlobs, err := e.cache.MGet(ctx, itemKeys)
	if err != nil {
		return FeedPage{}, false, err
	}
	countBlobs, err := e.cache.MGet(ctx, countKeys)
	if err != nil {
		return FeedPage{}, false, err
	}

	items := make([]FeedItem, 0, len(ids))
	missingCounts := make([]int, 0)

	for i, id := range ids {
		item, ok, err := e.resolveItem(ctx, id, itemBlobs[i], fragTTL)
		if err != nil {
			return FeedPage{}, false, err
		}
		if !ok {
			continue
		}

		if countBlobs[i] != nil {
			var c Counts
			if err := json.Unmarshal(countBlobs[i], &c); err == nil {
				item.LikeCount = util.ToPointer(c.Like)
				item.FavCount = util.ToPointer(c.Fav)
			}
		}
		if item.LikeCount == nil || item.FavCount == nil {
			missingCounts = append(missingCounts, len(items))
		}
		items = append(items, item)
	}

	if len(missingCounts) > 0 {
		if err := e.fillCounts(ctx, items, missingCounts, fragTTL); err != nil {
			return FeedPage{}, false, err
		}
	}

	hasMore := len(items) == size
	if raw, err := e.cache.Client().Get(ctx, HasMoreKey(idsKey)).Result(); err == nil {
		hasMore = raw == "1"
	}

	result := FeedPage{Items: items, HasMore: hasMore, Page: page, Size: size}

	pageKey := PublicPageKey(size, page)
	e.localSet(e.localPublic, pageKey, result, e.cfg.LocalPublicTTL)
	e.writeDistributedPage(ctx, pageKey, result)

	return result, true, nil
}

// resolveItem decodes a cached item fragment, loading from the DB and
// installing a negative sentinel when the fragment is missing.
func (e *Engine) resolveItem(ctx context.Context, id int64, blob []byte, fragTTL time.Duration) (FeedItem, bool, error) {
	if blob != nil {
		if string(blob) == NullSentinel {
			return FeedItem{}, false, nil
		}
		var item FeedItem
		if err := json.Unmarshal(blob, &item); err == nil {
			return item, true, nil
		}
	}

	post, err := e.posts.GetByID(ctx, id)
	if err != nil {
		if _, ok := util.ErrorAs[persist.ErrPostNotFound](err); ok {
			ttl := util.Jitter(sentinelTTL, sentinelTTLJitter)
			if err := e.cache.Set(ctx, ItemKey(id), []byte(NullSentinel), ttl); err != nil {
				logger.For(ctx).Errorf("installing item sentinel for %d: %s", id, err)
			}
			return FeedItem{}, false, nil
		}
		return FeedItem{}, false, err
	}

	item := itemFromPost(post)
	encoded, err := json.Marshal(item)
	if err != nil {
		return FeedItem{}, false, err
	}
	if err := e.cache.Set(ctx, ItemKey(id), encoded, fragTTL); err != nil {
		logger.For(ctx).Errorf("rewriting item fragment for %d: %s", id, err)
	}
	return item, true, nil
}

// fillCounts batch-loads counts for items whose fragment was missing and
// rewrites the count fragments.
func (e *Engine) fillCounts(ctx context.Context, items []FeedItem, missing []int, fragTTL time.Duration) error {
	eids := make([]string, len(missing))
	for i, idx := range missing {
		eids[i] = strconv.FormatInt(items[idx].ID, 10)
	}

	counts, err := e.counters.GetCountsBatch(ctx, persist.EntityKnowPost, eids, []persist.Metric{persist.MetricLike, persist.MetricFav})
	if err != nil {
		return err
	}

	kv := make(map[string]any, len(missing))
	for _, idx := range missing {
		eid := strconv.FormatInt(items[idx].ID, 10)
		c := Counts{Like: counts[eid][persist.MetricLike], Fav: counts[eid][persist.MetricFav]}
		items[idx].LikeCount = util.ToPointer(c.Like)
		items[idx].FavCount = util.ToPointer(c.Fav)

		encoded, err := json.Marshal(c)
		if err != nil {
			return err
		}
		kv[CountKey(items[idx].ID)] = encoded
	}

	return e.cache.MSetWithTTL(ctx, kv, fragTTL)
}

// readDistributedPage returns the shared page snapshot, treating pages with
// missing counts as misses.
func (e *Engine) readDistributedPage(ctx context.Context, pageKey string) (FeedPage, bool, error) {
	blob, err := e.cache.Get(ctx, pageKey)
	if err != nil {
		if _, ok := util.ErrorAs[redis.ErrKeyNotFound](err); ok {
			return FeedPage{}, false, nil
		}
		return FeedPage{}, false, err
	}

	var page FeedPage
	if err := json.Unmarshal(blob, &page); err != nil {
		return FeedPage{}, false, nil
	}
	for _, item := range page.Items {
		if item.LikeCount == nil || item.FavCount == nil {
			return FeedPage{}, false, nil
		}
	}
	return page, true, nil
}

// loadPublicOrigin collapses concurrent misses for the same fragment key
// into one DB load.
func (e *Engine) loadPublicOrigin(ctx context.Context, page, size int) (FeedPage, error) {
	slot := HourSlot(time.Now())
	idsKey := PublicIDsKey(size, slot, page)

	v, err, _ := e.group.Do(idsKey, func() (interface{}, error) {
		// Re-check the shared tiers: a concurrent loader may have already
		// populated them while we waited on the flight.
		if assembled, ok, err := e.readFromFragments(ctx, page, size); err != nil {
			return nil, err
		} else if ok {
			return assembled, nil
		}
		if cached, ok, err := e.readDistributedPage(ctx, PublicPageKey(size, page)); err != nil {
			return nil, err
		} else if ok {
			return cached, nil
		}

		posts, err := e.posts.ListPublic(ctx, size+1, (page-1)*size)
		if err != nil {
			return nil, fmt.Errorf("loading public feed page %d: %w", page, err)
		}

		hasMore := len(posts) > size
		if hasMore {
			posts = posts[:size]
		}

		items := make([]FeedItem, len(posts))
		eids := make([]string, len(posts))
		for i, post := range posts {
			items[i] = itemFromPost(post)
			eids[i] = strconv.FormatInt(post.ID, 10)
		}

		if len(eids) > 0 {
			counts, err := e.counters.GetCountsBatch(ctx, persist.EntityKnowPost, eids, []persist.Metric{persist.MetricLike, persist.MetricFav})
			if err != nil {
				return nil, err
			}
			for i := range items {
				c := counts[eids[i]]
				items[i].LikeCount = util.ToPointer(c[persist.MetricLike])
				items[i].FavCount = util.ToPointer(c[persist.MetricFav])
			}
		}

		result := FeedPage{Items: items, HasMore: hasMore, Page: page, Size: size}
		e.writePublicCaches(ctx, idsKey, result)
		return result, nil
	})
	if err != nil {
		return FeedPage{}, err
	}
	return v.(FeedPage), nil
}

// writePublicCaches populates every public tier for a freshly loaded page
// and maintains the reverse index and the tracked key set.
func (e *Engine) writePublicCaches(ctx context.Context, idsKey string, page FeedPage) {
	pageKey := PublicPageKey(page.Size, page.Page)
	slot := HourSlot(time.Now())
	fragTTL := util.Jitter(fragmentTTL, fragmentTTLJitter)

	e.localSet(e.localPublic, pageKey, page, e.cfg.LocalPublicTTL)
	e.writeDistributedPage(ctx, pageKey, page)

	client := e.cache.Client()
	pipe := client.Pipeline()
	defer pipe.Close()

	pipe.Del(ctx, idsKey)
	trackedKeys := []any{pageKey, idsKey, HasMoreKey(idsKey)}

	for _, item := range page.Items {
		pipe.RPush(ctx, idsKey, item.ID)

		if encoded, err := json.Marshal(item); err == nil {
			pipe.Set(ctx, ItemKey(item.ID), encoded, fragTTL)
		}
		if item.LikeCount != nil && item.FavCount != nil {
			if encoded, err := json.Marshal(Counts{Like: *item.LikeCount, Fav: *item.FavCount}); err == nil {
				pipe.Set(ctx, CountKey(item.ID), encoded, fragTTL)
			}
		}

		indexKey := ReverseIndexKey(item.ID, slot)
		pipe.SAdd(ctx, indexKey, pageKey)
		pipe.Expire(ctx, indexKey, fragTTL)
		trackedKeys = append(trackedKeys, indexKey)
	}

	pipe.Expire(ctx, idsKey, fragTTL)

	hasMore := "0"
	if page.HasMore {
		hasMore = "1"
	}
	pipe.Set(ctx, HasMoreKey(idsKey), hasMore, fragTTL)
	pipe.SAdd(ctx, PublicKeySet, trackedKeys...)

	if _, err := pipe.Exec(ctx); err != nil {
		logger.For(ctx).Errorf("writing public feed caches for %s: %s", idsKey, err)
	}
}

func (e *Engine) writeDistributedPage(ctx context.Context, pageKey string, page FeedPage) {
	stripped := page
	stripped.Items = make([]FeedItem, len(page.Items))
	for i, item := range page.Items {
		item.Liked = nil
		item.Faved = nil
		stripped.Items[i] = item
	}

	encoded, err := json.Marshal(stripped)
	if err != nil {
		logger.For(ctx).Errorf("encoding page %s: %s", pageKey, err)
		return
	}

	ttl := e.hotKeys.TTLFor(util.Jitter(publicPageTTL, publicPageTTLJitter), pageKey)
	if err := e.cache.Set(ctx, pageKey, encoded, ttl); err != nil {
		logger.For(ctx).Errorf("writing page %s: %s", pageKey, err)
		return
	}
	if err := e.cache.Client().SAdd(ctx, PublicKeySet, pageKey).Err(); err != nil {
		logger.For(ctx).Errorf("tracking page key %s: %s", pageKey, err)
	}
}

// repairFragments rebuilds the fragment tree from a distributed page hit so
// the cheaper assembly path works for subsequent readers.
func (e *Engine) repairFragments(ctx context.Context, page FeedPage) {
	slot := HourSlot(time.Now())
	idsKey := PublicIDsKey(page.Size, slot, page.Page)

	exists, err := e.cache.Client().Exists(ctx, idsKey).Result()
	if err != nil || exists == 1 {
		return
	}

	e.writePublicCaches(ctx, idsKey, page)
}

// Mine serves the viewer's own feed. The cache key embeds the viewer, so
// flags are computed once and cached in place.
func (e *Engine) Mine(ctx context.Context, uid int64, page, size int) (FeedPage, error) {
	page, size = clampPage(page, size)
	pageKey := MinePageKey(uid, size, page)

	if cached, ok := e.localGet(e.localMine, pageKey); ok {
		return cached, nil
	}

	blob, err := e.cache.Get(ctx, pageKey)
	if err == nil && string(blob) != NullSentinel {
		var cached FeedPage
		if err := json.Unmarshal(blob, &cached); err == nil {
			e.localSet(e.localMine, pageKey, cached, e.cfg.LocalMineTTL)
			return cached, nil
		}
	} else if _, ok := util.ErrorAs[redis.ErrKeyNotFound](err); err != nil && !ok {
		return FeedPage{}, err
	}

	v, err, _ := e.group.Do(pageKey, func() (interface{}, error) {
		posts, err := e.posts.ListByAuthor(ctx, uid, size+1, (page-1)*size)
		if err != nil {
			return nil, fmt.Errorf("loading mine feed for %d: %w", uid, err)
		}

		hasMore := len(posts) > size
		if hasMore {
			posts = posts[:size]
		}

		items := make([]FeedItem, len(posts))
		eids := make([]string, len(posts))
		for i, post := range posts {
			items[i] = itemFromPost(post)
			eids[i] = strconv.FormatInt(post.ID, 10)
		}

		if len(eids) > 0 {
			counts, err := e.counters.GetCountsBatch(ctx, persist.EntityKnowPost, eids, []persist.Metric{persist.MetricLike, persist.MetricFav})
			if err != nil {
				return nil, err
			}
			for i := range items {
				c := counts[eids[i]]
				items[i].LikeCount = util.ToPointer(c[persist.MetricLike])
				items[i].FavCount = util.ToPointer(c[persist.MetricFav])
			}
		}

		result := FeedPage{Items: items, HasMore: hasMore, Page: page, Size: size}
		result = e.withFlags(ctx, &uid, result)

		if encoded, err := json.Marshal(result); err == nil {
			ttl := util.Jitter(minePageTTL, minePageTTLJitter)
			if err := e.cache.Set(ctx, pageKey, encoded, ttl); err != nil {
				logger.For(ctx).Errorf("writing mine page %s: %s", pageKey, err)
			}
			e.cache.Client().SAdd(ctx, MineKeySet(uid), pageKey)
		}
		e.localSet(e.localMine, pageKey, result, e.cfg.LocalMineTTL)

		return result, nil
	})
	if err != nil {
		return FeedPage{}, err
	}
	return v.(FeedPage), nil
}

// DeleteCaches removes every public page key, the author's mine keys, and
// the post's detail key. Called before and after a mutation (double delete).
func (e *Engine) DeleteCaches(ctx context.Context, authorID, postID int64) error {
	client := e.cache.Client()

	publicKeys, err := client.SMembers(ctx, PublicKeySet).Result()
	if err != nil && err != goredis.Nil {
		return err
	}
	if len(publicKeys) > 0 {
		if err := e.cache.Delete(ctx, publicKeys...); err != nil {
			return err
		}
	}
	client.Del(ctx, PublicKeySet)

	mineKeys, err := client.SMembers(ctx, MineKeySet(authorID)).Result()
	if err != nil && err != goredis.Nil {
		return err
	}
	if len(mineKeys) > 0 {
		if err := e.cache.Delete(ctx, mineKeys...); err != nil {
			return err
		}
	}
	client.Del(ctx, MineKeySet(authorID))

	if err := e.cache.Delete(ctx, DetailKey(postID)); err != nil {
		return err
	}

	e.localPublic.Purge()
	e.localMine.Purge()
	return nil
}

// withFlags overlays the viewer's like/fav flags onto a copy of the page.
func (e *Engine) withFlags(ctx context.Context, viewerID *int64, page FeedPage) FeedPage {
	if viewerID == nil {
		return page
	}

	out := page
	out.Items = make([]FeedItem, len(page.Items))
	for i, item := range page.Items {
		eid := strconv.FormatInt(item.ID, 10)
		if liked, err := e.counters.IsLiked(ctx, persist.EntityKnowPost, eid, *viewerID); err == nil {
			item.Liked = util.ToPointer(liked)
		}
		if faved, err := e.counters.IsFaved(ctx, persist.EntityKnowPost, eid, *viewerID); err == nil {
			item.Faved = util.ToPointer(faved)
		}
		out.Items[i] = item
	}
	return out
}

func (e *Engine) localGet(cache *lru.Cache, key string) (FeedPage, bool) {
	v, ok := cache.Get(key)
	if !ok {
		return FeedPage{}, false
	}
	entry := v.(localEntry)
	if time.Now().After(entry.expiresAt) {
		cache.Remove(key)
		return FeedPage{}, false
	}
	return entry.page, true
}

func (e *Engine) localSet(cache *lru.Cache, key string, page FeedPage, ttl time.Duration) {
	cache.Add(key, localEntry{page: page, expiresAt: time.Now().Add(ttl)})
}

// patchLocalPage applies a count delta to a locally cached page. The cached
// items are shared with concurrent readers, so the patch goes into a fresh
// copy of the slice and replaces the entry. Flags stay untouched because
// local entries are overlay-applied on read.
func (e *Engine) patchLocalPage(pageKey string, postID int64, metric persist.Metric, delta int64) {
	v, ok := e.localPublic.Get(pageKey)
	if !ok {
		return
	}
	entry := v.(localEntry)
	items := make([]FeedItem, len(entry.page.Items))
	copy(items, entry.page.Items)
	for i := range items {
		if items[i].ID == postID {
			applyCountDelta(&items[i], metric, delta)
		}
	}
	entry.page.Items = items
	e.localPublic.Add(pageKey, entry)
}

func applyCountDelta(item *FeedItem, metric persist.Metric, delta int64) {
	var target **int64
	switch metric {
	case persist.MetricLike:
		target = &item.LikeCount
	case persist.MetricFav:
		target = &item.FavCount
	default:
		return
	}
	cur := int64(0)
	if *target != nil {
		cur = **target
	}
	next := cur + delta
	if next < 0 {
		next = 0
	}
	*target = util.ToPointer(next)
}

func itemFromPost(post persist.KnowPost) FeedItem {
	item := FeedItem{
		ID:       post.ID,
		AuthorID: post.AuthorID,
		Title:    post.Title,
		Top:      post.Top,
	}
	if post.CoverURL.Valid {
		item.CoverURL = post.CoverURL.String
	}
	if post.PublishedAt.Valid {
		item.PublishedAt = post.PublishedAt.Time.UnixMilli()
	}
	return item
}

func clampPage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 1
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}
