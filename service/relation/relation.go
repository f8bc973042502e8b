package relation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru"

	"github.com/knowshare/go-knowshare/service/counter"
	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/persist/postgres"
	"github.com/knowshare/go-knowshare/service/redis"
	"github.com/knowshare/go-knowshare/util"
)

const (
	relationTTL    = 2 * time.Hour
	maxBackfill    = 1000
	maxLimit       = 100
	bigVThreshold  = 500000
	topCacheSize   = 1000
	topCacheTTL    = 10 * time.Minute
	topCacheDepth  = 500
	samplingWindow = 300 * time.Second
)

const (
	EventFollowCreated  = "FollowCreated"
	EventFollowCanceled = "FollowCanceled"
)

// FollowEvent is the outbox payload for relation changes.
type FollowEvent struct {
	Type       string `json:"type"`
	FromUserID int64  `json:"fromUserId"`
	ToUserID   int64  `json:"toUserId"`
	ID         *int64 `json:"id,omitempty"`
}

type ErrRateLimited struct {
	UserID int64
}

func (e ErrRateLimited) Error() string {
	return fmt.Sprintf("follow rate limit exceeded for user %d", e.UserID)
}

// RelationEntry pairs a related user id with the relation score (ms).
type RelationEntry struct {
	UserID int64
	Score  int64
}

// RelationStatus is the three-state answer for a pair of users.
type RelationStatus struct {
	Following  bool `json:"following"`
	FollowedBy bool `json:"followedBy"`
	Mutual     bool `json:"mutual"`
}

type topCacheEntry struct {
	ids       []int64
	expiresAt time.Time
}

// Service owns the follow write path and the cached relation reads.
type Service struct {
	cache    *redis.Cache
	rels     *postgres.RelationRepository
	users    *postgres.UserRepository
	ucnt     *counter.UserCounterService
	ids      *util.IDGenerator
	topCache *lru.Cache
}

func NewService(cache *redis.Cache, rels *postgres.RelationRepository, users *postgres.UserRepository, ucnt *counter.UserCounterService, ids *util.IDGenerator) *Service {
	top, err := lru.New(topCacheSize)
	if err != nil {
		panic(err)
	}
	return &Service{cache: cache, rels: rels, users: users, ucnt: ucnt, ids: ids, topCache: top}
}

// followBucketScript is a server-clock token bucket: capacity 100 tokens,
// refill 1 token per second, 60s idle expiry. Returns 1 when a token was
// consumed.
// KEYS[1] = bucket key.
var followBucketScript = goredis.NewScript(`
local capacity = 100
local rate = 1
local now = tonumber(redis.call('TIME')[1])

local data = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end

local elapsed = now - ts
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * rate)
	ts = now
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', KEYS[1], 60000)
return allowed
`)

// Follow admits the request through the token bucket, then writes the
// following row and the outbox message in one transaction. Returns false when
// the relation already existed. Cache updates happen downstream in the
// relation event processor, never here.
func (s *Service) Follow(ctx context.Context, from, to int64) (bool, error) {
	if from == to {
		return false, fmt.Errorf("user %d cannot follow themselves", from)
	}

	allowed, err := followBucketScript.Run(ctx, s.cache.Scripter(), []string{followRateKey(from)}).Int()
	if err != nil {
		return false, fmt.Errorf("follow admission: %w", err)
	}
	if allowed != 1 {
		return false, ErrRateLimited{UserID: from}
	}

	relID := s.ids.Next()
	payload, err := json.Marshal(FollowEvent{Type: EventFollowCreated, FromUserID: from, ToUserID: to, ID: &relID})
	if err != nil {
		return false, err
	}

	return s.rels.Follow(ctx, persist.Relation{ID: relID, FromUserID: from, ToUserID: to}, persist.OutboxMessage{
		ID:            s.ids.Next(),
		AggregateType: "relation",
		AggregateID:   from,
		Type:          EventFollowCreated,
		Payload:       string(payload),
	})
}

// Unfollow logically cancels the relation and writes the cancel outbox
// message. Returns false when no active relation existed.
func (s *Service) Unfollow(ctx context.Context, from, to int64) (bool, error) {
	payload, err := json.Marshal(FollowEvent{Type: EventFollowCanceled, FromUserID: from, ToUserID: to})
	if err != nil {
		return false, err
	}

	return s.rels.Unfollow(ctx, from, to, persist.OutboxMessage{
		ID:            s.ids.Next(),
		AggregateType: "relation",
		AggregateID:   from,
		Type:          EventFollowCanceled,
		Payload:       string(payload),
	})
}

func (s *Service) IsFollowing(ctx context.Context, from, to int64) (bool, error) {
	return s.rels.IsFollowing(ctx, from, to)
}

func (s *Service) Status(ctx context.Context, a, b int64) (RelationStatus, error) {
	following, err := s.rels.IsFollowing(ctx, a, b)
	if err != nil {
		return RelationStatus{}, err
	}
	followedBy, err := s.rels.IsFollowing(ctx, b, a)
	if err != nil {
		return RelationStatus{}, err
	}
	return RelationStatus{Following: following, FollowedBy: followedBy, Mutual: following && followedBy}, nil
}

// Following returns ids the user follows, newest first, offset-paged.
func (s *Service) Following(ctx context.Context, uid int64, limit, offset int) ([]int64, error) {
	limit, offset = clampPage(limit, offset)
	return s.readOffset(ctx, followingKey(uid), uid, limit, offset, false)
}

// Followers returns ids following the user, newest first, offset-paged.
// Big-V users additionally serve the head of the list from a per-process top
// cache.
func (s *Service) Followers(ctx context.Context, uid int64, limit, offset int) ([]int64, error) {
	limit, offset = clampPage(limit, offset)
	return s.readOffset(ctx, followersKey(uid), uid, limit, offset, true)
}

func (s *Service) readOffset(ctx context.Context, key string, uid int64, limit, offset int, followersSide bool) ([]int64, error) {
	members, err := s.cache.Client().ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil && err != goredis.Nil {
		return nil, err
	}
	if len(members) > 0 {
		return parseIDs(members), nil
	}

	if followersSide && s.isBigV(ctx, uid) {
		if ids, ok := s.topCacheSlice(uid, limit, offset); ok {
			return ids, nil
		}
	}

	entries, err := s.backfill(ctx, key, uid, limit+offset, followersSide)
	if err != nil {
		return nil, err
	}

	if followersSide && s.isBigV(ctx, uid) {
		s.refreshTopCache(uid, entries)
	}

	members, err = s.cache.Client().ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil && err != goredis.Nil {
		return nil, err
	}
	return parseIDs(members), nil
}

// FollowingCursor pages by score: entries with score <= cursor, newest first.
func (s *Service) FollowingCursor(ctx context.Context, uid int64, limit int, cursor int64) ([]RelationEntry, error) {
	limit, _ = clampPage(limit, 0)
	return s.readCursor(ctx, followingKey(uid), uid, limit, cursor, false)
}

// FollowersCursor pages by score: entries with score <= cursor, newest first.
func (s *Service) FollowersCursor(ctx context.Context, uid int64, limit int, cursor int64) ([]RelationEntry, error) {
	limit, _ = clampPage(limit, 0)
	return s.readCursor(ctx, followersKey(uid), uid, limit, cursor, true)
}

func (s *Service) readCursor(ctx context.Context, key string, uid int64, limit int, cursor int64, followersSide bool) ([]RelationEntry, error) {
	rangeBy := &goredis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(cursor, 10), Count: int64(limit)}
	members, err := s.cache.Client().ZRevRangeByScoreWithScores(ctx, key, rangeBy).Result()
	if err != nil && err != goredis.Nil {
		return nil, err
	}
	if len(members) > 0 {
		return parseEntries(members), nil
	}

	entries, err := s.backfill(ctx, key, uid, maxBackfill, followersSide)
	if err != nil {
		return nil, err
	}

	result := make([]RelationEntry, 0, limit)
	for _, e := range entries {
		if e.Score <= cursor {
			result = append(result, e)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

// FollowingProfiles composes the id page with a batched user lookup.
func (s *Service) FollowingProfiles(ctx context.Context, uid int64, limit, offset int) ([]persist.UserProfile, error) {
	ids, err := s.Following(ctx, uid, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.users.GetByIDs(ctx, ids)
}

// FollowersProfiles composes the id page with a batched user lookup.
func (s *Service) FollowersProfiles(ctx context.Context, uid int64, limit, offset int) ([]persist.UserProfile, error) {
	ids, err := s.Followers(ctx, uid, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.users.GetByIDs(ctx, ids)
}

// Counters reads the user's packed counter with sampled self-healing: at most
// once per window the DB relation counts are compared against the cached
// segments, and a mismatch triggers a full rebuild.
func (s *Service) Counters(ctx context.Context, uid int64) (counter.UserCounters, error) {
	counters, needsRebuild, err := s.ucnt.Get(ctx, uid)
	if err != nil {
		return counter.UserCounters{}, err
	}
	if needsRebuild {
		return s.ucnt.RebuildAllCounters(ctx, uid)
	}

	first, err := s.cache.SetNX(ctx, samplingKey(uid), []byte("1"), samplingWindow)
	if err != nil {
		logger.For(ctx).Errorf("acquiring counter check throttle for %d: %s", uid, err)
		return counters, nil
	}
	if !first {
		return counters, nil
	}

	followings, err := s.rels.CountFollowingActive(ctx, uid)
	if err != nil {
		logger.For(ctx).Errorf("sampling following count for %d: %s", uid, err)
		return counters, nil
	}
	followers, err := s.rels.CountFollowerActive(ctx, uid)
	if err != nil {
		logger.For(ctx).Errorf("sampling follower count for %d: %s", uid, err)
		return counters, nil
	}

	if followings != counters.Followings || followers != counters.Followers {
		logger.For(ctx).Infof("user counter drift for %d: followings %d/%d followers %d/%d, rebuilding", uid, counters.Followings, followings, counters.Followers, followers)
		return s.ucnt.RebuildAllCounters(ctx, uid)
	}

	return counters, nil
}

func (s *Service) backfill(ctx context.Context, key string, uid int64, want int, followersSide bool) ([]RelationEntry, error) {
	n := want
	if n > maxBackfill {
		n = maxBackfill
	}

	var (
		rows []postgres.RelationEntry
		err  error
	)
	if followersSide {
		rows, err = s.rels.FollowersWithTime(ctx, uid, n)
	} else {
		rows, err = s.rels.FollowingWithTime(ctx, uid, n)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	members := make([]*goredis.Z, len(rows))
	entries := make([]RelationEntry, len(rows))
	for i, row := range rows {
		score := row.CreatedAt.UnixMilli()
		members[i] = &goredis.Z{Score: float64(score), Member: strconv.FormatInt(row.UserID, 10)}
		entries[i] = RelationEntry{UserID: row.UserID, Score: score}
	}

	p := s.cache.Client().Pipeline()
	defer p.Close()
	p.ZAdd(ctx, key, members...)
	p.PExpire(ctx, key, relationTTL)
	if _, err := p.Exec(ctx); err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *Service) isBigV(ctx context.Context, uid int64) bool {
	counters, needsRebuild, err := s.ucnt.Get(ctx, uid)
	if err != nil || needsRebuild {
		return false
	}
	return counters.Followers >= bigVThreshold
}

func (s *Service) topCacheSlice(uid int64, limit, offset int) ([]int64, bool) {
	v, ok := s.topCache.Get(uid)
	if !ok {
		return nil, false
	}
	entry := v.(topCacheEntry)
	if time.Now().After(entry.expiresAt) {
		s.topCache.Remove(uid)
		return nil, false
	}
	if offset >= len(entry.ids) {
		return []int64{}, true
	}
	end := offset + limit
	if end > len(entry.ids) {
		end = len(entry.ids)
	}
	return entry.ids[offset:end], true
}

func (s *Service) refreshTopCache(uid int64, entries []RelationEntry) {
	n := len(entries)
	if n > topCacheDepth {
		n = topCacheDepth
	}
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = entries[i].UserID
	}
	s.topCache.Add(uid, topCacheEntry{ids: ids, expiresAt: time.Now().Add(topCacheTTL)})
}

func followingKey(uid int64) string {
	return fmt.Sprintf("uf:flws:%d", uid)
}

func followersKey(uid int64) string {
	return fmt.Sprintf("uf:fans:%d", uid)
}

func followRateKey(uid int64) string {
	return fmt.Sprintf("rl:follow:%d", uid)
}

func samplingKey(uid int64) string {
	return fmt.Sprintf("ucnt:chk:%d", uid)
}

func clampPage(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseIDs(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func parseEntries(members []goredis.Z) []RelationEntry {
	entries := make([]RelationEntry, 0, len(members))
	for _, m := range members {
		str, ok := m.Member.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, RelationEntry{UserID: id, Score: int64(m.Score)})
	}
	return entries
}
