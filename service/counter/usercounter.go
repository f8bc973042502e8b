package counter

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/go-redis/redis/v8"

	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/persist/postgres"
	"github.com/knowshare/go-knowshare/service/redis"
)

// UserCounters is the decoded user packed counter.
type UserCounters struct {
	Followings    int64
	Followers     int64
	Posts         int64
	LikesReceived int64
	FavsReceived  int64
}

// UserCounterService maintains the per-user packed counter at ucnt:{uid}.
type UserCounterService struct {
	cache    *redis.Cache
	counters *Service
	rels     *postgres.RelationRepository
	posts    *postgres.KnowPostRepository
}

func NewUserCounterService(cache *redis.Cache, counters *Service, rels *postgres.RelationRepository, posts *postgres.KnowPostRepository) *UserCounterService {
	return &UserCounterService{cache: cache, counters: counters, rels: rels, posts: posts}
}

func (s *UserCounterService) IncrementFollowings(ctx context.Context, uid, delta int64) error {
	return s.increment(ctx, uid, UserIdxFollowings, delta)
}

func (s *UserCounterService) IncrementFollowers(ctx context.Context, uid, delta int64) error {
	return s.increment(ctx, uid, UserIdxFollowers, delta)
}

func (s *UserCounterService) IncrementPosts(ctx context.Context, uid, delta int64) error {
	return s.increment(ctx, uid, UserIdxPosts, delta)
}

func (s *UserCounterService) IncrementLikesReceived(ctx context.Context, uid, delta int64) error {
	return s.increment(ctx, uid, UserIdxLikesReceived, delta)
}

func (s *UserCounterService) IncrementFavsReceived(ctx context.Context, uid, delta int64) error {
	return s.increment(ctx, uid, UserIdxFavsReceived, delta)
}

func (s *UserCounterService) increment(ctx context.Context, uid int64, idx int, delta int64) error {
	err := addSegmentScript.Run(ctx, s.cache.Scripter(), []string{UserCounterKey(uid)}, UserSchema.Len, FieldSize, idx, delta).Err()
	if err != nil {
		return fmt.Errorf("incrementing user counter segment %d for %d: %w", idx, uid, err)
	}
	return nil
}

// Get reads the user's packed counter. Returns needsRebuild=true when the
// blob is missing or malformed; the caller decides whether to repair.
func (s *UserCounterService) Get(ctx context.Context, uid int64) (UserCounters, bool, error) {
	blob, err := s.cache.Client().Get(ctx, UserCounterKey(uid)).Bytes()
	if err == goredis.Nil {
		return UserCounters{}, true, nil
	}
	if err != nil {
		return UserCounters{}, false, err
	}

	values, err := Decode(UserSchema, blob)
	if err != nil {
		return UserCounters{}, true, nil
	}

	return UserCounters{
		Followings:    int64(values[UserIdxFollowings]),
		Followers:     int64(values[UserIdxFollowers]),
		Posts:         int64(values[UserIdxPosts]),
		LikesReceived: int64(values[UserIdxLikesReceived]),
		FavsReceived:  int64(values[UserIdxFavsReceived]),
	}, false, nil
}

// RebuildAllCounters recomputes every segment from authoritative sources and
// overwrites the blob in a single SET.
func (s *UserCounterService) RebuildAllCounters(ctx context.Context, uid int64) (UserCounters, error) {
	followings, err := s.rels.CountFollowingActive(ctx, uid)
	if err != nil {
		return UserCounters{}, fmt.Errorf("counting followings for %d: %w", uid, err)
	}

	followers, err := s.rels.CountFollowerActive(ctx, uid)
	if err != nil {
		return UserCounters{}, fmt.Errorf("counting followers for %d: %w", uid, err)
	}

	postIDs, err := s.posts.PublishedIDsByAuthor(ctx, uid)
	if err != nil {
		return UserCounters{}, fmt.Errorf("listing published posts for %d: %w", uid, err)
	}

	var likes, favs int64
	if len(postIDs) > 0 {
		eids := make([]string, len(postIDs))
		for i, id := range postIDs {
			eids[i] = strconv.FormatInt(id, 10)
		}
		counts, err := s.counters.GetCountsBatch(ctx, persist.EntityKnowPost, eids, []persist.Metric{persist.MetricLike, persist.MetricFav})
		if err != nil {
			return UserCounters{}, fmt.Errorf("summing received counts for %d: %w", uid, err)
		}
		for _, c := range counts {
			likes += c[persist.MetricLike]
			favs += c[persist.MetricFav]
		}
	}

	rebuilt := UserCounters{
		Followings:    followings,
		Followers:     followers,
		Posts:         int64(len(postIDs)),
		LikesReceived: likes,
		FavsReceived:  favs,
	}

	values := make([]uint32, UserSchema.Len)
	values[UserIdxFollowings] = saturate(rebuilt.Followings)
	values[UserIdxFollowers] = saturate(rebuilt.Followers)
	values[UserIdxPosts] = saturate(rebuilt.Posts)
	values[UserIdxLikesReceived] = saturate(rebuilt.LikesReceived)
	values[UserIdxFavsReceived] = saturate(rebuilt.FavsReceived)

	if err := s.cache.Set(ctx, UserCounterKey(uid), Encode(UserSchema, values), 0); err != nil {
		return UserCounters{}, fmt.Errorf("writing rebuilt user counter for %d: %w", uid, err)
	}

	return rebuilt, nil
}
