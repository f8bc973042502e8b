package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/benny-conn/limiters"
	"github.com/knowshare/go-knowshare/service/logger"
)

// noopLocker satisfies limiters.DistLocker for buckets whose redis backend
// already serializes state updates.
type noopLocker struct{}

func (noopLocker) Lock(ctx context.Context) error   { return nil }
func (noopLocker) Unlock(ctx context.Context) error { return nil }

var _ limiters.DistLocker = noopLocker{}

// KeyRateLimiter admits up to rateAmount operations per rateDuration for each
// distinct key, backed by a token bucket in redis.
type KeyRateLimiter struct {
	rateDuration time.Duration
	rateAmount   int64
	reg          *limiters.Registry
	cache        *Cache
	clock        *limiters.SystemClock
	logger       *limiters.StdLogger
}

func NewKeyRateLimiter(rateAmount int64, every time.Duration, cache *Cache) *KeyRateLimiter {
	return &KeyRateLimiter{
		rateDuration: every,
		rateAmount:   rateAmount,
		reg:          limiters.NewRegistry(),
		clock:        limiters.NewSystemClock(),
		logger:       limiters.NewStdLogger(),
		cache:        cache,
	}
}

// ForKey checks whether the key has exceeded the rate limit. It returns false
// and the wait until the next permit when the bucket is exhausted.
func (i *KeyRateLimiter) ForKey(ctx context.Context, key string) (bool, time.Duration, error) {
	bucket := i.reg.GetOrCreate(key, func() interface{} {
		return limiters.NewTokenBucket(i.rateAmount, i.rateDuration, noopLocker{}, limiters.NewTokenBucketRedis(i.cache.Client(), key, i.rateDuration, false), i.clock, i.logger)
	}, time.Duration(i.rateAmount), i.clock.Now())

	w, err := bucket.(*limiters.TokenBucket).Limit(ctx)
	if err == limiters.ErrLimitExhausted {
		return false, w, nil
	} else if err != nil {
		logger.For(ctx).Errorf("rate limiter for key %s: %s", key, err)
		return false, 0, fmt.Errorf("rate limiting err: %s", err)
	}

	return true, 0, nil
}
