package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/go-redis/redis/v8"

	"github.com/knowshare/go-knowshare/event"
	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/redis"
)

// Config carries the rebuild-protection knobs.
type Config struct {
	RatePermits int64
	RateWindow  time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	LockTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		RatePermits: 3,
		RateWindow:  10 * time.Second,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  30 * time.Second,
		LockTTL:     10 * time.Second,
	}
}

// DeltaProducer publishes counter deltas to the event stream.
type DeltaProducer interface {
	Produce(ctx context.Context, delta event.CounterDelta) error
}

// Service owns the per-user engagement bitmaps and the packed counter
// snapshots derived from them.
type Service struct {
	cache      *redis.Cache
	locks      *redislock.Client
	limiter    *redis.KeyRateLimiter
	producer   DeltaProducer
	dispatcher *event.Dispatcher
	cfg        Config
}

func NewService(cache *redis.Cache, lockCache *redis.Cache, limiterCache *redis.Cache, producer DeltaProducer, dispatcher *event.Dispatcher, cfg Config) *Service {
	return &Service{
		cache:      cache,
		locks:      redis.NewLockClient(lockCache),
		limiter:    redis.NewKeyRateLimiter(cfg.RatePermits, cfg.RateWindow, limiterCache),
		producer:   producer,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

func (s *Service) Like(ctx context.Context, etype persist.EntityType, eid string, uid int64) (bool, error) {
	return s.toggle(ctx, etype, eid, uid, persist.MetricLike, bitOpAdd)
}

func (s *Service) Unlike(ctx context.Context, etype persist.EntityType, eid string, uid int64) (bool, error) {
	return s.toggle(ctx, etype, eid, uid, persist.MetricLike, bitOpRemove)
}

func (s *Service) Fav(ctx context.Context, etype persist.EntityType, eid string, uid int64) (bool, error) {
	return s.toggle(ctx, etype, eid, uid, persist.MetricFav, bitOpAdd)
}

func (s *Service) Unfav(ctx context.Context, etype persist.EntityType, eid string, uid int64) (bool, error) {
	return s.toggle(ctx, etype, eid, uid, persist.MetricFav, bitOpRemove)
}

func (s *Service) IsLiked(ctx context.Context, etype persist.EntityType, eid string, uid int64) (bool, error) {
	return s.getBit(ctx, persist.MetricLike, etype, eid, uid)
}

func (s *Service) IsFaved(ctx context.Context, etype persist.EntityType, eid string, uid int64) (bool, error) {
	return s.getBit(ctx, persist.MetricFav, etype, eid, uid)
}

func (s *Service) toggle(ctx context.Context, etype persist.EntityType, eid string, uid int64, metric persist.Metric, op string) (bool, error) {
	chunk, bit := Shard(uid)
	shardKey := ShardKey(metric, etype, eid, chunk)

	if err := s.cache.Client().SAdd(ctx, ShardIndexKey(metric, etype, eid), chunk).Err(); err != nil {
		return false, fmt.Errorf("indexing bitmap shard: %w", err)
	}

	res, err := toggleBitScript.Run(ctx, s.cache.Scripter(), []string{shardKey}, bit, op).Int()
	if err != nil {
		return false, fmt.Errorf("toggling bit: %w", err)
	}
	if res == -1 {
		return false, fmt.Errorf("unknown bitmap op %q", op)
	}
	if res == 0 {
		return false, nil
	}

	idx, _ := MetricIdx(metric)
	delta := event.CounterDelta{
		EntityType: etype,
		EntityID:   eid,
		Metric:     metric,
		Idx:        idx,
		UserID:     uid,
		Delta:      1,
	}
	if op == bitOpRemove {
		delta.Delta = -1
	}

	// Publish failures degrade to a log line; the bitmap stays authoritative
	// and a later rebuild converges the snapshot.
	if err := s.producer.Produce(ctx, delta); err != nil {
		logger.For(ctx).Errorf("publishing counter delta for %s:%s: %s", etype, eid, err)
	}

	// Local listeners observe the delta before the toggle returns.
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, delta); err != nil {
			logger.For(ctx).Errorf("dispatching counter delta for %s:%s: %s", etype, eid, err)
		}
	}

	return true, nil
}

func (s *Service) getBit(ctx context.Context, metric persist.Metric, etype persist.EntityType, eid string, uid int64) (bool, error) {
	chunk, bit := Shard(uid)
	v, err := s.cache.Client().GetBit(ctx, ShardKey(metric, etype, eid, chunk), bit).Result()
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// GetCounts reads the snapshot for the requested metrics, rebuilding it from
// the bitmaps when missing or malformed.
func (s *Service) GetCounts(ctx context.Context, etype persist.EntityType, eid string, metrics []persist.Metric) (map[persist.Metric]int64, error) {
	blob, err := s.cache.Client().Get(ctx, SnapshotKey(etype, eid)).Bytes()
	if err != nil && err != goredis.Nil {
		return nil, err
	}

	if err == nil && len(blob) == EntitySchema.ByteLen() {
		values, decodeErr := Decode(EntitySchema, blob)
		if decodeErr == nil {
			return pickMetrics(values, metrics), nil
		}
	}

	return s.rebuild(ctx, etype, eid, metrics)
}

// GetCountsBatch reads many snapshots in one pipelined round trip. Entities
// with a missing or malformed snapshot report zero instead of triggering a
// rebuild, keeping list-rendering latency bounded.
func (s *Service) GetCountsBatch(ctx context.Context, etype persist.EntityType, eids []string, metrics []persist.Metric) (map[string]map[persist.Metric]int64, error) {
	keys := make([]string, len(eids))
	for i, eid := range eids {
		keys[i] = SnapshotKey(etype, eid)
	}

	blobs, err := s.cache.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}

	result := make(map[string]map[persist.Metric]int64, len(eids))
	for i, eid := range eids {
		if blobs[i] == nil || len(blobs[i]) != EntitySchema.ByteLen() {
			result[eid] = zeroMetrics(metrics)
			continue
		}
		values, decodeErr := Decode(EntitySchema, blobs[i])
		if decodeErr != nil {
			result[eid] = zeroMetrics(metrics)
			continue
		}
		result[eid] = pickMetrics(values, metrics)
	}
	return result, nil
}

// rebuild recomputes the snapshot from bitmap population counts, guarded by
// the backoff window, the rate limiter, and a try-once distributed lock.
// Every refusal degrades to zeros and escalates the backoff.
func (s *Service) rebuild(ctx context.Context, etype persist.EntityType, eid string, metrics []persist.Metric) (map[persist.Metric]int64, error) {
	inBackoff, err := s.inBackoff(ctx, etype, eid)
	if err != nil {
		logger.For(ctx).Errorf("reading rebuild backoff for %s:%s: %s", etype, eid, err)
	}
	if inBackoff {
		return zeroMetrics(metrics), nil
	}

	allowed, _, err := s.limiter.ForKey(ctx, rebuildRateKey(etype, eid))
	if err != nil || !allowed {
		s.escalateBackoff(ctx, etype, eid)
		return zeroMetrics(metrics), nil
	}

	lock, err := s.locks.Obtain(ctx, rebuildLockKey(etype, eid), s.cfg.LockTTL, &redislock.Options{RetryStrategy: redislock.NoRetry()})
	if err != nil {
		if err != redislock.ErrNotObtained {
			logger.For(ctx).Errorf("obtaining rebuild lock for %s:%s: %s", etype, eid, err)
		}
		s.escalateBackoff(ctx, etype, eid)
		return zeroMetrics(metrics), nil
	}
	defer lock.Release(context.Background())

	stopWatchdog := s.watchLock(ctx, lock, etype, eid)
	defer close(stopWatchdog)

	values := make([]uint32, EntitySchema.Len)
	counts := make(map[persist.Metric]int64, len(metrics))
	aggFields := make([]string, 0, len(metrics))

	for _, metric := range metrics {
		idx, ok := MetricIdx(metric)
		if !ok {
			continue
		}

		total, err := s.countShards(ctx, metric, etype, eid)
		if err != nil {
			return nil, fmt.Errorf("counting bitmap shards for %s:%s:%s: %w", metric, etype, eid, err)
		}

		values[idx] = saturate(total)
		counts[metric] = total
		aggFields = append(aggFields, strconv.Itoa(idx))
	}

	if err := s.cache.Set(ctx, SnapshotKey(etype, eid), Encode(EntitySchema, values), 0); err != nil {
		return nil, fmt.Errorf("writing rebuilt snapshot: %w", err)
	}

	// The bitmaps already reflect any deltas still buffered for these
	// segments, so drop them to avoid re-adding.
	if len(aggFields) > 0 {
		if err := s.cache.Client().HDel(ctx, AggKey(etype, eid), aggFields...).Err(); err != nil {
			logger.For(ctx).Errorf("dropping drained agg fields for %s:%s: %s", etype, eid, err)
		}
	}

	s.resetBackoff(ctx, etype, eid)
	return counts, nil
}

func (s *Service) countShards(ctx context.Context, metric persist.Metric, etype persist.EntityType, eid string) (int64, error) {
	chunks, err := s.cache.Client().SMembers(ctx, ShardIndexKey(metric, etype, eid)).Result()
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	p := s.cache.Client().Pipeline()
	defer p.Close()
	cmds := make([]*goredis.IntCmd, len(chunks))
	for i, chunk := range chunks {
		c, err := strconv.ParseInt(chunk, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad shard chunk %q: %w", chunk, err)
		}
		cmds[i] = p.BitCount(ctx, ShardKey(metric, etype, eid, c), nil)
	}
	if _, err := p.Exec(ctx); err != nil {
		return 0, err
	}

	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

func (s *Service) watchLock(ctx context.Context, lock *redislock.Lock, etype persist.EntityType, eid string) chan struct{} {
	done := make(chan struct{})
	interval := s.cfg.LockTTL / 3
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx, s.cfg.LockTTL, nil); err != nil {
					logger.For(ctx).Errorf("refreshing rebuild lock for %s:%s: %s", etype, eid, err)
					return
				}
			}
		}
	}()
	return done
}

func (s *Service) inBackoff(ctx context.Context, etype persist.EntityType, eid string) (bool, error) {
	raw, err := s.cache.Client().Get(ctx, backoffUntilKey(etype, eid)).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, err
	}
	return time.Now().UnixMilli() < until, nil
}

func (s *Service) escalateBackoff(ctx context.Context, etype persist.EntityType, eid string) {
	level, err := s.cache.Client().Incr(ctx, backoffExpKey(etype, eid)).Result()
	if err != nil {
		logger.For(ctx).Errorf("escalating rebuild backoff for %s:%s: %s", etype, eid, err)
		return
	}
	s.cache.Client().Expire(ctx, backoffExpKey(etype, eid), 2*s.cfg.BackoffMax)

	delay := BackoffDelay(s.cfg.BackoffBase, s.cfg.BackoffMax, level-1)
	until := time.Now().Add(delay).UnixMilli()
	if err := s.cache.Client().Set(ctx, backoffUntilKey(etype, eid), until, delay+time.Second).Err(); err != nil {
		logger.For(ctx).Errorf("writing rebuild backoff window for %s:%s: %s", etype, eid, err)
	}
}

func (s *Service) resetBackoff(ctx context.Context, etype persist.EntityType, eid string) {
	if err := s.cache.Delete(ctx, backoffExpKey(etype, eid), backoffUntilKey(etype, eid)); err != nil {
		logger.For(ctx).Errorf("resetting rebuild backoff for %s:%s: %s", etype, eid, err)
	}
}

// BackoffDelay computes min(base * 2^min(level, 10), max)
func BackoffDelay(base, max time.Duration, level int64) time.Duration {
	if level > 10 {
		level = 10
	}
	if level < 0 {
		level = 0
	}
	delay := base << uint(level)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

func rebuildRateKey(etype persist.EntityType, eid string) string {
	return fmt.Sprintf("rl:sds-rebuild:%s:%s", etype, eid)
}

func rebuildLockKey(etype persist.EntityType, eid string) string {
	return fmt.Sprintf("lock:sds-rebuild:%s:%s", etype, eid)
}

func backoffExpKey(etype persist.EntityType, eid string) string {
	return fmt.Sprintf("backoff:sds-rebuild:exp:%s:%s", etype, eid)
}

func backoffUntilKey(etype persist.EntityType, eid string) string {
	return fmt.Sprintf("backoff:sds-rebuild:until:%s:%s", etype, eid)
}

func pickMetrics(values []uint32, metrics []persist.Metric) map[persist.Metric]int64 {
	out := make(map[persist.Metric]int64, len(metrics))
	for _, m := range metrics {
		if idx, ok := MetricIdx(m); ok {
			out[m] = int64(values[idx])
		}
	}
	return out
}

func zeroMetrics(metrics []persist.Metric) map[persist.Metric]int64 {
	out := make(map[persist.Metric]int64, len(metrics))
	for _, m := range metrics {
		out[m] = 0
	}
	return out
}

func saturate(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(v)
}
