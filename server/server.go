package server

import (
	"context"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"

	"github.com/knowshare/go-knowshare/env"
	"github.com/knowshare/go-knowshare/event"
	"github.com/knowshare/go-knowshare/service/counter"
	"github.com/knowshare/go-knowshare/service/feed"
	"github.com/knowshare/go-knowshare/service/feed/hotkey"
	"github.com/knowshare/go-knowshare/service/knowpost"
	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/persist/postgres"
	"github.com/knowshare/go-knowshare/service/redis"
	"github.com/knowshare/go-knowshare/service/relation"
	"github.com/knowshare/go-knowshare/util"
)

type resources struct {
	relations *relation.Service
	counters  *counter.Service
	ucnt      *counter.UserCounterService
	feed      *feed.Engine
	posts     *knowpost.Service
}

// Init sets up config, logging, and error reporting, then builds the router
// and starts the background workers.
func Init() {
	setDefaults()
	initSentry()

	router := CoreInit(context.Background())
	http.Handle("/", router)
}

func CoreInit(ctx context.Context) *gin.Engine {
	logger.For(nil).Info("initializing server...")

	if env.GetString("ENV") != "production" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.Default()

	return handlersInit(router, newResources(ctx))
}

func newResources(ctx context.Context) *resources {
	db := postgres.MustCreateClient()
	repos := postgres.NewRepositories(db)

	counterCache := redis.NewCache(redis.CounterCache)
	relationCache := redis.NewCache(redis.RelationCache)
	feedCache := redis.NewCache(redis.FeedCache)
	lockCache := redis.NewCache(redis.LockCache)
	limiterCache := redis.NewCache(redis.RateLimiterCache)

	ids, err := util.NewIDGenerator(env.GetInt64("WORKER_ID"))
	if err != nil {
		logger.For(nil).Fatalf("creating id generator: %s", err)
	}

	producer, err := counter.NewKafkaDeltaProducer()
	if err != nil {
		logger.For(nil).Fatalf("creating delta producer: %s", err)
	}

	dispatcher := event.NewDispatcher()

	counterCfg := counter.Config{
		RatePermits: env.GetInt64("COUNTER_REBUILD_RATE_PERMITS"),
		RateWindow:  time.Duration(env.GetInt("COUNTER_REBUILD_RATE_WINDOW_SECONDS")) * time.Second,
		BackoffBase: time.Duration(env.GetInt("COUNTER_REBUILD_BACKOFF_BASE_MS")) * time.Millisecond,
		BackoffMax:  time.Duration(env.GetInt("COUNTER_REBUILD_BACKOFF_MAX_SECONDS")) * time.Second,
		LockTTL:     time.Duration(env.GetInt("COUNTER_REBUILD_LOCK_TTL_SECONDS")) * time.Second,
	}
	counters := counter.NewService(counterCache, lockCache, limiterCache, producer, dispatcher, counterCfg)
	ucnt := counter.NewUserCounterService(counterCache, counters, repos.RelationRepository, repos.KnowPostRepository)

	hotCfg := hotkey.DefaultConfig()
	hotCfg.Window = time.Duration(env.GetInt("CACHE_HOTKEY_WINDOW_SECONDS")) * time.Second
	hotKeys := hotkey.NewDetector(hotCfg)

	feedEngine := feed.NewEngine(feedCache, repos.KnowPostRepository, counters, hotKeys, feed.DefaultConfig())
	posts := knowpost.NewService(feedCache, repos.KnowPostRepository, repos.UserRepository, counters, ucnt, feedEngine, hotKeys, ids)
	relations := relation.NewService(relationCache, repos.RelationRepository, repos.UserRepository, ucnt, ids)

	listener := feed.NewCounterListener(feedCache, feedEngine, repos.KnowPostRepository, ucnt)
	dispatcher.AddHandler(persist.MetricLike, listener)
	dispatcher.AddHandler(persist.MetricFav, listener)

	startWorkers(ctx, counterCache, relationCache, repos, hotKeys, ucnt, ids)

	return &resources{
		relations: relations,
		counters:  counters,
		ucnt:      ucnt,
		feed:      feedEngine,
		posts:     posts,
	}
}

// startWorkers launches the async half of the system: the counter
// aggregation pipeline, the outbox CDC bridge, the relation event consumer,
// and the hot-key segment rotator.
func startWorkers(ctx context.Context, counterCache, relationCache *redis.Cache, repos *postgres.Repositories, hotKeys *hotkey.Detector, ucnt *counter.UserCounterService, ids *util.IDGenerator) {
	aggregator := counter.NewAggregator(counterCache)
	go func() {
		if err := aggregator.RunConsumer(ctx); err != nil {
			logger.For(ctx).Errorf("counter aggregation consumer exited: %s", err)
		}
	}()
	go aggregator.RunFlusher(ctx, time.Duration(env.GetInt("COUNTER_FLUSH_INTERVAL_MS"))*time.Millisecond)

	if env.GetBool("COUNTER_REPLAY_ENABLED") {
		replay := counter.NewReplayConsumer(counterCache)
		go func() {
			if err := replay.Run(ctx); err != nil {
				logger.For(ctx).Errorf("counter replay consumer exited: %s", err)
			}
		}()
	}

	if env.GetBool("CDC_ENABLED") {
		source := relation.NewOutboxPollSource(repos.OutboxRepository)
		bridge, err := relation.NewBridge(source, relation.DefaultBridgeConfig())
		if err != nil {
			logger.For(ctx).Fatalf("creating outbox bridge: %s", err)
		}
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.For(ctx).Errorf("outbox bridge exited: %s", err)
			}
		}()
	}

	processor := relation.NewProcessor(relationCache, repos.RelationRepository, ucnt, ids)
	outboxConsumer := relation.NewOutboxConsumer(processor)
	go func() {
		if err := outboxConsumer.Run(ctx); err != nil {
			logger.For(ctx).Errorf("relation outbox consumer exited: %s", err)
		}
	}()

	go hotKeys.Run(ctx)
}

func setDefaults() {
	viper.SetDefault("ENV", "local")
	viper.SetDefault("PORT", "4000")
	viper.SetDefault("POSTGRES_HOST", "0.0.0.0")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "knowshare_backend")
	viper.SetDefault("POSTGRES_PASSWORD", "")
	viper.SetDefault("POSTGRES_DB", "postgres")
	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("REDIS_PASS", "")
	viper.SetDefault("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092")
	viper.SetDefault("WORKER_ID", 0)
	viper.SetDefault("SENTRY_DSN", "")
	viper.SetDefault("SENTRY_TRACES_SAMPLE_RATE", 0.2)
	viper.SetDefault("COUNTER_REBUILD_RATE_PERMITS", 3)
	viper.SetDefault("COUNTER_REBUILD_RATE_WINDOW_SECONDS", 10)
	viper.SetDefault("COUNTER_REBUILD_BACKOFF_BASE_MS", 500)
	viper.SetDefault("COUNTER_REBUILD_BACKOFF_MAX_SECONDS", 30)
	viper.SetDefault("COUNTER_REBUILD_LOCK_TTL_SECONDS", 10)
	viper.SetDefault("COUNTER_FLUSH_INTERVAL_MS", 1000)
	viper.SetDefault("COUNTER_REPLAY_ENABLED", false)
	viper.SetDefault("CDC_ENABLED", true)
	viper.SetDefault("CACHE_HOTKEY_WINDOW_SECONDS", 60)
	viper.AutomaticEnv()

	if env.GetString("ENV") != "local" {
		util.MustExist("SENTRY_DSN")
	}
}

func initSentry() {
	if env.GetString("ENV") == "local" {
		logger.For(nil).Info("skipping sentry init")
		return
	}

	logger.For(nil).Info("initializing sentry...")

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              env.GetString("SENTRY_DSN"),
		Environment:      env.GetString("ENV"),
		TracesSampleRate: env.Get[float64]("SENTRY_TRACES_SAMPLE_RATE"),
		AttachStacktrace: true,
	})
	if err != nil {
		logger.For(nil).Fatalf("failed to start sentry: %s", err)
	}
}
