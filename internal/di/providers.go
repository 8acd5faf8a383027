package di

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	domrepo "MetaCore/internal/domain/repository"
	"MetaCore/internal/handler/api"
	mid "MetaCore/internal/middleware"
	internalrepo "MetaCore/internal/repository"
	"MetaCore/internal/service/ratelimit"
	"MetaCore/internal/service/tradingview"
	"MetaCore/internal/usecase"
	"MetaCore/pkg/cache"
	pkgch "MetaCore/pkg/clickhouse"
	"MetaCore/pkg/config"
	xhttp "MetaCore/pkg/http"
	pkgkafka "MetaCore/pkg/kafka"
	applogger "MetaCore/pkg/logger"
	"MetaCore/pkg/metrics"
	"MetaCore/pkg/queue"
	"MetaCore/pkg/server"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// Store groups the read and write sides of the selected backend.
type Store struct {
	Ticks   domrepo.TickStorage
	Candles domrepo.CandleStore
	Prices  domrepo.PriceStore
	closer  io.Closer
}

// Resources collects what the App closes after its stages stop.
type Resources struct {
	Closers []io.Closer
}

// ProvideLogger builds the application logger from config.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New(nil)
}

// ProvideClickHouseClient creates a ClickHouse client and, when enabled,
// bootstraps the tick and candle schema.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	if !cfg.Store.Bootstrap {
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.SchemaStatements()); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideStore selects the ClickHouse or in-process backend.
func ProvideStore(cfg *config.Config, l *applogger.Logger) (*Store, error) {
	if cfg.Store.Backend == config.StoreMemory {
		ms := internalrepo.NewMemoryStore()
		return &Store{Ticks: ms, Candles: ms, Prices: ms}, nil
	}

	client, err := ProvideClickHouseClient(cfg)
	if err != nil {
		return nil, err
	}
	ticks := internalrepo.NewClickHouseTickStorage(client.DB(), l.With("tick_storage"))
	return &Store{
		Ticks:   ticks,
		Candles: internalrepo.NewCHCandleStore(client.DB(), l.With("candle_store")),
		Prices:  ticks,
		closer:  client,
	}, nil
}

// ProvideRedis connects to Redis only when a configured component needs it.
func ProvideRedis(cfg *config.Config) (redis.UniversalClient, error) {
	if !cfg.NeedsRedis() {
		return nil, nil
	}
	rdb, err := cache.NewRedisClient(
		cache.WithRedisAddr(cfg.Redis.Addr),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, 5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rdb, nil
}

// ProvideInstrumentRegistry builds the instrument source named in config.
func ProvideInstrumentRegistry(cfg *config.Config, rdb redis.UniversalClient, l *applogger.Logger) domrepo.InstrumentRegistry {
	rl := l.With("registry")
	switch cfg.Instruments.Source {
	case config.SourceRedis:
		return internalrepo.NewRedisRegistry(rdb, cfg.Instruments.RedisKey, rl)
	case config.SourceHTTP:
		client := xhttp.NewClient(xhttp.WithTimeout(10*time.Second), xhttp.WithHeader("User-Agent", "metacore"))
		return internalrepo.NewHTTPRegistry(client, cfg.Instruments.HTTPURL, cfg.Instruments.HTTPToken, rl)
	default:
		return internalrepo.NewStaticRegistry(cfg.Instruments.Static, rl)
	}
}

// ProvideKafkaRegistry creates the process-wide broker connection registry.
func ProvideKafkaRegistry(l *applogger.Logger) *pkgkafka.Registry {
	return pkgkafka.NewRegistry(pkgkafka.WithRegistryLogger(l.With("kafka")))
}

// ProvideKafkaConn acquires the shared connection for the configured brokers.
func ProvideKafkaConn(reg *pkgkafka.Registry, cfg *config.Config) (*pkgkafka.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn, err := reg.Acquire(ctx, pkgkafka.ConnParams{
		Brokers:     cfg.Kafka.Brokers,
		Token:       cfg.Kafka.Token,
		Compression: cfg.Kafka.Compression,
		GroupID:     cfg.Kafka.Consumer.GroupID,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka connection: %w", err)
	}
	return conn, nil
}

// ProvideConsumerOptions maps consumer config and reports handler failures to metrics.
func ProvideConsumerOptions(cfg *config.Config, m domrepo.Metrics) []pkgkafka.ConsumerOption {
	cc := cfg.Kafka.Consumer
	return []pkgkafka.ConsumerOption{
		pkgkafka.WithConsumerStartLatest(cc.StartLatest),
		pkgkafka.WithConsumerBufferSize(cc.BufferSize),
		pkgkafka.WithConsumerRetry(cc.RetryMax, cc.BackoffMin, cc.BackoffMax),
		pkgkafka.WithConsumerDLQ(cc.DLQTopic),
		pkgkafka.WithConsumerHook(pkgkafka.HookFuncs{
			Err: func(_ context.Context, topic string, _ kafka.Message, _ []byte, _ error) {
				m.RecordError("consumer_" + topic)
			},
		}),
	}
}

// ProvideTickPublisher publishes feed ticks on the configured topic.
func ProvideTickPublisher(conn *pkgkafka.Conn, cfg *config.Config) domrepo.Publisher {
	return internalrepo.NewKafkaPublisher(conn, cfg.Kafka.Topic)
}

// ProvidePipeline builds the validation and throttling stage in front of the broker.
func ProvidePipeline(pub domrepo.Publisher, m domrepo.Metrics, cfg *config.Config) *mid.RealtimePipeline {
	return mid.NewRealtimePipeline(pub, m, mid.WithMaxRPS(cfg.Pipeline.MaxRPS))
}

// ProvideFeedSession creates the streaming quote session.
func ProvideFeedSession(cfg *config.Config, l *applogger.Logger, m domrepo.Metrics) *tradingview.Session {
	return tradingview.NewSession(tradingview.Config{
		URL:              cfg.Feed.URL,
		Origin:           cfg.Feed.Origin,
		ReconnectDelay:   cfg.Feed.ReconnectDelay,
		HeartbeatTimeout: cfg.Feed.HeartbeatTimeout,
		Fields:           cfg.Feed.Fields,
	},
		tradingview.WithLogger(l.With("feed")),
		tradingview.WithMetrics(m),
		tradingview.WithVerbose(cfg.Verbose),
		tradingview.WithDialer(&websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}),
	)
}

// ProvideTickIngestor observes the feed session.
func ProvideTickIngestor(registry domrepo.InstrumentRegistry, pipe *mid.RealtimePipeline, l *applogger.Logger, m domrepo.Metrics, cfg *config.Config) *usecase.TickIngestor {
	return usecase.NewTickIngestor(registry, pipe, l.With("ingestor"),
		usecase.WithIngestorVerbose(cfg.Verbose),
		usecase.WithIngestorMetrics(m),
	)
}

// ProvideDeadLetterQueue returns nil unless the dead_letter policy is selected.
func ProvideDeadLetterQueue(cfg *config.Config, rdb redis.UniversalClient, store *Store, l *applogger.Logger, m domrepo.Metrics) *queue.RedisQueue {
	if cfg.Buffer.FailurePolicy != config.PolicyDeadLetter {
		return nil
	}
	q := queue.NewRedisQueue(l.With("dead_letters"), queue.Config{
		Workers:    cfg.DeadLetter.Workers,
		RetryLimit: cfg.DeadLetter.Retries,
		RetryDelay: cfg.DeadLetter.RetryDelay,
	}, rdb, queue.WithKeyPrefix("metacore:ticks"))
	q.RegisterJob(usecase.NewReplayJob(store.Ticks, l.With("replay"), m))
	return q
}

// ProvideBatchFlusher wires the tick buffer to the store.
func ProvideBatchFlusher(store *Store, dlq *queue.RedisQueue, cfg *config.Config, l *applogger.Logger, m domrepo.Metrics) *usecase.BatchFlusher {
	opts := []usecase.FlusherOption{usecase.WithFlusherMetrics(m)}
	if dlq != nil {
		opts = append(opts, usecase.WithDeadLetter(usecase.NewQueueDeadLetter(dlq)))
	}
	return usecase.NewBatchFlusher(usecase.NewTickBuffer(), store.Ticks, usecase.FlusherConfig{
		BatchSize:    cfg.Buffer.BatchSize,
		Interval:     cfg.Buffer.FlushInterval,
		FlushTimeout: cfg.Buffer.FlushTimeout,
		Policy:       usecase.FailurePolicy(cfg.Buffer.FailurePolicy),
	}, l.With("flusher"), opts...)
}

// ProvideKafkaTicksHandler feeds consumed ticks into the flusher.
func ProvideKafkaTicksHandler(flusher *usecase.BatchFlusher, m domrepo.Metrics, cfg *config.Config) *usecase.KafkaTicksHandler {
	return usecase.NewKafkaTicksHandler(cfg.Kafka.Topic, flusher, m)
}

// ProvideResubscriber builds the liveness loop over the flusher's last-tick cache.
func ProvideResubscriber(registry domrepo.InstrumentRegistry, flusher *usecase.BatchFlusher, session *tradingview.Session, cfg *config.Config, l *applogger.Logger, m domrepo.Metrics) *usecase.Resubscriber {
	return usecase.NewResubscriber(registry, flusher.Buffer(), session, usecase.ResubscriberConfig{
		Period:         cfg.Liveness.Period,
		StaleAfter:     cfg.Liveness.StaleAfter,
		StaleCooldown:  cfg.Liveness.StaleCooldown,
		SilentCooldown: cfg.Liveness.SilentCooldown,
	}, l.With("liveness"), usecase.WithResubscriberMetrics(m))
}

// ProvideResponseCache returns nil when caching is disabled.
func ProvideResponseCache(cfg *config.Config, rdb redis.UniversalClient) cache.Service {
	if !cfg.Cache.Enabled {
		return nil
	}
	if cfg.Cache.Backend == config.CacheLayered {
		return cache.NewLayeredCache(cache.NewRedisCache(rdb, "metacore:http"),
			cache.WithLayeredMemorySize(cfg.Cache.MaxEntries),
			cache.WithLayeredMemoryTTL(cfg.Cache.TTL))
	}
	return cache.NewMemoryCache(cache.WithMemoryMaxSize(cfg.Cache.MaxEntries))
}

// ProvideCandlesUseCase serves candle queries, cached when a cache is configured.
func ProvideCandlesUseCase(store *Store, c cache.Service, cfg *config.Config, l *applogger.Logger) *usecase.CandlesUseCase {
	opts := []usecase.CandlesOption{usecase.WithCandlesLogger(l.With("candles"))}
	if c != nil {
		opts = append(opts, usecase.WithCandleCache(c, cfg.Cache.TTL))
	}
	return usecase.NewCandlesUseCase(store.Candles, opts...)
}

// ProvidePricesUseCase serves latest-price lookups.
func ProvidePricesUseCase(store *Store) *usecase.PricesUseCase {
	return usecase.NewPricesUseCase(store.Prices)
}

// ProvideHTTPServer registers the read API on Echo.
func ProvideHTTPServer(
	cfg *config.Config,
	l *applogger.Logger,
	candles *usecase.CandlesUseCase,
	prices *usecase.PricesUseCase,
	store *Store,
	session *tradingview.Session,
) *xhttp.Server {
	limit := api.RateLimit(ratelimit.New(), cfg.Server.RateLimit.Burst, cfg.Server.RateLimit.PerSecond)
	hl := l.With("http")
	handlers := []xhttp.Handler{
		api.NewCandlesHandler(hl, candles, limit),
		api.NewPricesHandler(hl, prices, limit),
		api.NewHealthHandler(store.Ticks, session),
	}
	return xhttp.NewServer(hl, handlers,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithSlowThreshold(cfg.Server.SlowThreshold),
	)
}

// ProvideResources lists shared clients in close order: broker, store, cache, redis.
func ProvideResources(reg *pkgkafka.Registry, store *Store, c cache.Service, rdb redis.UniversalClient) *Resources {
	res := &Resources{Closers: []io.Closer{reg}}
	if store.closer != nil {
		res.Closers = append(res.Closers, store.closer)
	}
	if cl, ok := c.(io.Closer); ok {
		res.Closers = append(res.Closers, cl)
	}
	if rdb != nil {
		res.Closers = append(res.Closers, rdb)
	}
	return res
}

// ProvideApp assembles the application and attaches the error-log collector
// when a collector topic is configured.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	conn *pkgkafka.Conn,
	consumerOpts []pkgkafka.ConsumerOption,
	ticks *usecase.KafkaTicksHandler,
	flusher *usecase.BatchFlusher,
	dlq *queue.RedisQueue,
	session *tradingview.Session,
	ingestor *usecase.TickIngestor,
	resub *usecase.Resubscriber,
	httpServer *xhttp.Server,
	res *Resources,
) *server.App {
	if topic := cfg.Log.Collector.Topic; topic != "" {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   cfg.Log.Collector.Interval,
			CountThreshold: cfg.Log.Collector.Threshold,
			Topic:          topic,
			Publisher:      conn,
		})
	}

	c := server.Components{
		Config:      cfg,
		Logger:      l,
		Broker:      conn,
		Ticks:       ticks,
		ConsumerOpt: consumerOpts,
		Flusher:     flusher,
		Feed:        session,
		Ingestor:    ingestor,
		Liveness:    resub,
		HTTP:        httpServer,
		Closers:     res.Closers,
	}
	if dlq != nil {
		c.DeadLetters = dlq
	}
	return server.New(c)
}
