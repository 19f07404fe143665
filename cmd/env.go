package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fuelwise/fuel-ingest/internal/adapter"
	"github.com/fuelwise/fuel-ingest/internal/cache"
	"github.com/fuelwise/fuel-ingest/internal/config"
	"github.com/fuelwise/fuel-ingest/internal/credential"
	"github.com/fuelwise/fuel-ingest/internal/events"
	"github.com/fuelwise/fuel-ingest/internal/ingest"
	"github.com/fuelwise/fuel-ingest/internal/metrics"
	"github.com/fuelwise/fuel-ingest/internal/model"
	"github.com/fuelwise/fuel-ingest/internal/resilience"
	"github.com/fuelwise/fuel-ingest/internal/scheduler"
	"github.com/fuelwise/fuel-ingest/internal/store"
)

// ingestEnv holds the wired ingestion stack shared by serve, load and tick.
type ingestEnv struct {
	Store    store.Store
	Codec    *credential.Codec
	Breakers *resilience.Registry
	Cache    *cache.Cache
	Bus      *events.Bus
	Runner   *ingest.Runner
	Location *time.Location

	closers []func() error
}

// Close drains pending notifications and releases every resource.
// Callers should defer env.Close().
func (e *ingestEnv) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if e.Bus != nil {
		if err := e.Bus.Wait(ctx); err != nil {
			zap.L().Warn("pending notifications abandoned", zap.Error(err))
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

// initEnv validates cfg for mode and wires the store, credential codec,
// adapter factory, breakers, cache, event bus and runner.
func initEnv(ctx context.Context, mode string) (*ingestEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, err
	}

	codec, err := credential.NewCodec(cfg.Credentials.Key, cfg.Credentials.SecretFields)
	if err != nil {
		return nil, eris.Wrap(err, "init credential codec")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &ingestEnv{Store: st, Codec: codec, Location: loc}
	env.closers = append(env.closers, st.Close)

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	c, closeCache, err := initCache(cfg.Cache)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	env.Cache = c
	if closeCache != nil {
		env.closers = append(env.closers, closeCache)
	}

	bus, closeBus, err := initBus(cfg.Events)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Bus = bus
	env.closers = append(env.closers, closeBus...)

	env.Breakers = resilience.NewRegistry(breakerSettings(cfg.Breaker).BreakerConfig(adapter.IsConnectionError, onBreakerChange))

	factory := adapter.NewFactory(adapter.Options{
		ConnectTimeout: cfg.Adapter.ConnectTimeout,
		RequestTimeout: cfg.Adapter.RequestTimeout,
		Location:       loc,
		UserAgent:      cfg.Adapter.UserAgent,
	})

	env.Runner = ingest.NewRunner(ingest.RunnerDeps{
		Store:           st,
		Codec:           codec,
		Factory:         factory,
		Breakers:        env.Breakers,
		Locks:           ingest.NewLockTable(),
		Emitter:         bus,
		Cache:           c,
		ErrorSampleSize: cfg.Writer.ErrorSampleSize,
	}, ingest.RunnerConfig{
		FetchTimeout: cfg.Adapter.FetchTimeout,
		RunTimeout:   cfg.Scheduler.RunTimeout,
		Location:     loc,
		FieldsTTL:    cfg.Cache.FieldsTTL,
		HealthTTL:    cfg.Cache.HealthTTL,
	})

	zap.L().Info("ingestion stack ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Backend),
		zap.Strings("subscribers", bus.Subscribers()),
		zap.String("timezone", loc.String()),
	)
	return env, nil
}

// newScheduler builds the auto-load scheduler over env.
func (e *ingestEnv) newScheduler() *scheduler.Scheduler {
	return scheduler.New(e.Store, e.Runner, scheduler.Config{
		TickInterval:  cfg.Scheduler.TickInterval,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Location:      e.Location,
	})
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initCache returns a nil cache for the "none" backend.
func initCache(c config.CacheConfig) (*cache.Cache, func() error, error) {
	switch c.Backend {
	case "none":
		return nil, nil, nil
	case "", "memory":
		return cache.New(cache.NewMemoryBackend(5*time.Minute), c.Prefix), nil, nil
	case "redis":
		rb := cache.NewRedisBackend(cache.RedisOptions{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		return cache.New(rb, c.Prefix), rb.Close, nil
	default:
		return nil, nil, eris.Errorf("unsupported cache backend: %s", c.Backend)
	}
}

// initBus subscribes every configured notification target.
func initBus(c config.EventsConfig) (*events.Bus, []func() error, error) {
	bus := events.NewBus(c.DeliveryTimeout)
	var closers []func() error

	if c.Log {
		bus.Subscribe(events.NewLogSubscriber(nil))
	}
	if len(c.Kafka.Brokers) > 0 {
		pub, err := events.NewKafkaPublisher(c.Kafka.Brokers, c.Kafka.Topic, c.Kafka.ClientID)
		if err != nil {
			return nil, nil, eris.Wrap(err, "init kafka publisher")
		}
		bus.Subscribe(pub)
		closers = append(closers, pub.Close)
	}
	if c.Webhook.URL != "" {
		statuses := make([]model.UploadStatus, 0, len(c.Webhook.Statuses))
		for _, s := range c.Webhook.Statuses {
			statuses = append(statuses, model.UploadStatus(s))
		}
		hook, err := events.NewWebhookNotifier(events.WebhookConfig{
			URL:      c.Webhook.URL,
			Timeout:  c.Webhook.Timeout,
			Statuses: statuses,
			Retry: resilience.RetrySettings{
				MaxAttempts:    c.Webhook.MaxAttempts,
				InitialBackoff: c.Webhook.InitialBackoff,
			}.RetryConfig(),
		})
		if err != nil {
			for _, cl := range closers {
				_ = cl()
			}
			return nil, nil, eris.Wrap(err, "init webhook notifier")
		}
		bus.Subscribe(hook)
	}
	return bus, closers, nil
}

func breakerSettings(c config.BreakerConfig) resilience.BreakerSettings {
	return resilience.BreakerSettings{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
	}
}

func onBreakerChange(name string, from, to resilience.CircuitState) {
	resilience.LogStateChange(name, from, to)
	metrics.ObserveBreaker(name, from, to)
}
