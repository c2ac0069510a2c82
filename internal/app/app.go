// Package app builds a ready service from a config file. Both binaries start
// here.
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/maneesh/hookvault/internal/catalog"
	"github.com/maneesh/hookvault/internal/config"
	"github.com/maneesh/hookvault/internal/endpoint"
	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/logging"
	"github.com/maneesh/hookvault/internal/service"
	"github.com/maneesh/hookvault/internal/storage"
	"github.com/maneesh/hookvault/internal/tracing"
	"github.com/maneesh/hookvault/internal/transfer"
	"github.com/maneesh/hookvault/internal/transport"
)

// App owns the service and everything that must be closed with it.
type App struct {
	Config  *config.Manager
	Service *service.Service
	Logger  *zap.Logger

	closers []func(context.Context) error
}

// Option tweaks bootstrap.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	transport transport.Transport
	metrics   *transfer.Metrics
}

// WithLogger replaces the logger built from the config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTransport replaces the scheme router.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithMetrics sets the collectors used by the engine. Defaults to the ones
// registered on the default prometheus registry.
func WithMetrics(m *transfer.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New opens the config file at path and wires the service. Optional backends
// (mysql catalog, redis share, kafka events, minio endpoints, tracing) are
// connected only when configured.
func New(ctx context.Context, path string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	mgr, err := config.Open(path)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Config()

	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
	}

	a := &App{Config: mgr, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	shutdownTracer, err := tracing.InitTracer(cfg.Server.Name, cfg.Tracing.Endpoint, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracer)

	tr := o.transport
	if tr == nil {
		router, err := a.newRouter(cfg)
		if err != nil {
			return nil, err
		}
		tr = router
	}

	pool, err := endpoint.NewPool(cfg.EndpointLimit, cfg.Webhooks...)
	if err != nil {
		return nil, err
	}

	metrics := o.metrics
	if metrics == nil {
		metrics = transfer.DefaultMetrics()
	}
	retry := transfer.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	engine := transfer.NewEngine(pool, tr, retry,
		transfer.WithLogger(logger.Named("transfer")),
		transfer.WithMetrics(metrics),
		transfer.WithTracker(transfer.NewTracker(transfer.DefaultTrackerLimit)),
	)

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	indexOpts := []catalog.Option{catalog.WithLogger(logger.Named("catalog"))}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := catalog.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		indexOpts = append(indexOpts, catalog.WithPublisher(pub))
		logger.Info("catalog events enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	index := catalog.NewIndex(store, indexOpts...)
	if err := index.Load(ctx); err != nil {
		return nil, err
	}

	deps := service.Deps{
		Config: mgr,
		Pool:   pool,
		Engine: engine,
		Index:  index,
		Logger: logger.Named("service"),
	}
	if cfg.Redis.Addr != "" {
		share, err := storage.NewRedisShare(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return share.Close() })
		deps.Share = share
	}
	a.Service = service.New(deps)

	logger.Debug("service ready",
		zap.String("config", mgr.Path()),
		zap.Int("endpoints", pool.Len()),
		zap.Int("files", index.Len()),
	)
	ok = true
	return a, nil
}

func (a *App) newRouter(cfg *config.Config) (*transport.Router, error) {
	router := transport.NewRouter()
	router.Register(transport.NewWebhookTransport(nil), "http", "https")

	if cfg.MinIO.Endpoint != "" {
		mc, err := storage.NewMinioClient(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.UseSSL, a.Logger.Named("minio"))
		if err != nil {
			return nil, err
		}
		router.Register(mc, "minio")
	}
	return router, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) (catalog.Store, error) {
	switch cfg.Catalog.Backend {
	case "mysql":
		ss, err := storage.NewSQLStore(cfg.Catalog.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return ss.Close() })
		if err := ss.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return ss, nil
	case "json", "":
		return storage.NewJSONStore(cfg.Catalog.Path), nil
	default:
		return nil, errs.NewConfigError("catalog.backend", "unknown backend %q", cfg.Catalog.Backend)
	}
}

// Close releases backends in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
	return first
}
