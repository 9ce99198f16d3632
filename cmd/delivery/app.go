// cmd/delivery/app.go
package main

import (
	"context"
	"fmt"
	"time"

	"entitlement-delivery/internal/audit"
	"entitlement-delivery/internal/common/auth"
	awsclients "entitlement-delivery/internal/common/aws"
	"entitlement-delivery/internal/common/camunda"
	"entitlement-delivery/internal/common/config"
	"entitlement-delivery/internal/common/database"
	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/common/observability"
	"entitlement-delivery/internal/common/ratelimit"
	"entitlement-delivery/internal/entitlement"
	"entitlement-delivery/internal/gateway"
	"entitlement-delivery/internal/store"
	"entitlement-delivery/internal/tokens"

	"go.uber.org/zap"
)

// app holds every long-lived component. Commands build only what they use.
type app struct {
	cfg    *config.Config
	zapLog *zap.Logger
	log    logger.Logger

	store   *store.SQLStore
	redis   *database.RedisClient
	es      *database.ElasticsearchClient
	zeebe   *camunda.Client
	closers []func() error
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output).With(
		zap.String("service", cfg.App.Name),
		zap.String("environment", cfg.App.Environment),
	)
	return &app{cfg: cfg, zapLog: zapLog, log: logger.NewZapAdapter(zapLog)}, nil
}

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func (a *app) openStore(ctx context.Context) error {
	return retryWithBackoff(func() error {
		db, dialect, err := database.Open(a.cfg.Database)
		if err != nil {
			return err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return err
		}
		a.store = store.New(db, dialect)
		a.closers = append(a.closers, db.Close)
		return nil
	}, 15, 2*time.Second, a.zapLog, "database connection")
}

func (a *app) openRedis(ctx context.Context) error {
	return retryWithBackoff(func() error {
		rc, err := database.NewRedis(a.cfg.Database.Redis)
		if err != nil {
			return err
		}
		if err := rc.Ping(ctx); err != nil {
			_ = rc.Close()
			return err
		}
		a.redis = rc
		a.closers = append(a.closers, rc.Close)
		return nil
	}, 10, 2*time.Second, a.zapLog, "Redis connection")
}

func (a *app) openElasticsearch(ctx context.Context) error {
	return retryWithBackoff(func() error {
		es, err := database.NewElasticsearch(a.cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		if err := es.Ping(ctx); err != nil {
			return err
		}
		a.es = es
		return nil
	}, 15, 2*time.Second, a.zapLog, "Elasticsearch connection")
}

func (a *app) openZeebe() error {
	return retryWithBackoff(func() error {
		c, err := camunda.NewClientWithConfig(&camunda.ClientConfig{
			GatewayAddress:         a.cfg.Camunda.BrokerAddress,
			UsePlaintextConnection: true,
			ConnectionTimeout:      10 * time.Second,
			RequestTimeout:         config.GetDuration(a.cfg.Camunda.RequestTimeout),
		})
		if err != nil {
			return err
		}
		a.zeebe = c
		a.closers = append(a.closers, c.Close)
		return nil
	}, 10, 2*time.Second, a.zapLog, "Zeebe client initialization")
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", map[string]interface{}{"error": err.Error()})
		}
	}
	_ = a.zapLog.Sync()
}

// passNotifier collects the configured lifecycle notifiers.
func (a *app) passNotifier(ctx context.Context) (entitlement.Notifier, error) {
	var ns audit.Notifiers
	if a.cfg.Notifications.SNS.Enabled {
		sns, err := awsclients.NewSNSClient(ctx, a.cfg.Notifications.AWS.Region, a.cfg.Notifications.SNS.TopicARN)
		if err != nil {
			return nil, fmt.Errorf("sns client: %w", err)
		}
		ns = append(ns, audit.NewPassNotifier(sns))
	}
	if a.zeebe != nil {
		ns = append(ns, audit.NewProcessNotifier(a.zeebe))
	}
	return ns, nil
}

func (a *app) engine(ctx context.Context) (*entitlement.Engine, error) {
	notifier, err := a.passNotifier(ctx)
	if err != nil {
		return nil, err
	}
	return entitlement.NewEngine(a.store, notifier, entitlement.Config{
		PassPeriodDownloadLimit: a.cfg.Entitlement.PassPeriodDownloadLimit,
	}, a.log), nil
}

func (a *app) tokenConfig() tokens.Config {
	return tokens.Config{
		DefaultTTL:        config.GetDuration(a.cfg.Tokens.DefaultTTL),
		MaxTTL:            config.GetDuration(a.cfg.Tokens.MaxTTL),
		DefaultMaxUses:    a.cfg.Tokens.DefaultMaxUses,
		FingerprintSecret: a.cfg.Tokens.FingerprintSecret,

		PassPeriodDownloadLimit: a.cfg.Entitlement.PassPeriodDownloadLimit,
	}
}

// eventSinks builds the download event consumers: the audit index and the
// anomaly review mailer, both behind a bounded async dispatcher.
func (a *app) eventSinks(ctx context.Context) ([]tokens.EventSink, error) {
	var recorders []audit.Recorder
	if a.cfg.Audit.Enabled {
		if err := a.openElasticsearch(ctx); err != nil {
			return nil, err
		}
		sink := audit.NewElasticsearchSink(a.es.Client, a.cfg.Audit.Index, a.log)
		if err := sink.EnsureIndex(ctx); err != nil {
			return nil, err
		}
		recorders = append(recorders, sink)
	}
	if a.cfg.Notifications.Email.Enabled {
		ses, err := awsclients.NewSESClient(ctx, a.cfg.Notifications.AWS.Region, a.cfg.Notifications.Email.FromEmail)
		if err != nil {
			return nil, fmt.Errorf("ses client: %w", err)
		}
		recorders = append(recorders, audit.NewAnomalyMailer(ses, a.cfg.Notifications.Email.ReviewAddress, a.log))
	}
	if len(recorders) == 0 {
		return nil, nil
	}

	d := audit.NewDispatcher(recorders, audit.DispatcherConfig{
		QueueSize:   a.cfg.Audit.QueueSize,
		Workers:     a.cfg.Audit.Workers,
		SinkTimeout: config.GetDuration(a.cfg.Audit.SinkTimeout),
	}, a.log)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), config.GetDuration(a.cfg.Server.ShutdownTimeout))
		defer cancel()
		return d.Close(ctx)
	})
	return []tokens.EventSink{d}, nil
}

// delivery wires the engine, issuer, verifier and gateway.
func (a *app) delivery(ctx context.Context) (*entitlement.Engine, *tokens.Issuer, *gateway.Gateway, error) {
	engine, err := a.engine(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	rdb := a.redis.GetClient()
	issueLimiter := ratelimit.New(rdb, "token-issue", a.cfg.Tokens.IssueRateLimit,
		config.GetDuration(a.cfg.Tokens.IssueRateWindow), a.log)
	deliveryLimiter := ratelimit.New(rdb, "delivery", a.cfg.Delivery.RateLimit,
		config.GetDuration(a.cfg.Delivery.RateWindow), a.log)

	sinks, err := a.eventSinks(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	blobs, err := awsclients.NewS3BlobStore(ctx, a.cfg.Storage)
	if err != nil {
		return nil, nil, nil, err
	}

	tcfg := a.tokenConfig()
	issuer := tokens.NewIssuer(engine, a.store, issueLimiter, tcfg, a.log)
	verifier := tokens.NewVerifier(a.store, tcfg, a.log, sinks...)
	gw := gateway.New(verifier, blobs, deliveryLimiter, gateway.Config{
		SignedURLTTL: config.GetDuration(a.cfg.Delivery.SignedURLTTL),
	}, a.log)
	return engine, issuer, gw, nil
}

func (a *app) keycloak() *auth.KeycloakClient {
	kc := a.cfg.Auth.Keycloak
	return auth.NewKeycloakClient(kc.URL, kc.Realm, kc.ClientID, kc.ClientSecret).
		WithCache(a.redis.GetClient(), config.GetDuration(kc.CacheTTL))
}

func (a *app) initObservability() (func(context.Context) error, *observability.Observability, error) {
	obs, err := observability.New(a.cfg.Observability.ServiceName)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}
	endpoint := ""
	if a.cfg.Observability.Jaeger.Enabled {
		endpoint = a.cfg.Observability.Jaeger.Endpoint
	}
	shutdownTracing, err := observability.InitTracing(a.cfg.Observability.ServiceName, endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: %w", err)
	}
	return func(ctx context.Context) error {
		_ = obs.Shutdown(ctx)
		return shutdownTracing(ctx)
	}, obs, nil
}
