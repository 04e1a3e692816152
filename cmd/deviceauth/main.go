package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/cropwatch/device-auth/internal/clock"
	"github.com/cropwatch/device-auth/internal/config"
	httptransport "github.com/cropwatch/device-auth/internal/http"
	"github.com/cropwatch/device-auth/internal/http/handler"
	httpmiddleware "github.com/cropwatch/device-auth/internal/http/middleware"
	"github.com/cropwatch/device-auth/internal/identity"
	"github.com/cropwatch/device-auth/internal/ingest"
	"github.com/cropwatch/device-auth/internal/repository"
	"github.com/cropwatch/device-auth/internal/server"
	"github.com/cropwatch/device-auth/internal/service"
	"github.com/cropwatch/device-auth/internal/telemetry"
	"github.com/cropwatch/device-auth/internal/token"
	"github.com/cropwatch/device-auth/internal/worker"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newCredentialStore,
			newDeviceRepository,
			newActivationRepository,
			newTokenRepository,
			newClock,
			newCodec,
			newResolver,
			service.NewTokenService,
			newActivationService,
			newSink,
			handler.NewDeviceHandler,
			handler.NewAdminHandler,
			newAuthMiddleware,
			httptransport.NewRouter,
			server.NewHTTPServer,
			newSweeper,
		),
		fx.Invoke(useTelemetry, startSweeper, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newCredentialStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (repository.CredentialStore, error) {
	var (
		store repository.CredentialStore
		err   error
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		store, err = openPostgres(cfg, logger)
	case config.DriverSQLite:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err = repository.OpenSQLite(ctx, cfg.SQLitePath)
	case config.DriverMemory:
		logger.Warn("using in-memory credential store, state is lost on restart")
		store = repository.NewMemoryStore()
	default:
		err = fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("credential store ready", zap.String("driver", cfg.StoreDriver))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func openPostgres(cfg config.Config, logger *zap.Logger) (*repository.PostgresStore, error) {
	var pool *pgxpool.Pool
	connect := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		p, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("ping database: %w", err)
		}
		pool = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("database not ready, retrying", zap.Error(err), zap.Duration("wait", wait))
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(cfg.StoreConnectRetries, 0)))
	if err := backoff.RetryNotify(connect, policy, notify); err != nil {
		return nil, err
	}

	store := repository.NewPostgresStore(pool)
	if cfg.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	return store, nil
}

func newDeviceRepository(store repository.CredentialStore) repository.DeviceRepository {
	return store
}

func newActivationRepository(store repository.CredentialStore) repository.ActivationRepository {
	return store
}

func newTokenRepository(store repository.CredentialStore) repository.TokenRepository {
	return store
}

func newClock() clock.Clock {
	return clock.System{}
}

func newCodec(cfg config.Config) *token.Codec {
	return token.NewCodec(cfg.TokenBytes)
}

func newResolver(devices repository.DeviceRepository, cfg config.Config) *identity.Resolver {
	return identity.NewResolver(devices, cfg.NearExpiryThreshold)
}

func newActivationService(
	activations repository.ActivationRepository,
	devices repository.DeviceRepository,
	tokens *service.TokenService,
	clk clock.Clock,
	cfg config.Config,
	logger *zap.Logger,
) (*service.ActivationService, error) {
	return service.NewActivationService(activations, devices, tokens, clk, cfg, logger)
}

func newSink(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (ingest.Sink, error) {
	logSink := ingest.NewLogSink(logger)
	if cfg.MQTTBroker == "" {
		return logSink, nil
	}

	mqttSink, err := ingest.NewMQTTSink(ingest.MQTTConfig{
		Broker:      cfg.MQTTBroker,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		TopicPrefix: cfg.MQTTTopicPrefix,
		ClientID:    cfg.ServiceName,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("mqtt sink: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			mqttSink.Close()
			return nil
		},
	})
	return ingest.Fanout{logSink, mqttSink}, nil
}

func newAuthMiddleware(tokens *service.TokenService, cfg config.Config, logger *zap.Logger) *httpmiddleware.Auth {
	if len(cfg.AdminAPIKeys) == 0 {
		logger.Warn("ADMIN_API_KEYS is empty, admin endpoints are unreachable")
	}
	return httpmiddleware.NewAuth(tokens, cfg.AdminAPIKeys)
}

func newSweeper(activations *service.ActivationService, cfg config.Config, logger *zap.Logger) *worker.Sweeper {
	return worker.NewSweeper(activations, cfg.SweepInterval, logger)
}

func startSweeper(lc fx.Lifecycle, sweeper *worker.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sweeper.Start()
			return nil
		},
		OnStop: sweeper.Stop,
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
