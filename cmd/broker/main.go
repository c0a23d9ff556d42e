package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/adapter/aspsp"
	oauthadapter "github.com/smallbiznis/tpp-broker/internal/adapter/oauth"
	"github.com/smallbiznis/tpp-broker/internal/audit"
	"github.com/smallbiznis/tpp-broker/internal/bootstrap"
	"github.com/smallbiznis/tpp-broker/internal/config"
	"github.com/smallbiznis/tpp-broker/internal/consent"
	"github.com/smallbiznis/tpp-broker/internal/domain"
	httptransport "github.com/smallbiznis/tpp-broker/internal/http"
	"github.com/smallbiznis/tpp-broker/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/tpp-broker/internal/http/middleware"
	"github.com/smallbiznis/tpp-broker/internal/jwt"
	apimiddleware "github.com/smallbiznis/tpp-broker/internal/middleware"
	"github.com/smallbiznis/tpp-broker/internal/payments"
	"github.com/smallbiznis/tpp-broker/internal/proxy"
	"github.com/smallbiznis/tpp-broker/internal/registry"
	"github.com/smallbiznis/tpp-broker/internal/repository"
	"github.com/smallbiznis/tpp-broker/internal/server"
	authservice "github.com/smallbiznis/tpp-broker/internal/service/auth"
	"github.com/smallbiznis/tpp-broker/internal/session"
	"github.com/smallbiznis/tpp-broker/internal/telemetry"
	"github.com/smallbiznis/tpp-broker/internal/validator"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newStores,
			newKVStore,
			newHTTPClient,
			newDiscoveryClient,
			newRegistry,
			newTokenClient,
			newASPSPClient,
			newStatusChecker,
			newConsentStore,
			payments.NewStore,
			session.NewStore,
			newSigners,
			newKeyManager,
			newValidator,
			newAuditSink,
			newAuditEmitter,
			newProxy,
			newAuthService,
			newBrokerHandler,
			newSessionMiddleware,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, seedDirectory, startHTTPServer),
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

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newStores(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*bootstrap.Stores, error) {
	stores, err := bootstrap.OpenStores(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", zap.String("driver", cfg.StoreDriver))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return stores.Close()
		},
	})
	return stores, nil
}

func newKVStore(stores *bootstrap.Stores) repository.KVStore {
	return stores.KV
}

func newHTTPClient(cfg config.Config) (*http.Client, error) {
	return aspsp.NewHTTPClient(aspsp.TransportConfig{
		MTLSEnabled: cfg.MTLSEnabled,
		CertPEM:     cfg.TransportCertPEM,
		KeyPEM:      cfg.TransportKeyPEM,
		IssuingCA:   cfg.IssuingCAPEM,
		Timeout:     cfg.HTTPClientTimeout,
	})
}

func newDiscoveryClient(client *http.Client) registry.DiscoveryClient {
	return registry.NewHTTPDiscoveryClient(client)
}

func newRegistry(kv repository.KVStore, discovery registry.DiscoveryClient, logger *zap.Logger) *registry.Registry {
	return registry.New(kv, discovery, logger)
}

func newTokenClient(reg *registry.Registry, cfg config.Config, client *http.Client, logger *zap.Logger) *oauthadapter.TokenClient {
	return oauthadapter.NewTokenClient(reg, cfg.SoftwareStatementID, client, logger)
}

func newASPSPClient(client *http.Client, cfg config.Config, logger *zap.Logger) *aspsp.Client {
	return aspsp.NewClient(client, cfg.OpenBankingAPIVersion, cfg.LogUpstreamResponses, logger)
}

func newStatusChecker(client *aspsp.Client, tokens *oauthadapter.TokenClient, reg *registry.Registry) *aspsp.StatusChecker {
	return aspsp.NewStatusChecker(client, tokens, reg)
}

func newConsentStore(kv repository.KVStore, checker *aspsp.StatusChecker, logger *zap.Logger) *consent.Store {
	return consent.New(kv, checker, logger)
}

func newSigners(cfg config.Config) *jwt.Signers {
	return jwt.NewSigners(cfg.AllowUnsignedRequestObjects)
}

func newKeyManager(cfg config.Config) (*jwt.KeyManager, error) {
	return jwt.NewKeyManager(cfg.SigningKeyPEM, cfg.SigningKeyID)
}

func newValidator(cfg config.Config) (*validator.Validator, error) {
	return validator.New(map[string]string{
		domain.ScopeAccounts: cfg.AccountsSchemaPath,
		domain.ScopePayments: cfg.PaymentsSchemaPath,
	})
}

func newAuditSink(stores *bootstrap.Stores, cfg config.Config, logger *zap.Logger) audit.Sink {
	if stores.Redis != nil {
		return audit.NewRedisStreamSink(stores.Redis, cfg.AuditStream, 10000)
	}
	return audit.NewLogSink(logger)
}

func newAuditEmitter(lc fx.Lifecycle, sink audit.Sink, node *snowflake.Node, cfg config.Config, logger *zap.Logger) *audit.Emitter {
	emitter := audit.NewEmitter(sink, node, cfg.AuditBufferSize, logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			emitter.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return emitter.Stop(ctx)
		},
	})
	return emitter
}

func newProxy(reg *registry.Registry, consents *consent.Store, client *aspsp.Client, v *validator.Validator, emitter *audit.Emitter, cfg config.Config, logger *zap.Logger) *proxy.Proxy {
	return proxy.New(reg, consents, client, v, emitter, proxy.Options{
		APIVersion:        cfg.OpenBankingAPIVersion,
		ValidateResponses: cfg.ValidateResponses,
	}, logger)
}

func newAuthService(reg *registry.Registry, tokens *oauthadapter.TokenClient, client *aspsp.Client, consents *consent.Store, paymentStore *payments.Store, sessions *session.Store, signers *jwt.Signers, keys *jwt.KeyManager, cfg config.Config, logger *zap.Logger) *authservice.Service {
	return authservice.NewService(reg, tokens, client, consents, paymentStore, sessions, signers, keys, cfg, logger)
}

func newBrokerHandler(svc *authservice.Service, reg *registry.Registry, consents *consent.Store, p *proxy.Proxy, keys *jwt.KeyManager, logger *zap.Logger) *handler.BrokerHandler {
	return handler.NewBrokerHandler(svc, reg, consents, p, keys, logger)
}

func newSessionMiddleware(sessions *session.Store) *httpmiddleware.Session {
	return httpmiddleware.NewSession(sessions)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func seedDirectory(lc fx.Lifecycle, cfg config.Config, reg *registry.Registry, logger *zap.Logger) {
	bootstrap.SeedDirectory(lc, cfg, reg, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, logger *zap.Logger) {
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
				if err := srv.Run(runCtx); err != nil {
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
