package paygate

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/layer-3/paygate/adapters/chain"
	"github.com/layer-3/paygate/adapters/events"
	"github.com/layer-3/paygate/adapters/store"
	"github.com/layer-3/paygate/adapters/tokenizer"
	"github.com/layer-3/paygate/config"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/logger"
	"github.com/layer-3/paygate/metrics"
	"github.com/layer-3/paygate/ports"
	"github.com/layer-3/paygate/service"
	transport "github.com/layer-3/paygate/transport/http"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Gateway wires a payment gate from configuration and serves it over HTTP.
type Gateway struct {
	cfg    *config.Config
	log    logger.Logger
	policy core.Policy

	gate      *service.GateService
	router    *gin.Engine
	pool      *chain.Pool
	redis     *redis.Client
	publisher message.Publisher
}

// New builds a gateway. Shared state lives in Redis when redis.url is set and
// in process memory otherwise.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*Gateway, error) {
	policy, err := cfg.CorePolicy()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:    cfg,
		log:    log,
		policy: policy,
		pool:   chain.NewPool(),
	}

	opts := []service.Option{
		service.WithLogger(log),
		service.WithSettlementWait(cfg.Settlement.Timeout, cfg.Settlement.Poll),
	}

	replay, challenges, credentials, err := g.stores(ctx)
	if err != nil {
		g.Close()
		return nil, err
	}
	opts = append(opts, service.WithCredentialStore(credentials))

	if cfg.Events.Enabled {
		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{Client: g.redis},
			watermill.NewStdLogger(false, false),
		)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to create redis publisher: %w", err)
		}
		g.publisher = publisher
		opts = append(opts, service.WithPublisher(events.NewWatermillPublisher(publisher, cfg.Events.Topic)))
	}

	if cfg.Receipts.Enabled {
		key, err := g.receiptKey()
		if err != nil {
			g.Close()
			return nil, err
		}
		opts = append(opts, service.WithTokenizer(tokenizer.NewJWTTokenizer(key), cfg.Receipts.TTL))
	}

	relayerKey, err := cfg.RelayerKey()
	if err != nil {
		g.Close()
		return nil, err
	}
	if relayerKey == nil {
		log.Info("relayer key not configured, delegated authorizations are disabled", nil)
	}
	// Raw transactions are forwarded without a key.
	client, err := g.pool.EthClient(ctx, policy.RPCEndpoint)
	if err != nil {
		g.Close()
		return nil, err
	}
	opts = append(opts, service.WithBroadcaster(chain.NewRelayer(client, relayerKey, policy.ChainID)))

	var routerOpts transport.RouterOptions
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		recorder, err := metrics.NewPrometheusRecorder(registry)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		opts = append(opts, service.WithMetrics(recorder))
		routerOpts.MetricsPath = cfg.Metrics.Path
		routerOpts.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	g.gate = service.NewGateService(policy, g.pool, replay, challenges, opts...)
	g.router = transport.SetupRouter(g.gate, policy, routerOpts)

	return g, nil
}

func (g *Gateway) stores(ctx context.Context) (ports.ReplayStore, ports.ChallengeStore, ports.CredentialStore, error) {
	if g.cfg.Redis.URL == "" {
		g.log.Warn("redis not configured, replay protection is local to this process", nil)
		return store.NewMemoryReplayStore(),
			store.NewMemoryChallengeStore(),
			store.NewMemoryCredentialStore(g.cfg.CredentialAddresses()),
			nil
	}

	opts, err := redis.ParseURL(g.cfg.Redis.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	g.redis = redis.NewClient(opts)
	if err := g.redis.Ping(ctx).Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	prefix := g.cfg.Redis.Prefix
	if prefix == "" {
		prefix = store.DefaultPrefix
	}

	credentials := store.NewRedisCredentialStore(g.redis, prefix)
	for id, signer := range g.cfg.CredentialAddresses() {
		if err := credentials.Register(ctx, id, signer); err != nil {
			return nil, nil, nil, err
		}
	}

	return store.NewRedisReplayStore(g.redis, prefix, g.cfg.Redis.ReplayRetention),
		store.NewRedisChallengeStore(g.redis, prefix),
		credentials,
		nil
}

func (g *Gateway) receiptKey() (*ecdsa.PrivateKey, error) {
	key, err := g.cfg.ReceiptKey()
	if err != nil || key != nil {
		return key, err
	}

	// Receipts signed with an ephemeral key do not survive a restart
	g.log.Warn("receipt signing key not configured, generating one", nil)
	key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate receipt key: %w", err)
	}
	return key, nil
}

// Gate returns the underlying gate service.
func (g *Gateway) Gate() *service.GateService {
	return g.gate
}

// Router returns the gin router
func (g *Gateway) Router() *gin.Engine {
	return g.router
}

// Run serves HTTP on the configured address until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Listen,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.log.Info("listening", map[string]any{
			"addr":      g.cfg.Listen,
			"recipient": g.policy.Recipient.Hex(),
			"token":     g.policy.Token.Hex(),
			"min":       g.policy.MinAmount.String(),
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

// Close releases chain connections, the publisher and the Redis client.
func (g *Gateway) Close() error {
	var errs []error

	g.pool.Close()
	if g.publisher != nil {
		errs = append(errs, g.publisher.Close())
	}
	if g.redis != nil {
		errs = append(errs, g.redis.Close())
	}

	return errors.Join(errs...)
}
