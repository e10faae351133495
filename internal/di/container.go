package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/chonibe/coa-service-sub010/internal/handlers"
	"github.com/chonibe/coa-service-sub010/internal/payments"
	"github.com/chonibe/coa-service-sub010/internal/platform/auth"
	"github.com/chonibe/coa-service-sub010/internal/platform/config"
	pfirestore "github.com/chonibe/coa-service-sub010/internal/platform/firestore"
	"github.com/chonibe/coa-service-sub010/internal/platform/idempotency"
	"github.com/chonibe/coa-service-sub010/internal/platform/jobs"
	"github.com/chonibe/coa-service-sub010/internal/platform/observability"
	"github.com/chonibe/coa-service-sub010/internal/platform/storage"
	firestorerepo "github.com/chonibe/coa-service-sub010/internal/repositories/firestore"
	"github.com/chonibe/coa-service-sub010/internal/services"
	"github.com/chonibe/coa-service-sub010/internal/shopify"
)

// Deps carries the externally owned clients injected into the container. The
// caller retains ownership and closes them after the container shuts down.
type Deps struct {
	Logger *zap.Logger

	// PubSub enables the edition job publisher when set.
	PubSub *pubsub.Client
	// Storage enables order snapshot archiving when set together with
	// Config.Storage.SnapshotBucket.
	Storage *gcs.Client
	// SignerKey is the service account JSON used to sign snapshot download
	// URLs. Optional; without it the snapshot-url endpoint is disabled.
	SignerKey []byte

	// Store overrides the order store client, primarily for tests.
	Store services.OrderStoreClient
}

// Container wires repositories, services, security middleware, and the HTTP
// router for runtime use.
type Container struct {
	Config  config.Config
	Logger  *zap.Logger
	Metrics *observability.DomainMetrics

	Firestore *pfirestore.Provider
	Store     services.OrderStoreClient

	Editions     services.EditionService
	Reservations services.ReservationService
	Sync         services.SyncService

	Publisher services.EditionJobPublisher
	Archiver  *storage.SnapshotArchiver

	// IdempotencyStore backs the admin idempotency middleware. Exposed so the
	// entrypoint can run the periodic cleanup loop.
	IdempotencyStore *idempotency.FirestoreStore

	Router http.Handler

	topic *pubsub.Topic
}

// NewContainer constructs the runtime dependency graph from configuration.
func NewContainer(ctx context.Context, cfg config.Config, deps Deps) (*Container, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics, err := observability.NewDomainMetrics()
	if err != nil {
		return nil, fmt.Errorf("di: register metrics: %w", err)
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
	}

	c.Firestore = pfirestore.NewProvider(cfg.Firestore)

	if err := c.buildStoreClient(cfg, deps, logger); err != nil {
		return nil, err
	}
	if err := c.buildMessaging(cfg, deps); err != nil {
		return nil, err
	}
	if err := c.buildArchiver(cfg, deps); err != nil {
		return nil, err
	}

	repos, err := buildRepositories(c.Firestore)
	if err != nil {
		return nil, err
	}

	verifier, err := buildFirebaseVerifier(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := c.buildServices(cfg, repos, verifier, logger); err != nil {
		return nil, err
	}
	if err := c.buildRouter(ctx, cfg, deps, repos, verifier, logger); err != nil {
		return nil, err
	}

	return c, nil
}

// Close releases resources owned by the container.
func (c *Container) Close() error {
	if c == nil {
		return nil
	}
	if c.topic != nil {
		c.topic.Stop()
	}
	if c.Firestore != nil {
		return c.Firestore.Close()
	}
	return nil
}

type repositorySet struct {
	products   *firestorerepo.ProductRepository
	orders     *firestorerepo.OrderRepository
	lineItems  *firestorerepo.LineItemRepository
	reserves   *firestorerepo.ReserveRepository
	collectors *firestorerepo.CollectorRepository
	counters   *firestorerepo.EditionCounterRepository
}

func buildRepositories(provider *pfirestore.Provider) (repositorySet, error) {
	var set repositorySet
	var err error

	if set.products, err = firestorerepo.NewProductRepository(provider); err != nil {
		return set, fmt.Errorf("di: product repository: %w", err)
	}
	if set.orders, err = firestorerepo.NewOrderRepository(provider); err != nil {
		return set, fmt.Errorf("di: order repository: %w", err)
	}
	if set.lineItems, err = firestorerepo.NewLineItemRepository(provider); err != nil {
		return set, fmt.Errorf("di: line item repository: %w", err)
	}
	if set.reserves, err = firestorerepo.NewReserveRepository(provider); err != nil {
		return set, fmt.Errorf("di: reserve repository: %w", err)
	}
	if set.collectors, err = firestorerepo.NewCollectorRepository(provider); err != nil {
		return set, fmt.Errorf("di: collector repository: %w", err)
	}
	if set.counters, err = firestorerepo.NewEditionCounterRepository(provider); err != nil {
		return set, fmt.Errorf("di: counter repository: %w", err)
	}
	return set, nil
}

func buildFirebaseVerifier(ctx context.Context, cfg config.Config) (*auth.FirebaseVerifier, error) {
	if strings.TrimSpace(cfg.Firebase.ProjectID) == "" {
		return nil, nil
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return nil, fmt.Errorf("di: firebase verifier: %w", err)
	}
	return verifier, nil
}

func (c *Container) buildStoreClient(cfg config.Config, deps Deps, logger *zap.Logger) error {
	if deps.Store != nil {
		c.Store = deps.Store
		return nil
	}
	client, err := shopify.NewClient(shopify.Config{
		ShopDomain:  cfg.Shopify.ShopDomain,
		AccessToken: cfg.Shopify.AccessToken,
		APIVersion:  cfg.Shopify.APIVersion,
		MaxAttempts: cfg.Shopify.MaxAttempts,
	}, logger.Named("shopify"))
	if err != nil {
		return fmt.Errorf("di: store client: %w", err)
	}
	c.Store = client
	return nil
}

func (c *Container) buildMessaging(cfg config.Config, deps Deps) error {
	if deps.PubSub == nil {
		return nil
	}
	topicID := strings.TrimSpace(cfg.Jobs.EditionTopic)
	if topicID == "" {
		return errors.New("di: edition topic is required when pubsub is configured")
	}
	c.topic = deps.PubSub.Topic(topicID)
	publisher, err := jobs.NewPubSubEditionPublisher(c.topic)
	if err != nil {
		return fmt.Errorf("di: edition publisher: %w", err)
	}
	c.Publisher = publisher
	return nil
}

func (c *Container) buildArchiver(cfg config.Config, deps Deps) error {
	bucket := strings.TrimSpace(cfg.Storage.SnapshotBucket)
	if deps.Storage == nil || bucket == "" {
		return nil
	}
	archiver, err := storage.NewSnapshotArchiver(deps.Storage, bucket)
	if err != nil {
		return fmt.Errorf("di: snapshot archiver: %w", err)
	}
	c.Archiver = archiver
	return nil
}

func (c *Container) buildServices(cfg config.Config, repos repositorySet, verifier *auth.FirebaseVerifier, logger *zap.Logger) error {
	editions, err := services.NewEditionService(services.EditionServiceDeps{
		Counters:  repos.counters,
		LineItems: repos.lineItems,
		Products:  repos.products,
		Store:     c.Store,
		Logger:    logger.Named("editions"),
	})
	if err != nil {
		return fmt.Errorf("di: edition service: %w", err)
	}
	c.Editions = editions

	payouts, err := buildPayouts(cfg, logger)
	if err != nil {
		return err
	}

	var identities services.AuthIdentityResolver
	if verifier != nil {
		identities = verifier
	}

	reservations, err := services.NewReservationService(services.ReservationServiceDeps{
		Products:   repos.products,
		Orders:     repos.orders,
		LineItems:  repos.lineItems,
		Reserves:   repos.reserves,
		Collectors: repos.collectors,
		Counters:   repos.counters,
		Payouts:    payouts,
		Identities: identities,
		Config: services.ReservationConfig{
			HouseCollectorEmail: cfg.Reservation.HouseCollectorEmail,
			CommissionPercent:   cfg.Reservation.CommissionPercent,
			DefaultCurrency:     cfg.Reservation.DefaultCurrency,
		},
		Logger: logger.Named("reserves"),
	})
	if err != nil {
		return fmt.Errorf("di: reservation service: %w", err)
	}
	c.Reservations = reservations

	var archiver services.OrderSnapshotArchiver
	if c.Archiver != nil {
		archiver = c.Archiver
	}
	sync, err := services.NewSyncService(services.SyncServiceDeps{
		Orders:    repos.orders,
		LineItems: repos.lineItems,
		Store:     c.Store,
		Archiver:  archiver,
		Logger:    logger.Named("sync"),
	})
	if err != nil {
		return fmt.Errorf("di: sync service: %w", err)
	}
	c.Sync = sync

	return nil
}

func buildPayouts(cfg config.Config, logger *zap.Logger) (services.PayoutProvider, error) {
	if strings.TrimSpace(cfg.Stripe.APIKey) == "" {
		return nil, nil
	}
	paymentsLogger := logger.Named("payments")
	provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:         cfg.Stripe.APIKey,
		VendorAccounts: cfg.Stripe.VendorAccounts,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			zFields := make([]zap.Field, 0, len(fields)+1)
			zFields = append(zFields, zap.String("event", event))
			for k, v := range fields {
				zFields = append(zFields, zap.Any(k, v))
			}
			paymentsLogger.Debug("stripe log", zFields...)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("di: stripe provider: %w", err)
	}
	payouts, err := payments.NewVendorPayouts(provider)
	if err != nil {
		return nil, fmt.Errorf("di: vendor payouts: %w", err)
	}
	return payouts, nil
}

func (c *Container) buildRouter(ctx context.Context, cfg config.Config, deps Deps, repos repositorySet, verifier *auth.FirebaseVerifier, logger *zap.Logger) error {
	projectID := strings.TrimSpace(cfg.Firebase.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(cfg.Firestore.ProjectID)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	reserveHandlers := handlers.NewReserveHandlers(c.Reservations, c.Metrics)

	syncOpts := []handlers.SyncOption{}
	if c.Archiver != nil {
		syncOpts = append(syncOpts, handlers.WithSyncReportArchiver(c.Archiver))
	}
	if signed := buildSnapshotSigner(deps, logger); signed != nil {
		syncOpts = append(syncOpts, handlers.WithSnapshotSigner(signed, cfg.Storage.SnapshotBucket))
	}
	syncHandlers := handlers.NewSyncHandlers(c.Sync, c.Metrics, syncOpts...)

	webhookOpts := []handlers.WebhookOption{
		handlers.WithAllowedShopDomains(cfg.Webhooks.AllowedHosts...),
	}
	if cfg.RateLimits.WebhookBurst > 0 {
		webhookOpts = append(webhookOpts, handlers.WithWebhookRateLimit(cfg.RateLimits.WebhookBurst, time.Minute))
	}
	webhookHandlers := handlers.NewWebhookHandlers(c.Publisher, webhookOpts...)

	internalHandlers := handlers.NewInternalHandlers(c.Editions, c.Sync, c.Metrics)

	health := handlers.NewHealthHandlers(
		handlers.WithReadinessCheck("firestore", firestoreReadiness(c.Firestore)),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(health),
		handlers.WithAdminRoutes(func(r chi.Router) {
			r.Route("/reserves", reserveHandlers.Routes)
			syncHandlers.Routes(r)
		}),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}

	if verifier != nil {
		authenticator := auth.NewAuthenticator(verifier, auth.WithUserGetter(verifier))
		opts = append(opts, handlers.WithAdminMiddlewares(authenticator.RequireFirebaseAuth(auth.RoleAdmin)))
	}
	if mw := c.buildAdminIdempotency(ctx, cfg, logger); mw != nil {
		opts = append(opts, handlers.WithAdminMiddlewares(mw))
	}
	if mw := buildWebhookHMAC(cfg, logger); mw != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(mw))
	}
	if mw := buildInternalOIDC(cfg, logger); mw != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(mw))
	}

	c.Router = handlers.NewRouter(opts...)
	return nil
}

func buildSnapshotSigner(deps Deps, logger *zap.Logger) handlers.SnapshotURLSigner {
	if len(deps.SignerKey) == 0 {
		return nil
	}
	signer, err := storage.NewServiceAccountSignerFromJSON(deps.SignerKey)
	if err != nil {
		logger.Warn("di: snapshot signer key unusable; snapshot urls disabled", zap.Error(err))
		return nil
	}
	client, err := storage.NewClient(signer)
	if err != nil {
		logger.Warn("di: snapshot url client unavailable", zap.Error(err))
		return nil
	}
	return client
}

func (c *Container) buildAdminIdempotency(ctx context.Context, cfg config.Config, logger *zap.Logger) func(http.Handler) http.Handler {
	client, err := c.Firestore.Client(ctx)
	if err != nil {
		logger.Warn("di: idempotency store unavailable", zap.Error(err))
		return nil
	}
	store := idempotency.NewFirestoreStore(client)
	c.IdempotencyStore = store
	return idempotency.Middleware(store,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)
}

func buildWebhookHMAC(cfg config.Config, logger *zap.Logger) func(http.Handler) http.Handler {
	secrets := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secrets[strings.ToLower(key)] = value
	}
	if cfg.Webhooks.SigningSecret != "" {
		if _, ok := secrets["default"]; !ok {
			secrets["default"] = cfg.Webhooks.SigningSecret
		}
	}
	if len(secrets) == 0 {
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger.Named("auth"))
	validator := auth.NewHMACValidator(staticSecretProvider{secrets: secrets}, auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(adapter),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireBodyHMAC("default", cfg.Security.HMAC.SignatureHeader)
}

func buildInternalOIDC(cfg config.Config, logger *zap.Logger) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	adapter := observability.NewPrintfAdapter(logger.Named("auth"))
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("di: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("di: OIDC issuers not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, issuers)
}

func firestoreReadiness(provider *pfirestore.Provider) handlers.ReadinessCheck {
	return func(ctx context.Context) error {
		client, err := provider.Client(ctx)
		if err != nil {
			return err
		}
		iter := client.Collections(ctx)
		if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
			return err
		}
		return nil
	}
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}
