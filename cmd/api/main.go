package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/chonibe/coa-service-sub010/internal/di"
	"github.com/chonibe/coa-service-sub010/internal/platform/config"
	"github.com/chonibe/coa-service-sub010/internal/platform/observability"
	"github.com/chonibe/coa-service-sub010/internal/platform/secrets"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	deps := di.Deps{Logger: logger}

	if projectID := strings.TrimSpace(cfg.Jobs.ProjectID); projectID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		deps.PubSub = pubsubClient
	} else {
		logger.Warn("jobs project id not configured; edition jobs will not be published")
	}

	if strings.TrimSpace(cfg.Storage.SnapshotBucket) != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		deps.Storage = storageClient
		deps.SignerKey = signerKeyFromEnv(ctx, logger, fetcher, envValues)
	}

	container, err := di.NewContainer(ctx, cfg, deps)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if container.IdempotencyStore != nil && cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := container.IdempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("edition numbering api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// signerKeyFromEnv resolves the service account JSON used to sign snapshot
// download URLs. Absence only disables the snapshot-url endpoint.
func signerKeyFromEnv(ctx context.Context, logger *zap.Logger, fetcher *secrets.Fetcher, env map[string]string) []byte {
	ref := strings.TrimSpace(env["API_STORAGE_SIGNER_KEY"])
	if ref == "" {
		return nil
	}
	if strings.HasPrefix(ref, "secret://") || strings.HasPrefix(ref, "sm://") {
		resolved, err := fetcher.Resolve(ctx, ref)
		if err != nil {
			logger.Warn("storage signer key unavailable; snapshot urls disabled", zap.Error(err))
			return nil
		}
		return []byte(resolved)
	}
	return []byte(ref)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key, fallback string) string {
		if value := strings.TrimSpace(env[key]); value != "" {
			return value
		}
		return fallback
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(strings.ToLower(lookup("API_SECURITY_ENVIRONMENT", "local"))),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(lookup("API_SECRET_FALLBACK_FILE", ".secrets.local")),
	}

	if projectMap := parseKeyValueList(env["API_SECRET_PROJECT_IDS"]); len(projectMap) > 0 {
		normalized := make(map[string]string, len(projectMap))
		for label, project := range projectMap {
			normalized[strings.ToLower(label)] = project
		}
		opts = append(opts, secrets.WithProjectMap(normalized))
	}
	if project := lookup("API_SECRET_DEFAULT_PROJECT_ID", lookup("API_FIREBASE_PROJECT_ID", "")); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if credentials := lookup("API_FIREBASE_CREDENTIALS_FILE", ""); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve before the server
// starts. Optional integrations only require theirs when configured.
func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"Shopify.AccessToken",
		"Webhooks.SigningSecret",
	}
	if env != nil {
		if strings.TrimSpace(env["API_STRIPE_API_KEY"]) != "" {
			required = append(required, "Stripe.APIKey")
		}
		for key := range parseKeyValueList(env["API_SECURITY_HMAC_SECRETS"]) {
			required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", strings.ToLower(key)))
		}
	}
	return uniqueStrings(required)
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			result[key] = value
		}
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
