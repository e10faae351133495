package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	cloudstorage "cloud.google.com/go/storage"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/chonibe/coa-service-sub010/internal/platform/config"
	pfirestore "github.com/chonibe/coa-service-sub010/internal/platform/firestore"
	"github.com/chonibe/coa-service-sub010/internal/platform/observability"
	"github.com/chonibe/coa-service-sub010/internal/platform/secrets"
	"github.com/chonibe/coa-service-sub010/internal/platform/storage"
	firestorerepo "github.com/chonibe/coa-service-sub010/internal/repositories/firestore"
	"github.com/chonibe/coa-service-sub010/internal/services"
	"github.com/chonibe/coa-service-sub010/internal/shopify"
)

// syncorders reconciles local order mirrors against the external store in one
// batch, for operators and scheduled jobs that bypass the HTTP surface.
func main() {
	var (
		limit       = flag.Int("limit", 0, "maximum number of recent orders to reconcile (0 uses the configured default)")
		dryRun      = flag.Bool("dry-run", false, "compute and report diffs without writing")
		orderID     = flag.String("order-id", "", "reconcile a single order by id")
		orderNumber = flag.String("order-number", "", "reconcile a single order by display number")
		orderIDs    = flag.String("order-ids", "", "comma-separated list of order ids to reconcile")
		timeout     = flag.Duration("timeout", 10*time.Minute, "overall run timeout")
		skipArchive = flag.Bool("skip-archive", false, "do not upload the run report to the snapshot bucket")
	)
	flag.Parse()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("syncorders")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := secrets.NewFetcher(ctx, secrets.WithLogger(logger.Named("secrets")))
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		_ = fetcher.Close()
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	orders, err := firestorerepo.NewOrderRepository(provider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	lineItems, err := firestorerepo.NewLineItemRepository(provider)
	if err != nil {
		logger.Fatal("failed to initialise line item repository", zap.Error(err))
	}

	store, err := shopify.NewClient(shopify.Config{
		ShopDomain:  cfg.Shopify.ShopDomain,
		AccessToken: cfg.Shopify.AccessToken,
		APIVersion:  cfg.Shopify.APIVersion,
		MaxAttempts: cfg.Shopify.MaxAttempts,
	}, logger.Named("shopify"))
	if err != nil {
		logger.Fatal("failed to initialise store client", zap.Error(err))
	}

	var archiver *storage.SnapshotArchiver
	if bucket := strings.TrimSpace(cfg.Storage.SnapshotBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Warn("storage client unavailable; snapshots disabled", zap.Error(err))
		} else {
			defer func() {
				_ = storageClient.Close()
			}()
			archiver, err = storage.NewSnapshotArchiver(storageClient, bucket)
			if err != nil {
				logger.Warn("snapshot archiver unavailable", zap.Error(err))
			}
		}
	}

	var snapshotArchiver services.OrderSnapshotArchiver
	if archiver != nil {
		snapshotArchiver = archiver
	}
	sync, err := services.NewSyncService(services.SyncServiceDeps{
		Orders:    orders,
		LineItems: lineItems,
		Store:     store,
		Archiver:  snapshotArchiver,
		Logger:    logger.Named("sync"),
	})
	if err != nil {
		logger.Fatal("failed to initialise sync service", zap.Error(err))
	}

	cmd := services.SyncOrdersCommand{
		OrderID:     strings.TrimSpace(*orderID),
		OrderNumber: strings.TrimSpace(*orderNumber),
		Limit:       *limit,
		DryRun:      *dryRun,
	}
	if ids := strings.TrimSpace(*orderIDs); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cmd.OrderIDs = append(cmd.OrderIDs, id)
			}
		}
	}

	summary, err := sync.SyncOrders(ctx, cmd)
	if err != nil {
		if errors.Is(err, services.ErrSyncInvalidInput) {
			logger.Fatal("invalid sync selectors", zap.Error(err))
		}
		logger.Fatal("sync run failed", zap.Error(err))
	}

	logger.Info("sync run complete",
		zap.Int("processed", summary.TotalProcessed),
		zap.Int("updated", summary.Updated),
		zap.Int("no_changes", summary.NoChanges),
		zap.Int("errors", summary.Errors),
		zap.Bool("dry_run", summary.DryRun))
	for _, result := range summary.Results {
		if result.Error != "" {
			logger.Warn("order sync error",
				zap.String("order_id", result.OrderID),
				zap.String("error", result.Error))
		}
	}

	if archiver != nil && !summary.DryRun && !*skipArchive {
		runID := ulid.Make().String()
		if err := archiver.ArchiveSyncReport(ctx, runID, summary, time.Now().UTC()); err != nil {
			logger.Warn("sync report archive failed", zap.String("run_id", runID), zap.Error(err))
		} else {
			logger.Info("sync report archived", zap.String("run_id", runID))
		}
	}

	if summary.Errors > 0 {
		os.Exit(2)
	}
}
