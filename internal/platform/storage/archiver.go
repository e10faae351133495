package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	snapshotContentType = "application/json"

	// latestSnapshotName is overwritten on every archive so admin tooling can
	// fetch the most recent payload without listing the bucket.
	latestSnapshotName = "latest.json"
)

// SnapshotArchiver persists raw order payloads and sync run reports to a
// Cloud Storage bucket for later audit.
type SnapshotArchiver struct {
	bucket string
	write  func(ctx context.Context, object string, data []byte) error
}

// NewSnapshotArchiver constructs an archiver writing to the given bucket.
func NewSnapshotArchiver(client *gcs.Client, bucket string) (*SnapshotArchiver, error) {
	if client == nil {
		return nil, errors.New("storage archiver: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage archiver: bucket is required")
	}
	archiver := &SnapshotArchiver{bucket: bucket}
	archiver.write = func(ctx context.Context, object string, data []byte) error {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = snapshotContentType
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	}
	return archiver, nil
}

type orderSnapshot struct {
	OrderID   string         `json:"order_id"`
	FetchedAt time.Time      `json:"fetched_at"`
	Order     map[string]any `json:"order"`
}

// ArchiveOrderSnapshot stores the raw external order payload keyed by order id
// and fetch time.
func (a *SnapshotArchiver) ArchiveOrderSnapshot(ctx context.Context, orderID string, payload map[string]any, fetchedAt time.Time) error {
	if a == nil || a.write == nil {
		return errors.New("storage archiver: not initialised")
	}
	object, err := BuildObjectPath(PurposeOrderSnapshot, PathParams{
		OrderID:   orderID,
		Timestamp: fetchedAt,
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(orderSnapshot{
		OrderID:   orderID,
		FetchedAt: fetchedAt.UTC(),
		Order:     payload,
	})
	if err != nil {
		return fmt.Errorf("storage archiver: marshal snapshot: %w", err)
	}
	if err := a.write(ctx, object, data); err != nil {
		return fmt.Errorf("storage archiver: write %s: %w", object, err)
	}
	latest, err := BuildObjectPath(PurposeOrderSnapshot, PathParams{
		OrderID:  orderID,
		FileName: latestSnapshotName,
	})
	if err != nil {
		return err
	}
	if err := a.write(ctx, latest, data); err != nil {
		return fmt.Errorf("storage archiver: write %s: %w", latest, err)
	}
	return nil
}

// LatestSnapshotObject returns the object path holding the most recent
// snapshot for the order.
func LatestSnapshotObject(orderID string) (string, error) {
	return BuildObjectPath(PurposeOrderSnapshot, PathParams{
		OrderID:  orderID,
		FileName: latestSnapshotName,
	})
}

// ArchiveSyncReport stores the summary of a completed sync run.
func (a *SnapshotArchiver) ArchiveSyncReport(ctx context.Context, runID string, report any, ranAt time.Time) error {
	if a == nil || a.write == nil {
		return errors.New("storage archiver: not initialised")
	}
	object, err := BuildObjectPath(PurposeSyncReport, PathParams{
		RunID:     runID,
		Timestamp: ranAt,
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("storage archiver: marshal report: %w", err)
	}
	if err := a.write(ctx, object, data); err != nil {
		return fmt.Errorf("storage archiver: write %s: %w", object, err)
	}
	return nil
}
