package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestArchiveOrderSnapshotWritesEnvelope(t *testing.T) {
	writes := map[string][]byte{}
	archiver := &SnapshotArchiver{
		bucket: "snapshots",
		write: func(_ context.Context, object string, data []byte) error {
			writes[object] = data
			return nil
		},
	}

	fetchedAt := time.Date(2025, 6, 1, 8, 15, 0, 0, time.UTC)
	payload := map[string]any{"id": float64(9001), "name": "#1001"}
	if err := archiver.ArchiveOrderSnapshot(context.Background(), "9001", payload, fetchedAt); err != nil {
		t.Fatalf("ArchiveOrderSnapshot returned error: %v", err)
	}

	gotData, ok := writes["orders/9001/snapshots/20250601T081500Z.json"]
	if !ok {
		t.Fatalf("expected dated snapshot write, got %v", writes)
	}
	if _, ok := writes["orders/9001/snapshots/latest.json"]; !ok {
		t.Fatalf("expected latest snapshot write, got %v", writes)
	}

	var envelope orderSnapshot
	if err := json.Unmarshal(gotData, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.OrderID != "9001" {
		t.Fatalf("unexpected order id %s", envelope.OrderID)
	}
	if !envelope.FetchedAt.Equal(fetchedAt) {
		t.Fatalf("unexpected fetched at %v", envelope.FetchedAt)
	}
	if envelope.Order["name"] != "#1001" {
		t.Fatalf("unexpected order payload %v", envelope.Order)
	}
}

func TestArchiveOrderSnapshotPropagatesWriteError(t *testing.T) {
	wantErr := errors.New("boom")
	archiver := &SnapshotArchiver{
		bucket: "snapshots",
		write: func(context.Context, string, []byte) error {
			return wantErr
		},
	}

	err := archiver.ArchiveOrderSnapshot(context.Background(), "9001", nil, time.Now())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
}

func TestArchiveSyncReportBuildsDatedPath(t *testing.T) {
	var gotObject string
	archiver := &SnapshotArchiver{
		bucket: "snapshots",
		write: func(_ context.Context, object string, _ []byte) error {
			gotObject = object
			return nil
		},
	}

	ranAt := time.Date(2025, 6, 2, 0, 5, 0, 0, time.UTC)
	report := map[string]any{"processed": 3, "errors": 0}
	if err := archiver.ArchiveSyncReport(context.Background(), "run-7", report, ranAt); err != nil {
		t.Fatalf("ArchiveSyncReport returned error: %v", err)
	}
	if !strings.HasPrefix(gotObject, "sync-runs/2025-06-02/") {
		t.Fatalf("unexpected report path %s", gotObject)
	}
}

func TestArchiveOrderSnapshotRejectsBadOrderID(t *testing.T) {
	archiver := &SnapshotArchiver{
		bucket: "snapshots",
		write: func(context.Context, string, []byte) error {
			t.Fatal("write should not be called")
			return nil
		},
	}
	if err := archiver.ArchiveOrderSnapshot(context.Background(), "a/b", nil, time.Now()); err == nil {
		t.Fatal("expected error for invalid order id")
	}
}
