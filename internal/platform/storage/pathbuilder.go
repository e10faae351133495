package storage

import (
	"fmt"
	"strings"
	"time"
)

// ObjectPurpose captures high-level intent for storage layout decisions.
type ObjectPurpose string

const (
	PurposeOrderSnapshot ObjectPurpose = "order-snapshot"
	PurposeSyncReport    ObjectPurpose = "sync-report"
)

// PathParams provide required identifiers to compose storage object keys.
type PathParams struct {
	OrderID   string
	RunID     string
	Timestamp time.Time
	FileName  string
}

// BuildObjectPath resolves the storage object path for the given purpose.
// Snapshots are keyed by order, reports by run date, so both sides of a
// reconciliation can be located without listing the bucket.
func BuildObjectPath(purpose ObjectPurpose, params PathParams) (string, error) {
	switch purpose {
	case PurposeOrderSnapshot:
		return orderSnapshotPath(params)
	case PurposeSyncReport:
		return syncReportPath(params)
	default:
		return "", fmt.Errorf("storage: unsupported object purpose %q", purpose)
	}
}

// orderSnapshotPath yields orders/<id>/snapshots/<file>. Without an explicit
// file name the fetch timestamp becomes the name, so repeated archives of the
// same order never collide.
func orderSnapshotPath(params PathParams) (string, error) {
	orderID, err := cleanSegment("orderID", params.OrderID)
	if err != nil {
		return "", err
	}
	name := params.FileName
	if strings.TrimSpace(name) == "" && !params.Timestamp.IsZero() {
		name = params.Timestamp.UTC().Format("20060102T150405Z") + ".json"
	}
	fileName, err := cleanSegment("fileName", name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("orders/%s/snapshots/%s", orderID, fileName), nil
}

// syncReportPath yields sync-runs/<date>/<run id>.json.
func syncReportPath(params PathParams) (string, error) {
	runID, err := cleanSegment("runID", params.RunID)
	if err != nil {
		return "", err
	}
	if params.Timestamp.IsZero() {
		return "", fmt.Errorf("storage: timestamp is required")
	}
	return fmt.Sprintf("sync-runs/%s/%s.json", params.Timestamp.UTC().Format("2006-01-02"), runID), nil
}

// cleanSegment rejects values that would escape the intended object prefix.
func cleanSegment(label, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", label)
	case strings.ContainsAny(value, "/\\"):
		return "", fmt.Errorf("storage: %s contains invalid path characters", label)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", label)
	}
	return value, nil
}
