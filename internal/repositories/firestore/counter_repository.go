package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/chonibe/coa-service-sub010/internal/platform/firestore"
	"github.com/chonibe/coa-service-sub010/internal/repositories"
)

const (
	countersCollection = "counters"
	counterIDPrefix    = "edition:"
)

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// EditionCounterRepository implements repositories.EditionCounterRepository
// backed by Firestore transactions, one counter document per product.
type EditionCounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterDocument]
	clock    func() time.Time
}

// NewEditionCounterRepository constructs a Firestore-backed edition counter repository.
func NewEditionCounterRepository(provider *pfirestore.Provider) (*EditionCounterRepository, error) {
	if provider == nil {
		return nil, errors.New("edition counter repository requires firestore provider")
	}
	return &EditionCounterRepository{
		provider: provider,
		counters: pfirestore.NewBaseRepository[counterDocument](provider, countersCollection),
		clock:    time.Now,
	}, nil
}

// Next atomically increments the product's counter and returns the new value.
func (r *EditionCounterRepository) Next(ctx context.Context, productID string, limit int64) (int64, error) {
	id, err := r.counterID(productID)
	if err != nil {
		return 0, err
	}

	now := r.clock().UTC()
	var nextValue int64

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			doc := counterDocument{CurrentValue: 1, UpdatedAt: now}
			if limit > 0 && doc.CurrentValue > limit {
				return repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("edition counter for %s exceeded size %d", productID, limit), nil)
			}
			if err := tx.Create(ref, doc); err != nil {
				return err
			}
			nextValue = doc.CurrentValue
			return nil
		case codes.OK:
			// proceed
		default:
			return err
		}

		var doc counterDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore counters decode %s: %w", id, err)
		}

		newValue := doc.CurrentValue + 1
		if limit > 0 && newValue > limit {
			return repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("edition counter for %s exceeded size %d", productID, limit), nil)
		}

		doc.CurrentValue = newValue
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		nextValue = newValue
		return nil
	})
	if err != nil {
		return 0, wrapCounterError("counters.next", err)
	}
	return nextValue, nil
}

// Current returns the counter value without incrementing it.
func (r *EditionCounterRepository) Current(ctx context.Context, productID string) (int64, error) {
	id, err := r.counterID(productID)
	if err != nil {
		return 0, err
	}

	doc, err := r.counters.Get(ctx, id)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return 0, repositories.NewCounterError(repositories.CounterErrorNotFound, fmt.Sprintf("no edition counter for %s", productID), err)
		}
		return 0, wrapCounterError("counters.current", err)
	}
	return doc.Data.CurrentValue, nil
}

// SeedIfAbsent creates the counter at value, leaving an existing counter untouched.
func (r *EditionCounterRepository) SeedIfAbsent(ctx context.Context, productID string, value int64) error {
	id, err := r.counterID(productID)
	if err != nil {
		return err
	}
	if value < 0 {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("seed value must be non-negative, got %d", value), nil)
	}

	now := r.clock().UTC()
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		_, err = tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			return tx.Create(ref, counterDocument{CurrentValue: value, UpdatedAt: now})
		case codes.OK:
			return nil
		default:
			return err
		}
	})
	return wrapCounterError("counters.seed", err)
}

func (r *EditionCounterRepository) counterID(productID string) (string, error) {
	if r == nil || r.provider == nil {
		return "", errors.New("edition counter repository not initialised")
	}
	trimmed := strings.TrimSpace(productID)
	if trimmed == "" {
		return "", repositories.NewCounterError(repositories.CounterErrorInvalidInput, "product id is required", nil)
	}
	return counterIDPrefix + trimmed, nil
}

func wrapCounterError(op string, err error) error {
	if err == nil {
		return nil
	}
	var counterErr *repositories.CounterError
	if errors.As(err, &counterErr) {
		if counterErr.Op == "" {
			counterErr.Op = op
		}
		return counterErr
	}
	return pfirestore.WrapError(op, err)
}
