package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/chonibe/coa-service-sub010/internal/domain"
	pfirestore "github.com/chonibe/coa-service-sub010/internal/platform/firestore"
	"github.com/chonibe/coa-service-sub010/internal/repositories"
)

const collectorsCollection = "collectors"

type collectorDocument struct {
	Email       string    `firestore:"email"`
	DisplayName string    `firestore:"displayName,omitempty"`
	AuthUID     *string   `firestore:"authUid,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// CollectorRepository implements repositories.CollectorRepository backed by Firestore.
type CollectorRepository struct {
	provider   *pfirestore.Provider
	collectors *pfirestore.BaseRepository[collectorDocument]
}

// NewCollectorRepository constructs a Firestore-backed collector repository.
func NewCollectorRepository(provider *pfirestore.Provider) (*CollectorRepository, error) {
	if provider == nil {
		return nil, errors.New("collector repository requires firestore provider")
	}
	return &CollectorRepository{
		provider:   provider,
		collectors: pfirestore.NewBaseRepository[collectorDocument](provider, collectorsCollection),
	}, nil
}

// FindByEmail returns the collector profile with the given email.
func (r *CollectorRepository) FindByEmail(ctx context.Context, email string) (domain.CollectorProfile, error) {
	trimmed := strings.ToLower(strings.TrimSpace(email))
	if trimmed == "" {
		return domain.CollectorProfile{}, errors.New("collector email is required")
	}

	docs, err := r.collectors.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("email", "==", trimmed).Limit(1)
	})
	if err != nil {
		return domain.CollectorProfile{}, err
	}
	if len(docs) == 0 {
		return domain.CollectorProfile{}, repositories.ErrCollectorNotFound
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// Insert creates the collector profile, failing on an existing id.
func (r *CollectorRepository) Insert(ctx context.Context, profile domain.CollectorProfile) error {
	id := strings.TrimSpace(profile.ID)
	if id == "" {
		return errors.New("collector id is required")
	}
	return r.collectors.Create(ctx, id, collectorDocument{
		Email:       strings.ToLower(strings.TrimSpace(profile.Email)),
		DisplayName: strings.TrimSpace(profile.DisplayName),
		AuthUID:     profile.AuthUID,
		CreatedAt:   profile.CreatedAt.UTC(),
		UpdatedAt:   profile.UpdatedAt.UTC(),
	})
}

func (d collectorDocument) toDomain(id string) domain.CollectorProfile {
	return domain.CollectorProfile{
		ID:          id,
		Email:       d.Email,
		DisplayName: d.DisplayName,
		AuthUID:     d.AuthUID,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
