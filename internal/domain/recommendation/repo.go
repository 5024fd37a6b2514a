package recommendation

import (
	"context"

	"github.com/google/uuid"

	"github.com/ils/insight/internal/platform/db"
)

type Repository interface {
	// Create inserts r with version 1. It returns ErrDuplicateActive when an
	// active recommendation already holds (tenant, type, subject).
	Create(ctx context.Context, r *Recommendation) error
	GetByID(ctx context.Context, tenantID db.TenantID, id uuid.UUID) (*Recommendation, error)
	// FindActive returns ErrNotFound when no active recommendation matches.
	FindActive(ctx context.Context, tenantID db.TenantID, typ Type, subjectKey string) (*Recommendation, error)
	// Update writes r if the stored version still equals r.Version and bumps
	// it; otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, r *Recommendation) error
	List(ctx context.Context, tenantID db.TenantID, f Filter, limit, offset int) ([]*Recommendation, int, error)
}
