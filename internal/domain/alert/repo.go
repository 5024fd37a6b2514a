package alert

import (
	"context"

	"github.com/google/uuid"

	"github.com/ils/insight/internal/platform/db"
)

type Repository interface {
	Create(ctx context.Context, a *Alert) error
	GetByID(ctx context.Context, tenantID db.TenantID, id uuid.UUID) (*Alert, error)
	// UpdateStatus persists a.Status, ResolvedAt and ResolvedBy only if the
	// stored status still equals from; otherwise it returns ErrNotFound.
	UpdateStatus(ctx context.Context, a *Alert, from Status) error
	// List filters by status when status is non-empty.
	List(ctx context.Context, tenantID db.TenantID, status Status, limit, offset int) ([]*Alert, int, error)
}
