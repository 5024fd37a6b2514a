package alert

import (
	"time"

	"github.com/google/uuid"

	"github.com/ils/insight/internal/domain/risk"
	"github.com/ils/insight/internal/platform/db"
)

// Status is the lifecycle state of an Alert.
type Status string

const (
	StatusActive    Status = "active"
	StatusDismissed Status = "dismissed"
	StatusAccepted  Status = "accepted"
)

var transitions = map[Status][]Status{
	StatusActive: {StatusDismissed, StatusAccepted},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDismissed, StatusAccepted:
		return true
	}
	return false
}

// CanTransition is the only place alert status changes are validated.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Alert maps to the risk_alert table. Rows are never deleted.
type Alert struct {
	ID                   uuid.UUID                `db:"id" json:"id"`
	TenantID             db.TenantID              `db:"tenant_id" json:"tenant_id"`
	OrderID              *string                  `db:"order_id" json:"order_id,omitempty"`
	PrescriptionSnapshot *risk.PrescriptionInput  `db:"prescription_snapshot" json:"prescription_snapshot,omitempty"`
	Severity             risk.Severity            `db:"severity" json:"severity"`
	RiskScore            float64                  `db:"risk_score" json:"risk_score"`
	TriggeredFactors     []risk.RiskFactor        `db:"triggered_factors" json:"triggered_factors"`
	Recommendation       *risk.LensRecommendation `db:"recommendation" json:"recommendation,omitempty"`
	Status               Status                   `db:"status" json:"status"`
	CreatedAt            time.Time                `db:"created_at" json:"created_at"`
	ResolvedAt           *time.Time               `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy           *string                  `db:"resolved_by" json:"resolved_by,omitempty"`
}

// Origin identifies what an alert is about: an order, or when no order exists
// yet, a snapshot of the scored prescription.
type Origin struct {
	OrderID      string
	Prescription *risk.PrescriptionInput
}
