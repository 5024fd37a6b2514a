package recommendation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ils/insight/internal/platform/db"
)

type Type string

const (
	TypeStocking          Type = "stocking"
	TypeBreakageReduction Type = "breakage_reduction"
	TypeErrorReduction    Type = "error_reduction"
	TypeCrossSell         Type = "cross_sell"
)

func (t Type) Valid() bool {
	switch t {
	case TypeStocking, TypeBreakageReduction, TypeErrorReduction, TypeCrossSell:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Status string

const (
	StatusProposed     Status = "proposed"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "in_progress"
	StatusImplemented  Status = "implemented"
	StatusMeasured     Status = "measured"
	StatusRejected     Status = "rejected"
)

var transitions = map[Status][]Status{
	StatusProposed:     {StatusAcknowledged, StatusRejected},
	StatusAcknowledged: {StatusInProgress, StatusRejected},
	StatusInProgress:   {StatusImplemented, StatusRejected},
	StatusImplemented:  {StatusMeasured},
}

func (s Status) Valid() bool {
	switch s {
	case StatusProposed, StatusAcknowledged, StatusInProgress,
		StatusImplemented, StatusMeasured, StatusRejected:
		return true
	}
	return false
}

// Active reports whether the status still counts toward the one-active-per-subject rule.
func (s Status) Active() bool {
	return s.Valid() && s != StatusRejected && s != StatusMeasured
}

// CanTransition is consulted by every status mutation.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ImpactUnit string

const (
	UnitCurrency ImpactUnit = "currency"
	UnitPercent  ImpactUnit = "percent"
	UnitHours    ImpactUnit = "hours"
)

func (u ImpactUnit) Valid() bool {
	return u == UnitCurrency || u == UnitPercent || u == UnitHours
}

// Impact is an estimated benefit. Value is rounded to two places.
type Impact struct {
	Value decimal.Decimal `json:"value"`
	Unit  ImpactUnit      `json:"unit"`
}

func (i Impact) Equal(o Impact) bool {
	return i.Unit == o.Unit && i.Value.Equal(o.Value)
}

// Recommendation maps to the bi_recommendation table.
type Recommendation struct {
	ID              uuid.UUID   `db:"id" json:"id"`
	TenantID        db.TenantID `db:"tenant_id" json:"tenant_id"`
	Type            Type        `db:"type" json:"type"`
	SubjectKey      string      `db:"subject_key" json:"subject_key"`
	Priority        Priority    `db:"priority" json:"priority"`
	Title           string      `db:"title" json:"title"`
	Rationale       string      `db:"rationale" json:"rationale"`
	EstimatedImpact Impact      `db:"estimated_impact" json:"estimated_impact"`
	Status          Status      `db:"status" json:"status"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	StatusUpdatedAt time.Time   `db:"status_updated_at" json:"status_updated_at"`
	MeasuredOutcome *string     `db:"measured_outcome" json:"measured_outcome,omitempty"`
	Version         int         `db:"version" json:"version"`
}

// Filter narrows List; empty fields match everything.
type Filter struct {
	Type     Type
	Priority Priority
	Status   Status
}
