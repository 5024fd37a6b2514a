package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ils/insight/internal/domain/risk"
	"github.com/ils/insight/internal/platform/db"
	"github.com/ils/insight/internal/platform/events"
	"github.com/ils/insight/internal/platform/metrics"
)

// ReportingFloor is the lowest severity that becomes an alert.
const ReportingFloor = risk.SeverityWarning

type Service struct {
	alerts  Repository
	engine  *risk.Engine
	events  events.Publisher
	metrics *metrics.Registry
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(alerts Repository, engine *risk.Engine) *Service {
	return &Service{
		alerts: alerts,
		engine: engine,
		events: events.NopPublisher{},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
}

// SetPublisher attaches the event publisher used for alert notifications.
func (s *Service) SetPublisher(p events.Publisher) { s.events = p }

// SetMetrics attaches an optional metrics registry.
func (s *Service) SetMetrics(m *metrics.Registry) { s.metrics = m }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// Assess scores a prescription and, when the result reaches the reporting
// floor, materializes an alert for it. The returned alert is nil for
// assessments below the floor.
func (s *Service) Assess(ctx context.Context, tenantID db.TenantID, in risk.PrescriptionInput, origin Origin) (*risk.RiskAssessment, *Alert, error) {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, nil, err
	}
	assessment, err := s.engine.Score(in)
	if err != nil {
		s.metrics.ObserveRejectedAssessment()
		return nil, nil, err
	}
	s.metrics.ObserveAssessment(string(assessment.Severity))

	if !assessment.Severity.AtLeast(ReportingFloor) {
		return assessment, nil, nil
	}
	if origin.OrderID == "" && origin.Prescription == nil {
		snapshot := in
		origin.Prescription = &snapshot
	}
	a, err := s.Materialize(ctx, tenantID, assessment, origin)
	if err != nil {
		return assessment, nil, err
	}
	return assessment, a, nil
}

// Materialize persists an active alert for an assessment at or above the
// reporting floor.
func (s *Service) Materialize(ctx context.Context, tenantID db.TenantID, assessment *risk.RiskAssessment, origin Origin) (*Alert, error) {
	if assessment == nil {
		return nil, fmt.Errorf("assessment is required")
	}
	if !assessment.Severity.AtLeast(ReportingFloor) {
		return nil, ErrBelowReportingFloor
	}
	if origin.OrderID == "" && origin.Prescription == nil {
		return nil, ErrMissingOrigin
	}

	a := &Alert{
		TenantID:             tenantID,
		PrescriptionSnapshot: origin.Prescription,
		Severity:             assessment.Severity,
		RiskScore:            assessment.RiskScore,
		TriggeredFactors:     assessment.TriggeredFactors,
		Recommendation:       assessment.Recommendation,
		Status:               StatusActive,
	}
	if origin.OrderID != "" {
		orderID := origin.OrderID
		a.OrderID = &orderID
	}
	if a.TriggeredFactors == nil {
		a.TriggeredFactors = []risk.RiskFactor{}
	}
	if err := s.alerts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	s.metrics.ObserveAlert(string(a.Severity))
	s.publish(ctx, events.AlertCreated, a)
	s.logger.Info().
		Str("tenant_id", tenantID.String()).
		Str("alert_id", a.ID.String()).
		Str("severity", string(a.Severity)).
		Float64("risk_score", a.RiskScore).
		Msg("risk alert created")
	return a, nil
}

// ListActive returns alerts awaiting a decision, newest first.
func (s *Service) ListActive(ctx context.Context, tenantID db.TenantID, limit, offset int) ([]*Alert, int, error) {
	return s.alerts.List(ctx, tenantID, StatusActive, limit, offset)
}

// List returns alerts in any status, optionally filtered by one.
func (s *Service) List(ctx context.Context, tenantID db.TenantID, status Status, limit, offset int) ([]*Alert, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("invalid status: %s", status)
	}
	return s.alerts.List(ctx, tenantID, status, limit, offset)
}

func (s *Service) Get(ctx context.Context, tenantID db.TenantID, id uuid.UUID) (*Alert, error) {
	return s.alerts.GetByID(ctx, tenantID, id)
}

// SetStatus moves an alert out of active. Resolved alerts never change again;
// a concurrent resolution loses with an InvalidTransitionError.
func (s *Service) SetStatus(ctx context.Context, tenantID db.TenantID, id uuid.UUID, status Status, actor string) (*Alert, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}
	a, err := s.alerts.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	from := a.Status
	if !CanTransition(from, status) {
		return nil, &InvalidTransitionError{From: from, To: status}
	}

	now := s.now().UTC()
	a.Status = status
	a.ResolvedAt = &now
	if actor != "" {
		a.ResolvedBy = &actor
	}
	if err := s.alerts.UpdateStatus(ctx, a, from); err != nil {
		if errors.Is(err, ErrNotFound) {
			if current, gerr := s.alerts.GetByID(ctx, tenantID, id); gerr == nil {
				return nil, &InvalidTransitionError{From: current.Status, To: status}
			}
		}
		return nil, err
	}

	s.metrics.ObserveAlertTransition(string(status))
	s.publish(ctx, events.AlertResolved, a)
	return a, nil
}

func (s *Service) publish(ctx context.Context, eventType string, a *Alert) {
	err := s.events.Publish(ctx, events.Event{
		Type:     eventType,
		TenantID: a.TenantID.String(),
		ID:       a.ID.String(),
		Payload:  a,
	})
	s.metrics.ObservePublish(eventType, err)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("alert_id", a.ID.String()).Msg("publish failed")
	}
}
