package recommendation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ils/insight/internal/domain/sales"
	"github.com/ils/insight/internal/platform/db"
	"github.com/ils/insight/internal/platform/events"
	"github.com/ils/insight/internal/platform/metrics"
)

type Service struct {
	recs    Repository
	cfg     Config
	rules   []Rule
	events  events.Publisher
	metrics *metrics.Registry
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(recs Repository, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recommendation config: %w", err)
	}
	return &Service{
		recs:   recs,
		cfg:    cfg,
		rules:  DefaultRules(),
		events: events.NopPublisher{},
		logger: zerolog.Nop(),
		now:    time.Now,
	}, nil
}

func (s *Service) SetPublisher(p events.Publisher) { s.events = p }

func (s *Service) SetMetrics(m *metrics.Registry) { s.metrics = m }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// SetRules replaces the rule battery.
func (s *Service) SetRules(rules []Rule) { s.rules = rules }

// Candidates runs the rule battery without touching storage.
func (s *Service) Candidates(agg *sales.SalesAggregate) []Candidate {
	return Synthesize(agg, s.cfg, s.rules)
}

// SynthesisResult counts what a synthesis pass did to stored recommendations.
type SynthesisResult struct {
	Created         int               `json:"created"`
	Updated         int               `json:"updated"`
	Unchanged       int               `json:"unchanged"`
	Failed          int               `json:"failed"`
	Recommendations []*Recommendation `json:"recommendations"`
}

// Synthesize generates candidates from agg and converges stored state on
// them: an active recommendation for the same (tenant, type, subject) is
// updated in place, otherwise a new one is proposed. Running it twice on the
// same aggregate leaves the active set unchanged. Conflicting concurrent
// writes are reported as DeduplicationConflictError after the remaining
// candidates have been processed.
func (s *Service) Synthesize(ctx context.Context, agg *sales.SalesAggregate) (SynthesisResult, error) {
	var res SynthesisResult
	if agg == nil {
		return res, fmt.Errorf("aggregate is required")
	}
	if err := db.CheckTenant(ctx, agg.TenantID); err != nil {
		return res, err
	}

	return s.Apply(ctx, agg.TenantID, s.Candidates(agg))
}

// Apply writes already generated candidates for a tenant. It is the write
// stage of Synthesize.
func (s *Service) Apply(ctx context.Context, tenantID db.TenantID, candidates []Candidate) (SynthesisResult, error) {
	var res SynthesisResult
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return res, err
	}

	var errs []error
	for _, c := range candidates {
		rec, outcome, err := s.apply(ctx, tenantID, c)
		s.metrics.ObserveRecommendationWrite(string(c.Type), outcome)
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			s.logger.Warn().Err(err).
				Str("tenant_id", tenantID.String()).
				Str("type", string(c.Type)).
				Str("subject_key", c.SubjectKey).
				Msg("recommendation write failed")
			continue
		}
		switch outcome {
		case "created":
			res.Created++
		case "updated":
			res.Updated++
		default:
			res.Unchanged++
		}
		res.Recommendations = append(res.Recommendations, rec)
	}
	return res, errors.Join(errs...)
}

func (s *Service) apply(ctx context.Context, tenantID db.TenantID, c Candidate) (*Recommendation, string, error) {
	existing, err := s.recs.FindActive(ctx, tenantID, c.Type, c.SubjectKey)
	switch {
	case errors.Is(err, ErrNotFound):
		rec := &Recommendation{
			TenantID:        tenantID,
			Type:            c.Type,
			SubjectKey:      c.SubjectKey,
			Priority:        c.Priority,
			Title:           c.Title,
			Rationale:       c.Rationale,
			EstimatedImpact: c.Impact,
			Status:          StatusProposed,
		}
		if err := s.recs.Create(ctx, rec); err != nil {
			return nil, "failed", s.conflict(c.Type, c.SubjectKey, err)
		}
		s.publish(ctx, events.RecommendationCreated, rec)
		return rec, "created", nil
	case err != nil:
		return nil, "failed", err
	}

	if existing.Priority == c.Priority && existing.Title == c.Title &&
		existing.Rationale == c.Rationale && existing.EstimatedImpact.Equal(c.Impact) {
		return existing, "unchanged", nil
	}
	existing.Priority = c.Priority
	existing.Title = c.Title
	existing.Rationale = c.Rationale
	existing.EstimatedImpact = c.Impact
	if err := s.recs.Update(ctx, existing); err != nil {
		return nil, "failed", s.conflict(c.Type, c.SubjectKey, err)
	}
	s.publish(ctx, events.RecommendationUpdated, existing)
	return existing, "updated", nil
}

func (s *Service) conflict(typ Type, subject string, err error) error {
	if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDuplicateActive) {
		return &DeduplicationConflictError{Type: typ, SubjectKey: subject, Err: err}
	}
	return err
}

func validate(r *Recommendation) error {
	if !r.Type.Valid() {
		return fmt.Errorf("invalid type: %s", r.Type)
	}
	if strings.TrimSpace(r.SubjectKey) == "" {
		return fmt.Errorf("subject_key is required")
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("invalid priority: %s", r.Priority)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if !r.EstimatedImpact.Unit.Valid() {
		return fmt.Errorf("invalid impact unit: %s", r.EstimatedImpact.Unit)
	}
	return nil
}

// Create stores a new proposed recommendation. An active one for the same
// subject yields a DeduplicationConflictError.
func (s *Service) Create(ctx context.Context, r *Recommendation) error {
	if err := validate(r); err != nil {
		return err
	}
	if _, err := s.recs.FindActive(ctx, r.TenantID, r.Type, r.SubjectKey); err == nil {
		return &DeduplicationConflictError{Type: r.Type, SubjectKey: r.SubjectKey, Err: ErrDuplicateActive}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	r.Status = StatusProposed
	r.MeasuredOutcome = nil
	if err := s.recs.Create(ctx, r); err != nil {
		return s.conflict(r.Type, r.SubjectKey, err)
	}
	s.metrics.ObserveRecommendationWrite(string(r.Type), "created")
	s.publish(ctx, events.RecommendationCreated, r)
	return nil
}

// Update rewrites the descriptive fields of r. Status changes go through
// Transition; r.Version must match the stored version.
func (s *Service) Update(ctx context.Context, r *Recommendation) error {
	if err := validate(r); err != nil {
		return err
	}
	current, err := s.recs.GetByID(ctx, r.TenantID, r.ID)
	if err != nil {
		return err
	}
	if current.Version != r.Version {
		return &DeduplicationConflictError{Type: current.Type, SubjectKey: current.SubjectKey, Err: ErrVersionConflict}
	}
	current.Priority = r.Priority
	current.Title = r.Title
	current.Rationale = r.Rationale
	current.EstimatedImpact = r.EstimatedImpact
	if err := s.recs.Update(ctx, current); err != nil {
		return s.conflict(current.Type, current.SubjectKey, err)
	}
	*r = *current
	s.metrics.ObserveRecommendationWrite(string(r.Type), "updated")
	s.publish(ctx, events.RecommendationUpdated, r)
	return nil
}

// Transition moves a recommendation along the status graph. measured needs an
// outcome and no other target accepts one.
func (s *Service) Transition(ctx context.Context, tenantID db.TenantID, id uuid.UUID, to Status, measuredOutcome *string) (*Recommendation, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("invalid status: %s", to)
	}
	rec, err := s.recs.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	// The graph is checked first; outcome rules only apply to legal moves.
	if !CanTransition(rec.Status, to) {
		return nil, &InvalidTransitionError{From: rec.Status, To: to}
	}
	hasOutcome := measuredOutcome != nil && strings.TrimSpace(*measuredOutcome) != ""
	if to == StatusMeasured && !hasOutcome {
		return nil, ErrMeasuredOutcomeRequired
	}
	if to != StatusMeasured && measuredOutcome != nil {
		return nil, ErrUnexpectedMeasuredOutcome
	}

	from := rec.Status
	rec.Status = to
	rec.StatusUpdatedAt = s.now().UTC()
	if to == StatusMeasured {
		outcome := strings.TrimSpace(*measuredOutcome)
		rec.MeasuredOutcome = &outcome
	}
	if err := s.recs.Update(ctx, rec); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			if current, gerr := s.recs.GetByID(ctx, tenantID, id); gerr == nil && !CanTransition(current.Status, to) {
				return nil, &InvalidTransitionError{From: current.Status, To: to}
			}
		}
		return nil, err
	}

	s.metrics.ObserveRecommendationTransition(string(to))
	s.publish(ctx, events.RecommendationTransitioned, rec)
	s.logger.Info().
		Str("tenant_id", tenantID.String()).
		Str("recommendation_id", id.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("recommendation transitioned")
	return rec, nil
}

func (s *Service) Get(ctx context.Context, tenantID db.TenantID, id uuid.UUID) (*Recommendation, error) {
	return s.recs.GetByID(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID db.TenantID, f Filter, limit, offset int) ([]*Recommendation, int, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, fmt.Errorf("invalid type: %s", f.Type)
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, 0, fmt.Errorf("invalid priority: %s", f.Priority)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("invalid status: %s", f.Status)
	}
	return s.recs.List(ctx, tenantID, f, limit, offset)
}

func (s *Service) publish(ctx context.Context, eventType string, r *Recommendation) {
	err := s.events.Publish(ctx, events.Event{
		Type:     eventType,
		TenantID: r.TenantID.String(),
		ID:       r.ID.String(),
		Payload:  r,
	})
	s.metrics.ObservePublish(eventType, err)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("recommendation_id", r.ID.String()).Msg("publish failed")
	}
}
