package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ils/insight/internal/domain/recommendation"
	"github.com/ils/insight/internal/domain/sales"
	"github.com/ils/insight/internal/platform/db"
	"github.com/ils/insight/internal/platform/events"
	"github.com/ils/insight/internal/platform/metrics"
)

// ErrRunInProgress is returned when a tenant already has a batch running in
// this process.
var ErrRunInProgress = errors.New("batch run already in progress for tenant")

// Aggregator builds the sales aggregate for a tenant and window.
type Aggregator interface {
	Aggregate(ctx context.Context, tenantID db.TenantID, w sales.Window) (*sales.SalesAggregate, error)
}

// Synthesizer turns an aggregate into candidates and writes them.
type Synthesizer interface {
	Candidates(agg *sales.SalesAggregate) []recommendation.Candidate
	Apply(ctx context.Context, tenantID db.TenantID, candidates []recommendation.Candidate) (recommendation.SynthesisResult, error)
}

// TenantScope binds a tenant-scoped connection to ctx. The returned func
// releases it.
type TenantScope func(ctx context.Context, tenantID db.TenantID) (context.Context, func(), error)

// RunSummary reports one pipeline run for one tenant.
type RunSummary struct {
	TenantID    db.TenantID   `json:"tenant_id"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Candidates  int           `json:"candidates"`
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Unchanged   int           `json:"unchanged"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}

// Runner executes aggregation, synthesis and the write stage in order.
type Runner struct {
	agg     Aggregator
	synth   Synthesizer
	scope   TenantScope
	events  events.Publisher
	metrics *metrics.Registry
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running map[db.TenantID]struct{}
}

func NewRunner(agg Aggregator, synth Synthesizer, logger zerolog.Logger) *Runner {
	return &Runner{
		agg:     agg,
		synth:   synth,
		events:  events.NopPublisher{},
		logger:  logger,
		now:     time.Now,
		running: make(map[db.TenantID]struct{}),
	}
}

// SetScope installs the connection scoping used when ctx carries no
// tenant connection yet (scheduler and CLI runs).
func (r *Runner) SetScope(s TenantScope) { r.scope = s }

func (r *Runner) SetPublisher(p events.Publisher) { r.events = p }

func (r *Runner) SetMetrics(m *metrics.Registry) { r.metrics = m }

func (r *Runner) acquire(tenantID db.TenantID) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[tenantID]; busy {
		return nil, ErrRunInProgress
	}
	r.running[tenantID] = struct{}{}
	return func() {
		r.mu.Lock()
		delete(r.running, tenantID)
		r.mu.Unlock()
	}, nil
}

// Running reports whether tenantID has a run in flight.
func (r *Runner) Running(tenantID db.TenantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.running[tenantID]
	return busy
}

// Run executes the pipeline for one tenant. Cancellation is honoured up to
// the write stage; once writing starts it completes regardless of ctx.
func (r *Runner) Run(ctx context.Context, tenantID db.TenantID, w sales.Window) (RunSummary, error) {
	sum := RunSummary{TenantID: tenantID, WindowStart: w.Start, WindowEnd: w.End}
	release, err := r.acquire(tenantID)
	if err != nil {
		return sum, err
	}
	defer release()

	start := r.now()
	res, ncand, err := r.run(ctx, tenantID, w)
	sum.Candidates = ncand
	sum.Created, sum.Updated, sum.Unchanged, sum.Failed = res.Created, res.Updated, res.Unchanged, res.Failed
	sum.Duration = r.now().Sub(start)

	result := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "canceled"
	case err != nil && res.Failed > 0:
		result = "partial"
	case err != nil:
		result = "error"
	}
	if err != nil {
		sum.Error = err.Error()
	}
	r.metrics.ObserveBatchRun(result, sum.Duration)

	log := r.logger.Info()
	if err != nil {
		log = r.logger.Warn().Err(err)
	}
	log.Str("tenant_id", tenantID.String()).
		Str("result", result).
		Int("candidates", sum.Candidates).
		Int("created", sum.Created).
		Int("updated", sum.Updated).
		Int("unchanged", sum.Unchanged).
		Int("failed", sum.Failed).
		Dur("duration", sum.Duration).
		Msg("batch run finished")

	if result == "ok" || result == "partial" {
		perr := r.events.Publish(context.WithoutCancel(ctx), events.Event{
			Type:     events.BatchCompleted,
			TenantID: tenantID.String(),
			ID:       fmt.Sprintf("%s:%d", tenantID, start.Unix()),
			Payload:  sum,
		})
		r.metrics.ObservePublish(events.BatchCompleted, perr)
		if perr != nil {
			r.logger.Warn().Err(perr).Str("tenant_id", tenantID.String()).Msg("publish failed")
		}
	}
	return sum, err
}

func (r *Runner) run(ctx context.Context, tenantID db.TenantID, w sales.Window) (recommendation.SynthesisResult, int, error) {
	var res recommendation.SynthesisResult

	if r.scope != nil && db.ConnFromContext(ctx) == nil {
		scoped, release, err := r.scope(ctx, tenantID)
		if err != nil {
			return res, 0, fmt.Errorf("acquire tenant %s: %w", tenantID, err)
		}
		defer release()
		ctx = scoped
	} else if db.TenantFromContext(ctx) == "" {
		ctx = db.WithTenant(ctx, tenantID)
	}

	if err := ctx.Err(); err != nil {
		return res, 0, err
	}
	agg, err := r.agg.Aggregate(ctx, tenantID, w)
	if err != nil {
		return res, 0, fmt.Errorf("aggregate: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return res, 0, err
	}
	candidates := r.synth.Candidates(agg)

	if err := ctx.Err(); err != nil {
		return res, len(candidates), err
	}
	res, err = r.synth.Apply(context.WithoutCancel(ctx), tenantID, candidates)
	return res, len(candidates), err
}

// RunAll runs every tenant with at most limit runs in parallel. A failing
// tenant does not stop the others; their errors are joined.
func (r *Runner) RunAll(ctx context.Context, tenants []db.TenantID, w sales.Window, limit int) ([]RunSummary, error) {
	summaries := make([]RunSummary, len(tenants))
	errs := make([]error, len(tenants))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, t := range tenants {
		i, t := i, t
		g.Go(func() error {
			sum, err := r.Run(ctx, t, w)
			summaries[i] = sum
			if err != nil {
				errs[i] = fmt.Errorf("tenant %s: %w", t, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return summaries, errors.Join(errs...)
}
