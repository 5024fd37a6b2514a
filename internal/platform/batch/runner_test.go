package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ils/insight/internal/domain/recommendation"
	"github.com/ils/insight/internal/domain/sales"
	"github.com/ils/insight/internal/platform/db"
	"github.com/ils/insight/internal/platform/events"
)

var testWindow = sales.Window{
	Start: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
}

type fakeAggregator struct {
	mu      sync.Mutex
	calls   int
	fail    map[db.TenantID]error
	entered chan struct{}
	block   chan struct{}
	hook    func()
}

func (f *fakeAggregator) Aggregate(ctx context.Context, tenantID db.TenantID, w sales.Window) (*sales.SalesAggregate, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.hook != nil {
		f.hook()
	}
	if err := f.fail[tenantID]; err != nil {
		return nil, err
	}
	return sales.NewAggregate(tenantID, w), nil
}

type fakeSynth struct {
	mu         sync.Mutex
	candidates []recommendation.Candidate
	applied    int
	hook       func()
	applyErr   error
	ctxErr     error
}

func (f *fakeSynth) Candidates(*sales.SalesAggregate) []recommendation.Candidate {
	if f.hook != nil {
		f.hook()
	}
	return f.candidates
}

func (f *fakeSynth) Apply(ctx context.Context, tenantID db.TenantID, cands []recommendation.Candidate) (recommendation.SynthesisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied++
	f.ctxErr = ctx.Err()
	if f.applyErr != nil {
		return recommendation.SynthesisResult{Created: len(cands) - 1, Failed: 1}, f.applyErr
	}
	return recommendation.SynthesisResult{Created: len(cands)}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func twoCandidates() []recommendation.Candidate {
	return []recommendation.Candidate{
		{Type: recommendation.TypeStocking, SubjectKey: "pal-167"},
		{Type: recommendation.TypeErrorReduction, SubjectKey: "wrong_axis"},
	}
}

func TestRun_Completes(t *testing.T) {
	agg := &fakeAggregator{}
	synth := &fakeSynth{candidates: twoCandidates()}
	pub := &recordingPublisher{}
	r := NewRunner(agg, synth, zerolog.Nop())
	r.SetPublisher(pub)

	sum, err := r.Run(context.Background(), "lab_a", testWindow)
	require.NoError(t, err)
	assert.Equal(t, db.TenantID("lab_a"), sum.TenantID)
	assert.Equal(t, 2, sum.Candidates)
	assert.Equal(t, 2, sum.Created)
	assert.Empty(t, sum.Error)
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.BatchCompleted, pub.events[0].Type)
	assert.False(t, r.Running("lab_a"))
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	agg := &fakeAggregator{}
	synth := &fakeSynth{}
	r := NewRunner(agg, synth, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, "lab_a", testWindow)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, agg.calls)
	assert.Zero(t, synth.applied)
}

func TestRun_CancelledDuringAggregationSkipsWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	agg := &fakeAggregator{hook: cancel}
	synth := &fakeSynth{candidates: twoCandidates()}
	pub := &recordingPublisher{}
	r := NewRunner(agg, synth, zerolog.Nop())
	r.SetPublisher(pub)

	sum, err := r.Run(ctx, "lab_a", testWindow)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, synth.applied)
	assert.Zero(t, sum.Created)
	assert.Empty(t, pub.events)
}

func TestRun_CancelledDuringSynthesisSkipsWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	synth := &fakeSynth{candidates: twoCandidates(), hook: cancel}
	r := NewRunner(&fakeAggregator{}, synth, zerolog.Nop())

	sum, err := r.Run(ctx, "lab_a", testWindow)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, synth.applied)
	assert.Equal(t, 2, sum.Candidates)
}

func TestRun_WriteStageIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	synth := &fakeSynth{candidates: twoCandidates()}
	r := NewRunner(&fakeAggregator{}, &cancellingSynth{fakeSynth: synth, cancel: cancel}, zerolog.Nop())

	sum, err := r.Run(ctx, "lab_a", testWindow)
	require.NoError(t, err)
	assert.Equal(t, 1, synth.applied)
	assert.NoError(t, synth.ctxErr)
	assert.Equal(t, 2, sum.Created)
}

// cancellingSynth cancels the caller's context as the write stage begins.
type cancellingSynth struct {
	*fakeSynth
	cancel context.CancelFunc
}

func (c *cancellingSynth) Apply(ctx context.Context, tenantID db.TenantID, cands []recommendation.Candidate) (recommendation.SynthesisResult, error) {
	c.cancel()
	return c.fakeSynth.Apply(ctx, tenantID, cands)
}

func TestRun_PartialFailureReported(t *testing.T) {
	synth := &fakeSynth{candidates: twoCandidates(), applyErr: recommendation.ErrDeduplicationConflict}
	pub := &recordingPublisher{}
	r := NewRunner(&fakeAggregator{}, synth, zerolog.Nop())
	r.SetPublisher(pub)

	sum, err := r.Run(context.Background(), "lab_a", testWindow)
	assert.ErrorIs(t, err, recommendation.ErrDeduplicationConflict)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Failed)
	assert.NotEmpty(t, sum.Error)
	assert.Len(t, pub.events, 1)
}

func TestRun_SingleRunPerTenant(t *testing.T) {
	agg := &fakeAggregator{entered: make(chan struct{}, 1), block: make(chan struct{})}
	r := NewRunner(agg, &fakeSynth{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), "lab_a", testWindow)
		done <- err
	}()
	<-agg.entered
	assert.True(t, r.Running("lab_a"))

	_, err := r.Run(context.Background(), "lab_a", testWindow)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(agg.block)
	require.NoError(t, <-done)
	assert.False(t, r.Running("lab_a"))
}

func TestRun_ScopeAcquiresTenant(t *testing.T) {
	var scoped []db.TenantID
	released := 0
	r := NewRunner(&fakeAggregator{}, &fakeSynth{}, zerolog.Nop())
	r.SetScope(func(ctx context.Context, tid db.TenantID) (context.Context, func(), error) {
		scoped = append(scoped, tid)
		return db.WithTenant(ctx, tid), func() { released++ }, nil
	})

	_, err := r.Run(context.Background(), "lab_b", testWindow)
	require.NoError(t, err)
	assert.Equal(t, []db.TenantID{"lab_b"}, scoped)
	assert.Equal(t, 1, released)

	r.SetScope(func(ctx context.Context, tid db.TenantID) (context.Context, func(), error) {
		return ctx, func() {}, errors.New("pool closed")
	})
	_, err = r.Run(context.Background(), "lab_b", testWindow)
	assert.ErrorContains(t, err, "pool closed")
}

func TestRunAll_IsolatesTenantFailures(t *testing.T) {
	agg := &fakeAggregator{fail: map[db.TenantID]error{"lab_b": errors.New("history unavailable")}}
	r := NewRunner(agg, &fakeSynth{candidates: twoCandidates()}, zerolog.Nop())

	sums, err := r.RunAll(context.Background(), []db.TenantID{"lab_a", "lab_b", "lab_c"}, testWindow, 2)
	require.Error(t, err)
	assert.ErrorContains(t, err, "tenant lab_b")
	require.Len(t, sums, 3)
	assert.Equal(t, 2, sums[0].Created)
	assert.NotEmpty(t, sums[1].Error)
	assert.Equal(t, 2, sums[2].Created)
}
