package alert

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ils/insight/internal/domain/risk"
	"github.com/ils/insight/internal/platform/db"
	"github.com/ils/insight/internal/platform/events"
	"github.com/ils/insight/internal/platform/metrics"
)

// -- Mock Repository --

type mockAlertRepo struct {
	mu   sync.Mutex
	data map[uuid.UUID]*Alert
}

func newMockAlertRepo() *mockAlertRepo {
	return &mockAlertRepo{data: make(map[uuid.UUID]*Alert)}
}

func (m *mockAlertRepo) Create(ctx context.Context, a *Alert) error {
	if err := db.CheckTenant(ctx, a.TenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	cp := *a
	m.data[a.ID] = &cp
	return nil
}

func (m *mockAlertRepo) GetByID(ctx context.Context, tenantID db.TenantID, id uuid.UUID) (*Alert, error) {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.data[id]
	if !ok || a.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAlertRepo) UpdateStatus(ctx context.Context, a *Alert, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.data[a.ID]
	if !ok || stored.Status != from {
		return ErrNotFound
	}
	cp := *a
	m.data[a.ID] = &cp
	return nil
}

func (m *mockAlertRepo) List(ctx context.Context, tenantID db.TenantID, status Status, limit, offset int) ([]*Alert, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, a := range m.data {
		if a.TenantID != tenantID || (status != "" && a.Status != status) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
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

func newTestService(t *testing.T) (*Service, *mockAlertRepo, *recordingPublisher) {
	t.Helper()
	engine, err := risk.NewEngine(risk.DefaultConfig())
	require.NoError(t, err)
	repo := newMockAlertRepo()
	pub := &recordingPublisher{}
	svc := NewService(repo, engine)
	svc.SetPublisher(pub)
	svc.SetMetrics(metrics.NewRegistry())
	return svc, repo, pub
}

func warningInput() risk.PrescriptionInput {
	return risk.PrescriptionInput{
		Right:     &risk.EyeRx{Sphere: risk.Of(1.00), Add: risk.Of(3.00)},
		Left:      &risk.EyeRx{Sphere: risk.Of(1.00), Add: risk.Of(3.00)},
		LensType:  "progressive",
		Material:  "1.60",
		FrameType: "sport wrap",
	}
}

const lab = db.TenantID("lab_a")

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusActive, StatusDismissed))
	assert.True(t, CanTransition(StatusActive, StatusAccepted))
	assert.False(t, CanTransition(StatusDismissed, StatusAccepted))
	assert.False(t, CanTransition(StatusAccepted, StatusActive))
	assert.False(t, CanTransition(StatusActive, StatusActive))
}

func TestAssess_WarningMaterializesAlert(t *testing.T) {
	svc, _, pub := newTestService(t)

	assessment, a, err := svc.Assess(context.Background(), lab, warningInput(), Origin{OrderID: "SO-1001"})
	require.NoError(t, err)
	assert.Equal(t, risk.SeverityWarning, assessment.Severity)
	require.NotNil(t, a)
	assert.Equal(t, StatusActive, a.Status)
	assert.Equal(t, "SO-1001", *a.OrderID)
	assert.Nil(t, a.PrescriptionSnapshot)
	assert.Equal(t, assessment.RiskScore, a.RiskScore)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.AlertCreated, pub.events[0].Type)
	assert.Equal(t, "lab_a", pub.events[0].TenantID)
}

func TestAssess_NoOrderKeepsSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, a, err := svc.Assess(context.Background(), lab, warningInput(), Origin{})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Nil(t, a.OrderID)
	require.NotNil(t, a.PrescriptionSnapshot)
	assert.Equal(t, "progressive", a.PrescriptionSnapshot.LensType)
}

func TestAssess_InfoCreatesNoAlert(t *testing.T) {
	svc, repo, pub := newTestService(t)
	assessment, a, err := svc.Assess(context.Background(), lab, risk.PrescriptionInput{
		Right: &risk.EyeRx{Sphere: risk.Of(-1.25)},
	}, Origin{OrderID: "SO-1"})
	require.NoError(t, err)
	assert.Equal(t, risk.SeverityInfo, assessment.Severity)
	assert.Nil(t, a)
	assert.Empty(t, repo.data)
	assert.Empty(t, pub.events)
}

func TestAssess_CannotAssess(t *testing.T) {
	svc, repo, _ := newTestService(t)
	_, _, err := svc.Assess(context.Background(), lab, risk.PrescriptionInput{LensType: "progressive"}, Origin{})
	var invalid *risk.InputValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Empty(t, repo.data)
}

func TestMaterialize_BelowFloor(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Materialize(context.Background(), lab, &risk.RiskAssessment{Severity: risk.SeverityInfo}, Origin{OrderID: "SO-1"})
	assert.ErrorIs(t, err, ErrBelowReportingFloor)
}

func TestMaterialize_RequiresOrigin(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Materialize(context.Background(), lab, &risk.RiskAssessment{Severity: risk.SeverityCritical, RiskScore: 0.7}, Origin{})
	assert.ErrorIs(t, err, ErrMissingOrigin)
}

func TestSetStatus_ResolvesOnce(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()
	_, a, err := svc.Assess(ctx, lab, warningInput(), Origin{OrderID: "SO-2"})
	require.NoError(t, err)

	dismissed, err := svc.SetStatus(ctx, lab, a.ID, StatusDismissed, "u-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDismissed, dismissed.Status)
	require.NotNil(t, dismissed.ResolvedAt)
	assert.Equal(t, "u-1", *dismissed.ResolvedBy)

	_, err = svc.SetStatus(ctx, lab, a.ID, StatusAccepted, "u-2")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusDismissed, invalid.From)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := svc.Get(ctx, lab, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDismissed, got.Status)
	assert.Equal(t, "u-1", *got.ResolvedBy)

	assert.Equal(t, events.AlertResolved, pub.events[len(pub.events)-1].Type)
}

func TestSetStatus_ConcurrentResolutionSingleWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, a, err := svc.Assess(ctx, lab, warningInput(), Origin{OrderID: "SO-3"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, st := range []Status{StatusAccepted, StatusDismissed} {
		wg.Add(1)
		go func(i int, st Status) {
			defer wg.Done()
			_, results[i] = svc.SetStatus(ctx, lab, a.ID, st, "u")
		}(i, st)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestListActive_ExcludesResolved(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, a1, err := svc.Assess(ctx, lab, warningInput(), Origin{OrderID: "SO-4"})
	require.NoError(t, err)
	_, _, err = svc.Assess(ctx, lab, warningInput(), Origin{OrderID: "SO-5"})
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, lab, a1.ID, StatusAccepted, "")
	require.NoError(t, err)

	items, total, err := svc.ListActive(ctx, lab, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "SO-5", *items[0].OrderID)

	_, total, err = svc.List(ctx, lab, "", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestTenantIsolation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := db.WithTenant(context.Background(), lab)
	_, a, err := svc.Assess(ctx, lab, warningInput(), Origin{OrderID: "SO-6"})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), "lab_b", a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = svc.Assess(ctx, "lab_b", warningInput(), Origin{OrderID: "SO-7"})
	assert.ErrorIs(t, err, db.ErrCrossTenant)
}
