package sales

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ils/insight/internal/platform/db"
)

type memHistory struct {
	lines      []InvoiceLine
	exceptions []OrderException
	products   []Product
	err        error
}

func (m *memHistory) InvoiceLines(_ context.Context, _ db.TenantID, w Window) ([]InvoiceLine, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.lines, nil
}

func (m *memHistory) Exceptions(context.Context, db.TenantID, Window) ([]OrderException, error) {
	return m.exceptions, nil
}

func (m *memHistory) Products(context.Context, db.TenantID) ([]Product, error) {
	return m.products, nil
}

var (
	testNow    = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	testWindow = TrailingMonths(testNow, 12)
	inWindow   = testNow.AddDate(0, -1, 0)
)

func line(invoice, product string) InvoiceLine {
	return InvoiceLine{InvoiceID: invoice, ProductKey: product, Quantity: 1, InvoicedAt: inWindow}
}

func TestAggregate_EmptyHistory(t *testing.T) {
	a := NewAggregator(&memHistory{}, zerolog.Nop())
	agg, err := a.Aggregate(context.Background(), "lab_a", testWindow)
	require.NoError(t, err)

	assert.NotNil(t, agg.ProductFrequency)
	assert.NotNil(t, agg.ErrorsByCategory)
	assert.NotNil(t, agg.CoPurchasePairs)
	assert.NotNil(t, agg.ErrorCost)
	assert.Empty(t, agg.ProductFrequency)
	assert.Zero(t, agg.DefectRate)
	assert.True(t, agg.Empty())
	assert.Equal(t, testWindow.Start, agg.WindowStart)
}

func TestAggregate_CountsAndPairs(t *testing.T) {
	h := &memHistory{
		lines: []InvoiceLine{
			line("inv-1", "pal-167"),
			line("inv-1", "ar-coat"),
			line("inv-2", "ar-coat"),
			line("inv-2", "pal-167"),
			line("inv-3", "sv-150"),
			{InvoiceID: "inv-4", ProductKey: "sv-150", Quantity: 2, InvoicedAt: testNow.AddDate(-2, 0, 0)},
		},
		exceptions: []OrderException{
			{OrderID: "o1", Kind: ExceptionError, Category: "Breakage", Units: 1, Cost: decimal.NewFromInt(40), RecordedAt: inWindow},
			{OrderID: "o2", Kind: ExceptionReturn, Category: "breakage", RecordedAt: inWindow},
			{OrderID: "o3", Kind: ExceptionNote, Category: "breakage", RecordedAt: inWindow},
			{OrderID: "o4", Kind: ExceptionError, RecordedAt: inWindow},
		},
	}
	agg, err := NewAggregator(h, zerolog.Nop()).Aggregate(context.Background(), "lab_a", testWindow)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"pal-167": 2, "ar-coat": 2, "sv-150": 1}, agg.ProductFrequency)
	assert.Equal(t, 3, agg.InvoiceCount)
	assert.Equal(t, 5, agg.TotalUnits)

	assert.Equal(t, 2, agg.CoPurchasePairs[NewPairKey("pal-167", "ar-coat")])
	assert.Equal(t, 2, agg.CoPurchasePairs[NewPairKey("ar-coat", "pal-167")])
	assert.Len(t, agg.CoPurchasePairs, 1)

	assert.Equal(t, map[string]int{"breakage": 2, uncategorized: 1}, agg.ErrorsByCategory)
	assert.True(t, decimal.NewFromInt(40).Equal(agg.ErrorCost["breakage"]))
	assert.Equal(t, 3, agg.DefectUnits)
	assert.InDelta(t, 0.6, agg.DefectRate, 1e-9)
}

func TestAggregate_ReaderError(t *testing.T) {
	a := NewAggregator(&memHistory{err: errors.New("boom")}, zerolog.Nop())
	_, err := a.Aggregate(context.Background(), "lab_a", testWindow)
	assert.ErrorContains(t, err, "read invoice lines")
}

func TestAggregate_CrossTenantAndBadWindow(t *testing.T) {
	a := NewAggregator(&memHistory{}, zerolog.Nop())
	ctx := db.WithTenant(context.Background(), "lab_a")
	_, err := a.Aggregate(ctx, "lab_b", testWindow)
	assert.ErrorIs(t, err, db.ErrCrossTenant)

	_, err = a.Aggregate(context.Background(), "lab_a", Window{Start: testNow, End: testNow})
	assert.Error(t, err)
}

func TestPairKey(t *testing.T) {
	p := NewPairKey("b", "a")
	assert.Equal(t, PairKey{A: "a", B: "b"}, p)
	assert.Equal(t, "a", p.Other("b"))
	assert.Equal(t, "b", p.Other("a"))

	b, err := json.Marshal(map[PairKey]int{p: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a|b":3}`, string(b))

	var back map[PairKey]int
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, 3, back[p])
}

func TestMedianFrequency(t *testing.T) {
	agg := NewAggregate("lab_a", testWindow)
	assert.Zero(t, agg.MedianFrequency())
	agg.ProductFrequency = map[string]int{"a": 1, "b": 9, "c": 4}
	assert.Equal(t, 4.0, agg.MedianFrequency())
	agg.ProductFrequency["d"] = 6
	assert.Equal(t, 5.0, agg.MedianFrequency())
}

func TestTrailingMonths(t *testing.T) {
	w := TrailingMonths(testNow, 0)
	assert.Equal(t, testNow.AddDate(-1, 0, 0), w.Start)
	assert.True(t, w.Contains(inWindow))
	assert.False(t, w.Contains(testNow))
}

func TestEstimateProductionMinutes(t *testing.T) {
	assert.Equal(t, 120.0, EstimateProductionMinutes("single vision", "CR-39", ""))
	assert.InDelta(t, 120*1.5*1.2+30, EstimateProductionMinutes("Progressive", "1.67", "anti-reflective"), 1e-9)
	assert.InDelta(t, 120*1.3*1.1+30+20, EstimateProductionMinutes("bifocal", "polycarbonate", "anti_reflective, blue_light"), 1e-9)

	_, ok := Product{Key: "frame"}.ProductionHours()
	assert.False(t, ok)
	hours, ok := Product{LensType: "progressive", Material: "trivex"}.ProductionHours()
	require.True(t, ok)
	assert.InDelta(t, 120*1.5*1.15/60, hours, 1e-9)
}
