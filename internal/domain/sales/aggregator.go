package sales

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ils/insight/internal/platform/db"
)

// HistoryReader is a read-only view of a tenant's order, invoice, exception
// and product history.
type HistoryReader interface {
	InvoiceLines(ctx context.Context, tenantID db.TenantID, w Window) ([]InvoiceLine, error)
	Exceptions(ctx context.Context, tenantID db.TenantID, w Window) ([]OrderException, error)
	Products(ctx context.Context, tenantID db.TenantID) ([]Product, error)
}

const uncategorized = "uncategorized"

type Aggregator struct {
	history HistoryReader
	logger  zerolog.Logger
}

func NewAggregator(history HistoryReader, logger zerolog.Logger) *Aggregator {
	return &Aggregator{history: history, logger: logger}
}

// Aggregate reads the tenant's history for the window and summarizes it.
// Sparse or empty history yields an empty aggregate, not an error.
func (a *Aggregator) Aggregate(ctx context.Context, tenantID db.TenantID, w Window) (*SalesAggregate, error) {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	lines, err := a.history.InvoiceLines(ctx, tenantID, w)
	if err != nil {
		return nil, fmt.Errorf("read invoice lines: %w", err)
	}
	exceptions, err := a.history.Exceptions(ctx, tenantID, w)
	if err != nil {
		return nil, fmt.Errorf("read order exceptions: %w", err)
	}
	products, err := a.history.Products(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("read products: %w", err)
	}

	agg := Build(tenantID, w, lines, exceptions, products)
	a.logger.Debug().
		Str("tenant_id", tenantID.String()).
		Int("invoices", agg.InvoiceCount).
		Int("products", len(agg.ProductFrequency)).
		Int("error_categories", len(agg.ErrorsByCategory)).
		Msg("sales history aggregated")
	return agg, nil
}

// Build summarizes already-loaded history. Records outside the window are skipped.
func Build(tenantID db.TenantID, w Window, lines []InvoiceLine, exceptions []OrderException, products []Product) *SalesAggregate {
	agg := NewAggregate(tenantID, w)
	for _, p := range products {
		if p.Key != "" {
			agg.Products[p.Key] = p
		}
	}

	invoices := map[string]map[string]bool{}
	for _, l := range lines {
		if l.ProductKey == "" || !w.Contains(l.InvoicedAt) {
			continue
		}
		agg.ProductFrequency[l.ProductKey]++
		qty := l.Quantity
		if qty <= 0 {
			qty = 1
		}
		agg.TotalUnits += qty
		if invoices[l.InvoiceID] == nil {
			invoices[l.InvoiceID] = map[string]bool{}
		}
		invoices[l.InvoiceID][l.ProductKey] = true
	}
	agg.InvoiceCount = len(invoices)

	for _, items := range invoices {
		keys := make([]string, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i := 0; i < len(keys); i++ {
			for j := i + 1; j < len(keys); j++ {
				agg.CoPurchasePairs[NewPairKey(keys[i], keys[j])]++
			}
		}
	}

	for _, e := range exceptions {
		if !e.Kind.Counted() || !w.Contains(e.RecordedAt) {
			continue
		}
		category := strings.ToLower(strings.TrimSpace(e.Category))
		if category == "" {
			category = uncategorized
		}
		agg.ErrorsByCategory[category]++
		if e.Cost.IsPositive() {
			agg.ErrorCost[category] = agg.ErrorCost[category].Add(e.Cost)
		}
		units := e.Units
		if units <= 0 {
			units = 1
		}
		agg.DefectUnits += units
	}

	if agg.TotalUnits > 0 {
		agg.DefectRate = float64(agg.DefectUnits) / float64(agg.TotalUnits)
	}
	return agg
}
