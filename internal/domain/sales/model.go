package sales

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ils/insight/internal/platform/db"
)

// InvoiceLine is one product line on an invoice.
type InvoiceLine struct {
	InvoiceID  string          `db:"invoice_id" json:"invoice_id"`
	OrderID    string          `db:"order_id" json:"order_id,omitempty"`
	ProductKey string          `db:"product_key" json:"product_key"`
	Quantity   int             `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	InvoicedAt time.Time       `db:"invoiced_at" json:"invoiced_at"`
}

// ExceptionKind classifies a recorded order exception.
type ExceptionKind string

const (
	ExceptionError  ExceptionKind = "error"
	ExceptionReturn ExceptionKind = "return"
	ExceptionNote   ExceptionKind = "note"
)

// Counted reports whether the exception is a defect for aggregation.
func (k ExceptionKind) Counted() bool {
	return k == ExceptionError || k == ExceptionReturn
}

// OrderException is a recorded production error or return.
type OrderException struct {
	OrderID    string          `db:"order_id" json:"order_id"`
	Kind       ExceptionKind   `db:"kind" json:"kind"`
	Category   string          `db:"category" json:"category"`
	Units      int             `db:"units" json:"units"`
	Cost       decimal.Decimal `db:"cost" json:"cost"`
	RecordedAt time.Time       `db:"recorded_at" json:"recorded_at"`
}

// Product holds the catalog facts the synthesizer needs.
type Product struct {
	Key        string              `db:"product_key" json:"key"`
	Name       string              `db:"name" json:"name"`
	LensType   string              `db:"lens_type" json:"lens_type,omitempty"`
	Material   string              `db:"material" json:"material,omitempty"`
	Coating    string              `db:"coating" json:"coating,omitempty"`
	PreStocked bool                `db:"pre_stocked" json:"pre_stocked"`
	UnitMargin decimal.NullDecimal `db:"unit_margin" json:"unit_margin"`
}

// DisplayName prefers the catalog name over the key.
func (p Product) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Key
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TrailingMonths returns the window ending at now and covering the previous months.
func TrailingMonths(now time.Time, months int) Window {
	if months <= 0 {
		months = 12
	}
	now = now.UTC()
	return Window{Start: now.AddDate(0, -months, 0), End: now}
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("window start and end are required")
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("window start %s is not before end %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// PairKey is an unordered product pair; A sorts before B.
type PairKey struct {
	A string
	B string
}

// NewPairKey orders the two keys so (x, y) and (y, x) are equal.
func NewPairKey(x, y string) PairKey {
	if y < x {
		x, y = y, x
	}
	return PairKey{A: x, B: y}
}

func (p PairKey) String() string { return p.A + "|" + p.B }

// Other returns the partner of key in the pair.
func (p PairKey) Other(key string) string {
	if key == p.A {
		return p.B
	}
	return p.A
}

func (p PairKey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PairKey) UnmarshalText(b []byte) error {
	a, c, ok := strings.Cut(string(b), "|")
	if !ok {
		return fmt.Errorf("invalid pair key %q", b)
	}
	*p = NewPairKey(a, c)
	return nil
}

// SalesAggregate is a per-run snapshot of a tenant's history. It is never
// persisted. All maps are non-nil, even for an empty history.
type SalesAggregate struct {
	TenantID         db.TenantID                `json:"tenant_id"`
	WindowStart      time.Time                  `json:"window_start"`
	WindowEnd        time.Time                  `json:"window_end"`
	ProductFrequency map[string]int             `json:"product_frequency"`
	ErrorsByCategory map[string]int             `json:"errors_by_category"`
	ErrorCost        map[string]decimal.Decimal `json:"error_cost"`
	DefectRate       float64                    `json:"defect_rate"`
	CoPurchasePairs  map[PairKey]int            `json:"co_purchase_pairs"`
	TotalUnits       int                        `json:"total_units"`
	DefectUnits      int                        `json:"defect_units"`
	InvoiceCount     int                        `json:"invoice_count"`
	Products         map[string]Product         `json:"products"`
}

// NewAggregate returns an empty aggregate for the window.
func NewAggregate(tenantID db.TenantID, w Window) *SalesAggregate {
	return &SalesAggregate{
		TenantID:         tenantID,
		WindowStart:      w.Start,
		WindowEnd:        w.End,
		ProductFrequency: map[string]int{},
		ErrorsByCategory: map[string]int{},
		ErrorCost:        map[string]decimal.Decimal{},
		CoPurchasePairs:  map[PairKey]int{},
		Products:         map[string]Product{},
	}
}

// Empty reports whether the window held no sales and no exceptions.
func (a *SalesAggregate) Empty() bool {
	return len(a.ProductFrequency) == 0 && len(a.ErrorsByCategory) == 0
}
