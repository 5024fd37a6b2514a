// Package sandbox generates reproducible synthetic lab history for demo
// tenants, workbook exports and offline analysis. The same seed always
// yields the same orders, invoices and exceptions.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/ils/insight/internal/domain/sales"
	"github.com/ils/insight/internal/platform/db"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of generated history.
type SeedConfig struct {
	Months           int       `json:"months"`
	InvoicesPerMonth int       `json:"invoices_per_month"`
	ErrorRate        float64   `json:"error_rate"`
	ReturnRate       float64   `json:"return_rate"`
	End              time.Time `json:"end"`
	Seed             int64     `json:"seed"`
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Months:           12,
		InvoicesPerMonth: 120,
		ErrorRate:        0.04,
		ReturnRate:       0.01,
		Seed:             1,
	}
}

func (c SeedConfig) Validate() error {
	if c.Months <= 0 || c.Months > 120 {
		return fmt.Errorf("months must be within [1,120], got %d", c.Months)
	}
	if c.InvoicesPerMonth <= 0 {
		return fmt.Errorf("invoices per month must be positive, got %d", c.InvoicesPerMonth)
	}
	if c.ErrorRate < 0 || c.ErrorRate > 1 || c.ReturnRate < 0 || c.ReturnRate > 1 {
		return fmt.Errorf("error and return rates must be within [0,1]")
	}
	return nil
}

// SeedResult summarizes a generated history.
type SeedResult struct {
	Products     int          `json:"products"`
	Orders       int          `json:"orders"`
	InvoiceLines int          `json:"invoice_lines"`
	Exceptions   int          `json:"exceptions"`
	Window       sales.Window `json:"window"`
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

type catalogEntry struct {
	product sales.Product
	weight  int
	price   string
}

var lenses = []catalogEntry{
	{sales.Product{Key: "sv-150", Name: "Single vision 1.50", LensType: "single_vision", Material: "cr_39", PreStocked: true}, 30, "59.00"},
	{sales.Product{Key: "sv-159", Name: "Single vision polycarbonate", LensType: "single_vision", Material: "polycarbonate", PreStocked: true}, 15, "79.00"},
	{sales.Product{Key: "sv-167-ar", Name: "Single vision 1.67 AR", LensType: "single_vision", Material: "1.67", Coating: "anti_reflective"}, 12, "139.00"},
	{sales.Product{Key: "pal-160", Name: "Progressive 1.60", LensType: "progressive", Material: "1.60"}, 10, "189.00"},
	{sales.Product{Key: "pal-167-ar", Name: "Progressive 1.67 AR", LensType: "progressive", Material: "1.67", Coating: "anti_reflective"}, 6, "249.00"},
	{sales.Product{Key: "bif-150", Name: "Bifocal 1.50", LensType: "bifocal", Material: "cr_39", PreStocked: true}, 1, "89.00"},
	{sales.Product{Key: "sv-159-photo", Name: "Single vision photochromic", LensType: "single_vision", Material: "polycarbonate", Coating: "photochromic", PreStocked: true}, 2, "119.00"},
}

type addOn struct {
	key    string
	name   string
	price  string
	margin int64
	// attach is the chance per lens type, keyed by lens type; "" is the fallback.
	attach map[string]float64
}

var addOns = []addOn{
	{"ar-coat", "Anti-reflective coating", "45.00", 18, map[string]float64{"progressive": 0.55, "": 0.25}},
	{"blue-filter", "Blue light filter", "35.00", 12, map[string]float64{"single_vision": 0.2, "": 0.08}},
	{"case-premium", "Premium case", "15.00", 6, map[string]float64{"": 0.1}},
}

var errorCategories = []string{"breakage", "chipped", "coating_defect", "wrong_axis", "edging", "power_out_of_tolerance"}

var returnCategories = []string{"non_adaptation", "frame_fit", "cosmetic"}

// Catalog returns the products the generator sells.
func Catalog() []sales.Product {
	out := make([]sales.Product, 0, len(lenses)+len(addOns))
	for _, l := range lenses {
		out = append(out, l.product)
	}
	for _, a := range addOns {
		out = append(out, sales.Product{Key: a.key, Name: a.name, UnitMargin: decimal.NewNullDecimal(decimal.NewFromInt(a.margin))})
	}
	return out
}

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// Order is one generated job with its invoice and any exceptions.
type Order struct {
	ID         uuid.UUID
	InvoiceID  uuid.UUID
	Number     string
	OrderedAt  time.Time
	Lines      []sales.InvoiceLine
	Exceptions []sales.OrderException
}

// DataGenerator produces orders from a seeded source.
type DataGenerator struct {
	rng     *rand.Rand
	counter int
	total   int
}

func NewDataGenerator(seed int64) *DataGenerator {
	g := &DataGenerator{rng: rand.New(rand.NewSource(seed))}
	for _, l := range lenses {
		g.total += l.weight
	}
	return g
}

func (g *DataGenerator) nextNumber() string {
	g.counter++
	return fmt.Sprintf("SO-%06d", g.counter)
}

func (g *DataGenerator) newID() uuid.UUID {
	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		// rand.Rand.Read never fails.
		panic(err)
	}
	return id
}

func (g *DataGenerator) pickLens() catalogEntry {
	n := g.rng.Intn(g.total)
	for _, l := range lenses {
		if n < l.weight {
			return l
		}
		n -= l.weight
	}
	return lenses[0]
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) money(lo, hi float64) decimal.Decimal {
	return decimal.NewFromFloat(lo + g.rng.Float64()*(hi-lo)).Round(2)
}

// GenerateOrder builds one invoiced order at the given time.
func (g *DataGenerator) GenerateOrder(at time.Time, errorRate, returnRate float64) Order {
	o := Order{ID: g.newID(), InvoiceID: g.newID(), Number: g.nextNumber(), OrderedAt: at}
	lens := g.pickLens()
	line := func(key, price string) sales.InvoiceLine {
		return sales.InvoiceLine{
			InvoiceID:  o.InvoiceID.String(),
			OrderID:    o.Number,
			ProductKey: key,
			Quantity:   1,
			UnitPrice:  decimal.RequireFromString(price),
			InvoicedAt: at,
		}
	}
	o.Lines = append(o.Lines, line(lens.product.Key, lens.price))
	for _, a := range addOns {
		if lens.product.Coating == "anti_reflective" && a.key == "ar-coat" {
			continue
		}
		p, ok := a.attach[lens.product.LensType]
		if !ok {
			p = a.attach[""]
		}
		if g.rng.Float64() < p {
			o.Lines = append(o.Lines, line(a.key, a.price))
		}
	}

	// 1.67 jobs fail twice as often.
	rate := errorRate
	if lens.product.Material == "1.67" {
		rate *= 2
	}
	if g.rng.Float64() < rate {
		o.Exceptions = append(o.Exceptions, sales.OrderException{
			OrderID:    o.Number,
			Kind:       sales.ExceptionError,
			Category:   g.pick(errorCategories),
			Units:      1 + g.rng.Intn(2),
			Cost:       g.money(15, 60),
			RecordedAt: at.Add(time.Duration(2+g.rng.Intn(46)) * time.Hour),
		})
	}
	if g.rng.Float64() < returnRate {
		o.Exceptions = append(o.Exceptions, sales.OrderException{
			OrderID:    o.Number,
			Kind:       sales.ExceptionReturn,
			Category:   g.pick(returnCategories),
			Units:      1,
			Cost:       g.money(40, 120),
			RecordedAt: at.AddDate(0, 0, 7+g.rng.Intn(21)),
		})
	}
	return o
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder generates a history once and serves it to the aggregator, a
// workbook export or a tenant schema.
type Seeder struct {
	config SeedConfig
	mu     sync.Mutex
	orders []Order
	window sales.Window
}

func NewSeeder(config SeedConfig) *Seeder {
	if config.End.IsZero() {
		config.End = time.Now().UTC().Truncate(24 * time.Hour)
	}
	return &Seeder{config: config}
}

// Generate replaces any previous history. Orders are spread uniformly over
// the trailing months ending at config.End.
func (s *Seeder) Generate() (*SeedResult, error) {
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	gen := NewDataGenerator(s.config.Seed)
	w := sales.TrailingMonths(s.config.End, s.config.Months)
	span := w.End.Sub(w.Start)
	count := s.config.Months * s.config.InvoicesPerMonth

	times := make([]time.Time, count)
	for i := range times {
		times[i] = w.Start.Add(time.Duration(gen.rng.Int63n(int64(span)))).Truncate(time.Minute)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	s.orders = make([]Order, 0, count)
	for _, at := range times {
		s.orders = append(s.orders, gen.GenerateOrder(at, s.config.ErrorRate, s.config.ReturnRate))
	}
	s.window = w
	return s.result(), nil
}

func (s *Seeder) result() *SeedResult {
	r := &SeedResult{Products: len(lenses) + len(addOns), Orders: len(s.orders), Window: s.window}
	for _, o := range s.orders {
		r.InvoiceLines += len(o.Lines)
		r.Exceptions += len(o.Exceptions)
	}
	return r
}

// Orders returns the generated orders in time order.
func (s *Seeder) Orders() []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Order(nil), s.orders...)
}

// InvoiceLines implements sales.HistoryReader.
func (s *Seeder) InvoiceLines(_ context.Context, _ db.TenantID, w sales.Window) ([]sales.InvoiceLine, error) {
	var out []sales.InvoiceLine
	for _, o := range s.Orders() {
		for _, l := range o.Lines {
			if w.Contains(l.InvoicedAt) {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func (s *Seeder) Exceptions(_ context.Context, _ db.TenantID, w sales.Window) ([]sales.OrderException, error) {
	var out []sales.OrderException
	for _, o := range s.Orders() {
		for _, e := range o.Exceptions {
			if w.Contains(e.RecordedAt) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (s *Seeder) Products(context.Context, db.TenantID) ([]sales.Product, error) {
	return Catalog(), nil
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

func setRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		axis, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		r := row
		if err := f.SetSheetRow(sheet, axis, &r); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

// ExportWorkbook writes the history in the layout sales.OpenWorkbook reads.
func (s *Seeder) ExportWorkbook(w io.Writer) error {
	orders := s.Orders()
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sales.SheetInvoices); err != nil {
		return err
	}
	invoices := [][]interface{}{{"invoice_id", "order_id", "product_key", "invoiced_at", "quantity", "unit_price"}}
	exceptions := [][]interface{}{{"order_id", "kind", "category", "units", "cost", "recorded_at"}}
	for _, o := range orders {
		for _, l := range o.Lines {
			invoices = append(invoices, []interface{}{l.InvoiceID, l.OrderID, l.ProductKey, l.InvoicedAt.Format(time.RFC3339), l.Quantity, l.UnitPrice.StringFixed(2)})
		}
		for _, e := range o.Exceptions {
			exceptions = append(exceptions, []interface{}{e.OrderID, string(e.Kind), e.Category, e.Units, e.Cost.StringFixed(2), e.RecordedAt.Format(time.RFC3339)})
		}
	}
	products := [][]interface{}{{"product_key", "name", "lens_type", "material", "coating", "pre_stocked", "unit_margin"}}
	for _, p := range Catalog() {
		margin := ""
		if p.UnitMargin.Valid {
			margin = p.UnitMargin.Decimal.StringFixed(2)
		}
		products = append(products, []interface{}{p.Key, p.Name, p.LensType, p.Material, p.Coating, fmt.Sprint(p.PreStocked), margin})
	}

	if err := setRows(f, sales.SheetInvoices, invoices); err != nil {
		return err
	}
	for name, rows := range map[string][][]interface{}{sales.SheetExceptions: exceptions, sales.SheetProducts: products} {
		if _, err := f.NewSheet(name); err != nil {
			return err
		}
		if err := setRows(f, name, rows); err != nil {
			return err
		}
	}
	return f.Write(w)
}

// ---------------------------------------------------------------------------
// Persist
// ---------------------------------------------------------------------------

// BatchSender is satisfied by *pgxpool.Conn, *pgxpool.Pool and pgx.Tx.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// QueueInserts adds the history for tenantID to b. Rows already present are
// left alone, so reseeding with the same seed is idempotent.
func (s *Seeder) QueueInserts(b *pgx.Batch, tenantID db.TenantID) {
	for _, p := range Catalog() {
		var margin interface{}
		if p.UnitMargin.Valid {
			margin = p.UnitMargin.Decimal.String()
		}
		b.Queue(`INSERT INTO product (tenant_id, product_key, name, lens_type, material, coating, pre_stocked, unit_margin)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8::numeric)
			ON CONFLICT (tenant_id, product_key) DO NOTHING`,
			tenantID, p.Key, p.Name, p.LensType, p.Material, p.Coating, p.PreStocked, margin)
	}
	for _, o := range s.Orders() {
		b.Queue(`INSERT INTO sales_order (id, tenant_id, order_number, ordered_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`, o.ID, tenantID, o.Number, o.OrderedAt)
		b.Queue(`INSERT INTO invoice (id, tenant_id, order_id, invoiced_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`, o.InvoiceID, tenantID, o.ID, o.OrderedAt)
		for i, l := range o.Lines {
			b.Queue(`INSERT INTO invoice_line (tenant_id, invoice_id, line_no, product_key, quantity, unit_price)
				VALUES ($1, $2, $3, $4, $5, $6::numeric) ON CONFLICT DO NOTHING`,
				tenantID, o.InvoiceID, i+1, l.ProductKey, l.Quantity, l.UnitPrice.String())
		}
		for _, e := range o.Exceptions {
			b.Queue(`INSERT INTO order_exception (id, tenant_id, order_id, kind, category, units, cost, recorded_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8) ON CONFLICT DO NOTHING`,
				uuid.NewSHA1(o.ID, []byte(string(e.Kind)+e.Category)), tenantID, o.ID, string(e.Kind), e.Category, e.Units, e.Cost.String(), e.RecordedAt)
		}
	}
}

// Persist writes the history into the tenant's tables in one batch.
func (s *Seeder) Persist(ctx context.Context, conn BatchSender, tenantID db.TenantID) error {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return err
	}
	b := &pgx.Batch{}
	s.QueueInserts(b, tenantID)
	if err := conn.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("seed %s: %w", tenantID, err)
	}
	return nil
}
