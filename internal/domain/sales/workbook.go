package sales

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/ils/insight/internal/platform/db"
)

// Sheet names of an exported history workbook.
const (
	SheetInvoices   = "invoices"
	SheetExceptions = "exceptions"
	SheetProducts   = "products"
)

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02", "01/02/2006", "2006/01/02"}

// WorkbookReader serves history from an exported .xlsx workbook, for offline
// analysis of a single tenant. Only the invoices sheet is required.
type WorkbookReader struct {
	lines      []InvoiceLine
	exceptions []OrderException
	products   []Product
}

// OpenWorkbook parses every sheet eagerly so later reads cannot fail.
func OpenWorkbook(r io.Reader) (*WorkbookReader, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	wb := &WorkbookReader{}
	rows, err := sheetRows(f, SheetInvoices, true)
	if err != nil {
		return nil, err
	}
	if wb.lines, err = parseInvoiceRows(rows); err != nil {
		return nil, err
	}
	if rows, err = sheetRows(f, SheetExceptions, false); err != nil {
		return nil, err
	}
	if wb.exceptions, err = parseExceptionRows(rows); err != nil {
		return nil, err
	}
	if rows, err = sheetRows(f, SheetProducts, false); err != nil {
		return nil, err
	}
	if wb.products, err = parseProductRows(rows); err != nil {
		return nil, err
	}
	return wb, nil
}

func sheetRows(f *excelize.File, name string, required bool) ([][]string, error) {
	for _, s := range f.GetSheetList() {
		if strings.EqualFold(s, name) {
			rows, err := f.GetRows(s)
			if err != nil {
				return nil, fmt.Errorf("read sheet %s: %w", name, err)
			}
			return rows, nil
		}
	}
	if required {
		return nil, fmt.Errorf("workbook has no %q sheet", name)
	}
	return nil, nil
}

func (wb *WorkbookReader) InvoiceLines(_ context.Context, _ db.TenantID, w Window) ([]InvoiceLine, error) {
	var out []InvoiceLine
	for _, l := range wb.lines {
		if w.Contains(l.InvoicedAt) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (wb *WorkbookReader) Exceptions(_ context.Context, _ db.TenantID, w Window) ([]OrderException, error) {
	var out []OrderException
	for _, e := range wb.exceptions {
		if w.Contains(e.RecordedAt) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (wb *WorkbookReader) Products(context.Context, db.TenantID) ([]Product, error) {
	return wb.products, nil
}

// Span returns the smallest window covering every invoice line, or false when
// the workbook has none.
func (wb *WorkbookReader) Span() (Window, bool) {
	if len(wb.lines) == 0 {
		return Window{}, false
	}
	w := Window{Start: wb.lines[0].InvoicedAt, End: wb.lines[0].InvoicedAt}
	for _, l := range wb.lines[1:] {
		if l.InvoicedAt.Before(w.Start) {
			w.Start = l.InvoicedAt
		}
		if l.InvoicedAt.After(w.End) {
			w.End = l.InvoicedAt
		}
	}
	w.End = w.End.Add(time.Second)
	return w, true
}

type header map[string]int

func newHeader(row []string) header {
	h := header{}
	for i, col := range row {
		h[normalizeAttr(col)] = i
	}
	return h
}

func (h header) index(candidates ...string) int {
	for _, c := range candidates {
		if i, ok := h[c]; ok {
			return i
		}
	}
	return -1
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		return excelize.ExcelDateToTime(serial, false)
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func parseInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func parseMoney(s string) (decimal.Decimal, error) {
	s = strings.TrimLeft(strings.ReplaceAll(s, ",", ""), "$€£")
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseInvoiceRows(rows [][]string) ([]InvoiceLine, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	h := newHeader(rows[0])
	invoiceIdx := h.index("invoice_id", "invoice", "invoice_number")
	productIdx := h.index("product_key", "product", "product_id", "sku")
	dateIdx := h.index("invoiced_at", "date", "invoice_date")
	if invoiceIdx < 0 || productIdx < 0 || dateIdx < 0 {
		return nil, fmt.Errorf("invoices sheet needs invoice_id, product_key and date columns, got %v", rows[0])
	}
	orderIdx := h.index("order_id", "order", "order_number")
	qtyIdx := h.index("quantity", "qty", "units")
	priceIdx := h.index("unit_price", "price")

	var lines []InvoiceLine
	for n, row := range rows[1:] {
		if cell(row, productIdx) == "" {
			continue
		}
		at, err := parseDate(cell(row, dateIdx))
		if err != nil {
			return nil, fmt.Errorf("invoices row %d: %w", n+2, err)
		}
		qty, err := parseInt(cell(row, qtyIdx), 1)
		if err != nil {
			return nil, fmt.Errorf("invoices row %d quantity: %w", n+2, err)
		}
		price, err := parseMoney(cell(row, priceIdx))
		if err != nil {
			return nil, fmt.Errorf("invoices row %d unit price: %w", n+2, err)
		}
		lines = append(lines, InvoiceLine{
			InvoiceID:  cell(row, invoiceIdx),
			OrderID:    cell(row, orderIdx),
			ProductKey: cell(row, productIdx),
			Quantity:   qty,
			UnitPrice:  price,
			InvoicedAt: at,
		})
	}
	return lines, nil
}

func parseExceptionRows(rows [][]string) ([]OrderException, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	h := newHeader(rows[0])
	dateIdx := h.index("recorded_at", "date")
	if dateIdx < 0 {
		return nil, fmt.Errorf("exceptions sheet needs a date column, got %v", rows[0])
	}
	orderIdx := h.index("order_id", "order", "order_number")
	kindIdx := h.index("kind", "type")
	categoryIdx := h.index("category", "reason")
	unitsIdx := h.index("units", "quantity", "qty")
	costIdx := h.index("cost", "amount")

	var items []OrderException
	for n, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		at, err := parseDate(cell(row, dateIdx))
		if err != nil {
			return nil, fmt.Errorf("exceptions row %d: %w", n+2, err)
		}
		units, err := parseInt(cell(row, unitsIdx), 1)
		if err != nil {
			return nil, fmt.Errorf("exceptions row %d units: %w", n+2, err)
		}
		cost, err := parseMoney(cell(row, costIdx))
		if err != nil {
			return nil, fmt.Errorf("exceptions row %d cost: %w", n+2, err)
		}
		kind := ExceptionKind(strings.ToLower(cell(row, kindIdx)))
		if kind == "" {
			kind = ExceptionError
		}
		items = append(items, OrderException{
			OrderID:    cell(row, orderIdx),
			Kind:       kind,
			Category:   cell(row, categoryIdx),
			Units:      units,
			Cost:       cost,
			RecordedAt: at,
		})
	}
	return items, nil
}

func parseProductRows(rows [][]string) ([]Product, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	h := newHeader(rows[0])
	keyIdx := h.index("product_key", "product", "product_id", "sku")
	if keyIdx < 0 {
		return nil, fmt.Errorf("products sheet needs a product_key column, got %v", rows[0])
	}
	nameIdx := h.index("name", "product_name")
	lensIdx := h.index("lens_type")
	materialIdx := h.index("material")
	coatingIdx := h.index("coating")
	stockedIdx := h.index("pre_stocked", "stocked")
	marginIdx := h.index("unit_margin", "margin")

	var items []Product
	for n, row := range rows[1:] {
		key := cell(row, keyIdx)
		if key == "" {
			continue
		}
		p := Product{
			Key:      key,
			Name:     cell(row, nameIdx),
			LensType: cell(row, lensIdx),
			Material: cell(row, materialIdx),
			Coating:  cell(row, coatingIdx),
		}
		switch strings.ToLower(cell(row, stockedIdx)) {
		case "1", "true", "yes", "y":
			p.PreStocked = true
		}
		if m := cell(row, marginIdx); m != "" {
			d, err := parseMoney(m)
			if err != nil {
				return nil, fmt.Errorf("products row %d margin: %w", n+2, err)
			}
			p.UnitMargin = decimal.NewNullDecimal(d)
		}
		items = append(items, p)
	}
	return items, nil
}
