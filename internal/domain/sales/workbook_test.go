package sales

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeSheet(t *testing.T, f *excelize.File, name string, rows [][]interface{}) {
	t.Helper()
	_, err := f.NewSheet(name)
	require.NoError(t, err)
	for i, row := range rows {
		axis, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		r := row
		require.NoError(t, f.SetSheetRow(name, axis, &r))
	}
}

func TestOpenWorkbook(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	writeSheet(t, f, "Invoices", [][]interface{}{
		{"Invoice ID", "Product", "Date", "Qty", "Unit Price"},
		{"inv-1", "pal-167", "2026-05-02", "1", "189.00"},
		{"inv-1", "ar-coat", "2026-05-02", "1", "$45.50"},
		{"inv-2", "pal-167", "2024-01-01", "1", "189.00"},
	})
	writeSheet(t, f, "exceptions", [][]interface{}{
		{"order_id", "kind", "category", "cost", "date"},
		{"SO-1", "error", "chipped", "22.5", "2026-05-03"},
	})
	writeSheet(t, f, "products", [][]interface{}{
		{"product_key", "name", "lens_type", "material", "pre_stocked", "margin"},
		{"ar-coat", "AR coating", "", "", "no", "18.00"},
		{"pal-167", "Progressive 1.67", "progressive", "1.67", "yes", ""},
	})
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	wb, err := OpenWorkbook(buf)
	require.NoError(t, err)

	lines, err := wb.InvoiceLines(context.Background(), "lab_a", testWindow)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "45.5", lines[1].UnitPrice.String())

	excs, err := wb.Exceptions(context.Background(), "lab_a", testWindow)
	require.NoError(t, err)
	require.Len(t, excs, 1)
	assert.Equal(t, ExceptionError, excs[0].Kind)
	assert.Equal(t, 1, excs[0].Units)

	products, err := wb.Products(context.Background(), "lab_a")
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.True(t, products[0].UnitMargin.Valid)
	assert.True(t, products[1].PreStocked)
	assert.False(t, products[1].UnitMargin.Valid)

	span, ok := wb.Span()
	require.True(t, ok)
	assert.Equal(t, 2024, span.Start.Year())

	agg := Build("lab_a", testWindow, lines, excs, products)
	assert.Equal(t, 1, agg.CoPurchasePairs[NewPairKey("pal-167", "ar-coat")])
}

func TestOpenWorkbook_MissingInvoicesSheet(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	_, err = OpenWorkbook(buf)
	assert.ErrorContains(t, err, "invoices")
}

func TestOpenWorkbook_MissingColumns(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	writeSheet(t, f, "invoices", [][]interface{}{{"foo", "bar"}, {"1", "2"}})
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	_, err = OpenWorkbook(buf)
	assert.ErrorContains(t, err, "invoice_id")
}
