package sales

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ils/insight/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type historyRepoPG struct{ pool *pgxpool.Pool }

// NewHistoryRepoPG reads history from the tenant's sales tables. It never writes.
func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryReader {
	return &historyRepoPG{pool: pool}
}

func (r *historyRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func parseDecimal(s *string) (decimal.Decimal, error) {
	if s == nil || *s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(*s)
}

func (r *historyRepoPG) InvoiceLines(ctx context.Context, tenantID db.TenantID, w Window) ([]InvoiceLine, error) {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT i.id::text, COALESCE(o.order_number, ''), l.product_key, l.quantity,
			l.unit_price::text, i.invoiced_at
		FROM invoice_line l
		JOIN invoice i ON i.id = l.invoice_id AND i.tenant_id = l.tenant_id
		LEFT JOIN sales_order o ON o.id = i.order_id AND o.tenant_id = i.tenant_id
		WHERE l.tenant_id = $1 AND i.invoiced_at >= $2 AND i.invoiced_at < $3
		ORDER BY i.invoiced_at, i.id, l.product_key`,
		tenantID, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []InvoiceLine
	for rows.Next() {
		var (
			l     InvoiceLine
			price *string
		)
		if err := rows.Scan(&l.InvoiceID, &l.OrderID, &l.ProductKey, &l.Quantity, &price, &l.InvoicedAt); err != nil {
			return nil, err
		}
		if l.UnitPrice, err = parseDecimal(price); err != nil {
			return nil, fmt.Errorf("invoice %s unit price: %w", l.InvoiceID, err)
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *historyRepoPG) Exceptions(ctx context.Context, tenantID db.TenantID, w Window) ([]OrderException, error) {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT COALESCE(o.order_number, e.order_id::text, ''), e.kind, COALESCE(e.category, ''),
			e.units, e.cost::text, e.recorded_at
		FROM order_exception e
		LEFT JOIN sales_order o ON o.id = e.order_id AND o.tenant_id = e.tenant_id
		WHERE e.tenant_id = $1 AND e.recorded_at >= $2 AND e.recorded_at < $3
		ORDER BY e.recorded_at`,
		tenantID, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []OrderException
	for rows.Next() {
		var (
			e    OrderException
			cost *string
		)
		if err := rows.Scan(&e.OrderID, &e.Kind, &e.Category, &e.Units, &cost, &e.RecordedAt); err != nil {
			return nil, err
		}
		if e.Cost, err = parseDecimal(cost); err != nil {
			return nil, fmt.Errorf("exception on %s cost: %w", e.OrderID, err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *historyRepoPG) Products(ctx context.Context, tenantID db.TenantID) ([]Product, error) {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT product_key, COALESCE(name, ''), COALESCE(lens_type, ''), COALESCE(material, ''),
			COALESCE(coating, ''), pre_stocked, unit_margin::text
		FROM product WHERE tenant_id = $1 ORDER BY product_key`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Product
	for rows.Next() {
		var (
			p      Product
			margin *string
		)
		if err := rows.Scan(&p.Key, &p.Name, &p.LensType, &p.Material, &p.Coating, &p.PreStocked, &margin); err != nil {
			return nil, err
		}
		if margin != nil {
			d, err := decimal.NewFromString(*margin)
			if err != nil {
				return nil, fmt.Errorf("product %s margin: %w", p.Key, err)
			}
			p.UnitMargin = decimal.NewNullDecimal(d)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
