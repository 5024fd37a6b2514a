package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ils/insight/internal/domain/risk"
	"github.com/ils/insight/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type alertRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &alertRepoPG{pool: pool}
}

func (r *alertRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const alertCols = `id, tenant_id, order_id, prescription_snapshot, severity,
	risk_score, triggered_factors, recommendation, status,
	created_at, resolved_at, resolved_by`

func (r *alertRepoPG) scanAlert(row pgx.Row) (*Alert, error) {
	var (
		a                             Alert
		snapshot, factors, recommended []byte
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.OrderID, &snapshot, &a.Severity,
		&a.RiskScore, &factors, &recommended, &a.Status,
		&a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		a.PrescriptionSnapshot = &risk.PrescriptionInput{}
		if err := json.Unmarshal(snapshot, a.PrescriptionSnapshot); err != nil {
			return nil, fmt.Errorf("decode prescription snapshot: %w", err)
		}
	}
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &a.TriggeredFactors); err != nil {
			return nil, fmt.Errorf("decode triggered factors: %w", err)
		}
	}
	if len(recommended) > 0 && string(recommended) != "null" {
		a.Recommendation = &risk.LensRecommendation{}
		if err := json.Unmarshal(recommended, a.Recommendation); err != nil {
			return nil, fmt.Errorf("decode recommendation: %w", err)
		}
	}
	return &a, nil
}

func jsonOrNil(v interface{}, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	return json.Marshal(v)
}

func (r *alertRepoPG) Create(ctx context.Context, a *Alert) error {
	if err := db.CheckTenant(ctx, a.TenantID); err != nil {
		return err
	}
	a.ID = uuid.New()
	snapshot, err := jsonOrNil(a.PrescriptionSnapshot, a.PrescriptionSnapshot != nil)
	if err != nil {
		return err
	}
	factors, err := json.Marshal(a.TriggeredFactors)
	if err != nil {
		return err
	}
	recommended, err := jsonOrNil(a.Recommendation, a.Recommendation != nil)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO risk_alert (id, tenant_id, order_id, prescription_snapshot, severity,
			risk_score, triggered_factors, recommendation, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		a.ID, a.TenantID, a.OrderID, snapshot, a.Severity,
		a.RiskScore, factors, recommended, a.Status).Scan(&a.CreatedAt)
}

func (r *alertRepoPG) GetByID(ctx context.Context, tenantID db.TenantID, id uuid.UUID) (*Alert, error) {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return r.scanAlert(r.conn(ctx).QueryRow(ctx,
		`SELECT `+alertCols+` FROM risk_alert WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *alertRepoPG) UpdateStatus(ctx context.Context, a *Alert, from Status) error {
	if err := db.CheckTenant(ctx, a.TenantID); err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE risk_alert SET status=$3, resolved_at=$4, resolved_by=$5
		WHERE tenant_id = $1 AND id = $2 AND status = $6`,
		a.TenantID, a.ID, a.Status, a.ResolvedAt, a.ResolvedBy, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *alertRepoPG) List(ctx context.Context, tenantID db.TenantID, status Status, limit, offset int) ([]*Alert, int, error) {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, 0, err
	}
	where := `WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM risk_alert `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT `+alertCols+` FROM risk_alert %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Alert
	for rows.Next() {
		a, err := r.scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
