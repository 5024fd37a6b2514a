package recommendation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
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

type recRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &recRepoPG{pool: pool}
}

func (r *recRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const recCols = `id, tenant_id, type, subject_key, priority, title, rationale,
	impact_value::text, impact_unit, status, created_at, status_updated_at,
	measured_outcome, version`

const uniqueViolation = "23505"

func (r *recRepoPG) scanRec(row pgx.Row) (*Recommendation, error) {
	var (
		rec   Recommendation
		value string
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Type, &rec.SubjectKey, &rec.Priority,
		&rec.Title, &rec.Rationale, &value, &rec.EstimatedImpact.Unit, &rec.Status,
		&rec.CreatedAt, &rec.StatusUpdatedAt, &rec.MeasuredOutcome, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.EstimatedImpact.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("decode impact of %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func (r *recRepoPG) Create(ctx context.Context, rec *Recommendation) error {
	if err := db.CheckTenant(ctx, rec.TenantID); err != nil {
		return err
	}
	rec.ID = uuid.New()
	rec.Version = 1
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bi_recommendation (id, tenant_id, type, subject_key, priority, title,
			rationale, impact_value, impact_unit, status, measured_outcome, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10,$11,$12)
		RETURNING created_at, status_updated_at`,
		rec.ID, rec.TenantID, rec.Type, rec.SubjectKey, rec.Priority, rec.Title,
		rec.Rationale, rec.EstimatedImpact.Value.String(), rec.EstimatedImpact.Unit,
		rec.Status, rec.MeasuredOutcome, rec.Version).Scan(&rec.CreatedAt, &rec.StatusUpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateActive
	}
	return err
}

func (r *recRepoPG) GetByID(ctx context.Context, tenantID db.TenantID, id uuid.UUID) (*Recommendation, error) {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return r.scanRec(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recCols+` FROM bi_recommendation WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *recRepoPG) FindActive(ctx context.Context, tenantID db.TenantID, typ Type, subjectKey string) (*Recommendation, error) {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return r.scanRec(r.conn(ctx).QueryRow(ctx, `
		SELECT `+recCols+` FROM bi_recommendation
		WHERE tenant_id = $1 AND type = $2 AND subject_key = $3
			AND status NOT IN ('rejected', 'measured')`,
		tenantID, typ, subjectKey))
}

func (r *recRepoPG) Update(ctx context.Context, rec *Recommendation) error {
	if err := db.CheckTenant(ctx, rec.TenantID); err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bi_recommendation SET priority=$4, title=$5, rationale=$6,
			impact_value=$7::numeric, impact_unit=$8, status=$9, status_updated_at=$10,
			measured_outcome=$11, version = version + 1
		WHERE tenant_id = $1 AND id = $2 AND version = $3`,
		rec.TenantID, rec.ID, rec.Version, rec.Priority, rec.Title, rec.Rationale,
		rec.EstimatedImpact.Value.String(), rec.EstimatedImpact.Unit, rec.Status,
		rec.StatusUpdatedAt, rec.MeasuredOutcome)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	rec.Version++
	return nil
}

func (r *recRepoPG) List(ctx context.Context, tenantID db.TenantID, f Filter, limit, offset int) ([]*Recommendation, int, error) {
	if err := db.CheckTenant(ctx, tenantID); err != nil {
		return nil, 0, err
	}
	clauses := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	add := func(col string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Type != "" {
		add("type", f.Type)
	}
	if f.Priority != "" {
		add("priority", f.Priority)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	where := " WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bi_recommendation`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT `+recCols+` FROM bi_recommendation%s
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at DESC, id
		LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Recommendation
	for rows.Next() {
		rec, err := r.scanRec(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}
