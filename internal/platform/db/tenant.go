package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
	DBTxKey     contextKey = "db_tx"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ErrCrossTenant is returned when a call names a tenant other than the one
// bound to the request.
var ErrCrossTenant = errors.New("cross-tenant access denied")

// TenantID identifies a practice. Repositories take it as an explicit argument.
type TenantID string

// ParseTenantID validates a raw tenant identifier.
func ParseTenantID(s string) (TenantID, error) {
	if !tenantIDPattern.MatchString(s) {
		return "", fmt.Errorf("invalid tenant identifier: %q", s)
	}
	return TenantID(s), nil
}

func (t TenantID) String() string { return string(t) }

// Schema returns the Postgres schema holding the tenant's tables.
func (t TenantID) Schema() string { return "tenant_" + string(t) }

// CheckTenant verifies tenantID is well formed and, when a tenant is bound to
// ctx, that it is the same one.
func CheckTenant(ctx context.Context, tenantID TenantID) error {
	if !tenantIDPattern.MatchString(string(tenantID)) {
		return fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	if bound := TenantFromContext(ctx); bound != "" && bound != string(tenantID) {
		return fmt.Errorf("%w: request tenant %s, requested %s", ErrCrossTenant, bound, tenantID)
	}
	return nil
}

func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := ParseTenantID(extractTenantID(c, defaultTenant))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx, release, err := AcquireTenant(c.Request().Context(), pool, tenantID)
			if err != nil {
				if errors.Is(err, errAcquire) {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
				}
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", string(tenantID))
			c.Set("db", ConnFromContext(ctx))

			return next(c)
		}
	}
}

var errAcquire = errors.New("acquire connection")

// AcquireTenant takes a pooled connection, points its search_path at the
// tenant schema and binds both to the returned context. release must be
// called when the work is done.
func AcquireTenant(ctx context.Context, pool *pgxpool.Pool, tenantID TenantID) (context.Context, func(), error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, func() {}, fmt.Errorf("%w: %v", errAcquire, err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", tenantID.Schema())); err != nil {
		conn.Release()
		return ctx, func() {}, fmt.Errorf("set search_path for %s: %w", tenantID, err)
	}
	ctx = WithTenant(ctx, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, conn.Release, nil
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	// 1. Check JWT claim (set by auth middleware)
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}

	// 2. Check X-Tenant-ID header
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}

	// 3. Check query parameter
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}

	return defaultTenant
}

// WithTenant binds a tenant to ctx. Batch runs use it outside HTTP requests.
func WithTenant(ctx context.Context, tenantID TenantID) context.Context {
	return context.WithValue(ctx, TenantIDKey, string(tenantID))
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves the active transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the request connection and stores it in the
// returned context. The caller commits or rolls back.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, fmt.Errorf("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// ErrNoTenant is returned when no tenant is bound to the context.
var ErrNoTenant = errors.New("no tenant bound to context")

// RequireTenant returns the tenant bound to ctx.
func RequireTenant(ctx context.Context) (TenantID, error) {
	tid := TenantFromContext(ctx)
	if tid == "" {
		return "", ErrNoTenant
	}
	return ParseTenantID(tid)
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates a new schema for a tenant and runs all migrations against it.
// If migrationsDir is empty, migrations are skipped.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrationsDir string) error {
	tid, err := ParseTenantID(tenantID)
	if err != nil {
		return err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", tid.Schema()))
	if err != nil {
		return fmt.Errorf("create schema %s: %w", tid.Schema(), err)
	}

	if migrationsDir != "" {
		migrator := NewMigrator(pool, migrationsDir)
		if _, err := migrator.Up(ctx, tid.Schema()); err != nil {
			return fmt.Errorf("run migrations for %s: %w", tid.Schema(), err)
		}
	}

	return nil
}

// ListTenants returns the tenants that have a provisioned schema.
func ListTenants(ctx context.Context, pool *pgxpool.Pool) ([]TenantID, error) {
	rows, err := pool.Query(ctx,
		`SELECT substring(schema_name from 8) FROM information_schema.schemata
		 WHERE schema_name LIKE 'tenant\_%' ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	defer rows.Close()

	var tenants []TenantID
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if tid, err := ParseTenantID(name); err == nil {
			tenants = append(tenants, tid)
		}
	}
	return tenants, rows.Err()
}
