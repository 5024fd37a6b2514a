package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ils/insight/internal/config"
	"github.com/ils/insight/internal/domain/sales"
	"github.com/ils/insight/internal/platform/db"
	"github.com/ils/insight/internal/platform/metrics"
	"github.com/ils/insight/internal/platform/sandbox"
)

// connect loads configuration and opens a pool. Only DATABASE_URL is required
// here; operational commands do not need auth settings.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func schemaFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "", "Target schema (default: schema of --tenant)")
	cmd.Flags().String("tenant", "default", "Tenant whose schema is migrated")
	cmd.Flags().String("dir", "", "Path to migrations directory (default: MIGRATIONS_DIR)")
}

// resolveSchema prefers --schema, falling back to the tenant's schema.
func resolveSchema(cmd *cobra.Command) (string, error) {
	if schema, _ := cmd.Flags().GetString("schema"); schema != "" {
		return schema, nil
	}
	name, _ := cmd.Flags().GetString("tenant")
	tid, err := db.ParseTenantID(name)
	if err != nil {
		return "", err
	}
	return tid.Schema(), nil
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := resolveSchema(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrationsDir(cmd, cfg)).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s).\n", count)
			return nil
		},
	}
	schemaFlags(upCmd)

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := resolveSchema(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			m, err := db.NewMigrator(pool, migrationsDir(cmd, cfg)).Down(ctx, schema)
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			if m == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Nothing to roll back in %s.\n", schema)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %s in %s.\n", m.Name, schema)
			return nil
		},
	}
	schemaFlags(downCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := resolveSchema(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsDir(cmd, cfg)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	schemaFlags(statusCmd)

	cmd.AddCommand(upCmd, downCmd, statusCmd)
	return cmd
}

func printMigrationStatus(out io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			tid, err := db.ParseTenantID(name)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", tid.Schema())
			if err := db.CreateTenantSchema(ctx, pool, name, migrationsDir(cmd, cfg)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (letters, digits, underscore)")
	createCmd.Flags().String("dir", "", "Path to migrations directory (default: MIGRATIONS_DIR)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List provisioned tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			tenants, err := db.ListTenants(ctx, pool)
			if err != nil {
				return err
			}
			for _, t := range tenants {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run the recommendation batch outside the scheduler",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Aggregate sales history and synthesize recommendations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			all, _ := cmd.Flags().GetBool("all")
			months, _ := cmd.Flags().GetInt("window-months")
			if (tenant == "") == !all {
				return fmt.Errorf("exactly one of --tenant or --all is required")
			}

			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg, os.Stderr)
			pub, err := newPublisher(cfg, logger)
			if err != nil {
				return err
			}
			if c, ok := pub.(io.Closer); ok {
				defer c.Close()
			}
			svc, err := newServices(cfg, pool, pub, metrics.NewRegistry(), logger)
			if err != nil {
				return err
			}
			if months <= 0 {
				months = cfg.BatchWindowMonths
			}
			w := sales.TrailingMonths(time.Now(), months)

			var tenants []db.TenantID
			if all {
				if tenants, err = db.ListTenants(ctx, pool); err != nil {
					return err
				}
			} else {
				tid, err := db.ParseTenantID(tenant)
				if err != nil {
					return err
				}
				tenants = []db.TenantID{tid}
			}

			summaries, runErr := svc.runner.RunAll(ctx, tenants, w, cfg.BatchConcurrency)
			if err := writeJSON(cmd.OutOrStdout(), summaries); err != nil {
				return err
			}
			return runErr
		},
	}
	runCmd.Flags().String("tenant", "", "Tenant to run")
	runCmd.Flags().Bool("all", false, "Run every provisioned tenant")
	runCmd.Flags().Int("window-months", 0, "Trailing window in months (default: BATCH_WINDOW_MONTHS)")

	cmd.AddCommand(runCmd)
	return cmd
}

func seedConfigFromFlags(cmd *cobra.Command) sandbox.SeedConfig {
	cfg := sandbox.DefaultSeedConfig()
	cfg.Months, _ = cmd.Flags().GetInt("months")
	cfg.InvoicesPerMonth, _ = cmd.Flags().GetInt("per-month")
	cfg.ErrorRate, _ = cmd.Flags().GetFloat64("error-rate")
	cfg.Seed, _ = cmd.Flags().GetInt64("seed")
	return cfg
}

func seedFlags(cmd *cobra.Command) {
	def := sandbox.DefaultSeedConfig()
	cmd.Flags().Int("months", def.Months, "Months of history to generate")
	cmd.Flags().Int("per-month", def.InvoicesPerMonth, "Invoices per month")
	cmd.Flags().Float64("error-rate", def.ErrorRate, "Share of orders with a production error")
	cmd.Flags().Int64("seed", def.Seed, "Random seed")
}

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Generate synthetic lab history for demos",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write synthetic history to an .xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("out")
			if path == "" {
				return fmt.Errorf("--out is required")
			}
			s := sandbox.NewSeeder(seedConfigFromFlags(cmd))
			res, err := s.Generate()
			if err != nil {
				return err
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := s.ExportWorkbook(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	exportCmd.Flags().String("out", "", "Destination workbook")
	seedFlags(exportCmd)

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert synthetic history into a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("tenant")
			tid, err := db.ParseTenantID(name)
			if err != nil {
				return err
			}
			s := sandbox.NewSeeder(seedConfigFromFlags(cmd))
			res, err := s.Generate()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			tctx, release, err := db.AcquireTenant(ctx, pool, tid)
			if err != nil {
				return err
			}
			defer release()
			if err := s.Persist(tctx, db.ConnFromContext(tctx), tid); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	seedCmd.Flags().String("tenant", "", "Tenant to seed")
	seedFlags(seedCmd)

	cmd.AddCommand(exportCmd, seedCmd)
	return cmd
}
