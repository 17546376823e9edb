package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/ehr/revleak/internal/domain/leak"
	"github.com/ehr/revleak/internal/domain/reconciliation"
	"github.com/ehr/revleak/internal/platform/db"
	"github.com/ehr/revleak/internal/platform/middleware"
	"github.com/ehr/revleak/migrations"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "revleak",
		Short:         "Revenue leak detection and daily reconciliation",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(leaksCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			nightly, _ := cmd.Flags().GetBool("nightly-scan")
			tenants, _ := cmd.Flags().GetStringSlice("nightly-tenants")
			return runServer(nightly, tenants)
		},
	}
	cmd.Flags().Bool("nightly-scan", false, "Scan the previous day every night at SCAN_SCHEDULE_HOUR")
	cmd.Flags().StringSlice("nightly-tenants", nil, "Tenants covered by the nightly scan (defaults to DEFAULT_TENANT)")
	return cmd
}

// newServer builds the echo instance with every middleware and route.
func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, "X-Tenant-ID", middleware.ActorHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	// Scans can legitimately outlive an ordinary request.
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, "/api/v1/revenue-leaks/scan"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, db.NewMigrator(a.pool, migrations.FS), a.cfg.DefaultTenant))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(db.TenantMiddleware(a.pool, a.cfg.DefaultTenant))
	apiV1.Use(middleware.Actor())

	leak.NewHandler(a.leaks, a.loc, a.exponent).RegisterRoutes(apiV1)
	reconciliation.NewHandler(a.aggregator, a.exponent).RegisterRoutes(apiV1)
	return e
}

func runServer(nightly bool, tenants []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.close()
	logger.Info().Msg("connected to database")

	e := newServer(a)

	if nightly {
		if len(tenants) == 0 {
			tenants = []string{cfg.DefaultTenant}
		}
		go runNightly(ctx, a, cfg.ScanScheduleHour, tenants)
		logger.Info().Int("hour", cfg.ScanScheduleHour).Strs("tenants", tenants).Msg("nightly scan enabled")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := schemaFlag(cmd)
			if err != nil {
				return err
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool, m *db.Migrator) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := schemaFlag(cmd)
			if err != nil {
				return err
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool, m *db.Migrator) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(statusCmd)
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply every migration to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("tenant")
			if name == "" {
				return fmt.Errorf("--tenant is required")
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool, m *db.Migrator) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
				if err := db.CreateTenantSchema(ctx, pool, name, m); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
				return nil
			})
		},
	}
	cmd.AddCommand(createCmd)
	return cmd
}

// schemaFlag resolves --tenant (or DEFAULT_TENANT) to its schema name.
func schemaFlag(cmd *cobra.Command) (string, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		tenant = os.Getenv("DEFAULT_TENANT")
	}
	if tenant == "" {
		tenant = "default"
	}
	if !db.ValidTenantID(tenant) {
		return "", fmt.Errorf("invalid tenant identifier: %s", tenant)
	}
	return db.SchemaName(tenant), nil
}

// withPool opens a pool for a maintenance command without wiring the rest
// of the application.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool, m *db.Migrator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool, db.NewMigrator(pool, migrations.FS))
}
