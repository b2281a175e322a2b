package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/diycloud/usermgmt/internal/auth"
	"github.com/diycloud/usermgmt/internal/db/bunx"
	"github.com/diycloud/usermgmt/internal/enforcement"
	"github.com/diycloud/usermgmt/internal/extcall"
	"github.com/diycloud/usermgmt/internal/jobs"
	"github.com/diycloud/usermgmt/internal/migrations"
	"github.com/diycloud/usermgmt/internal/repository"
	"github.com/diycloud/usermgmt/internal/server"
	"github.com/diycloud/usermgmt/internal/services/accounts"
	"github.com/diycloud/usermgmt/internal/services/audit"
	"github.com/diycloud/usermgmt/internal/services/identity"
	"github.com/diycloud/usermgmt/internal/services/resources"
	"github.com/diycloud/usermgmt/internal/telemetry"
	"github.com/diycloud/usermgmt/internal/usage"
)

// shutdownTimeout bounds graceful drain of in-flight requests and jobs.
const shutdownTimeout = 10 * time.Second

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the usermgmt API server",
	Long:  `Starts the HTTP API together with the session reaper and quota reconciler jobs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		logger.Info().Str("dialect", db.Dialect().Name().String()).Msg("connected to database")

		if autoMigrate {
			group, err := migrations.Apply(cmd.Context(), db)
			if err != nil {
				return err
			}
			if !group.IsZero() {
				logger.Info().Int64("group", group.ID).Msg("applied migrations")
			}
		}

		store := repository.NewBunStore(db)

		gate, err := auth.NewGate()
		if err != nil {
			return fmt.Errorf("configure authorization gate: %w", err)
		}

		externalMetrics, err := telemetry.NewExternalMetrics()
		if err != nil {
			return fmt.Errorf("create external metrics: %w", err)
		}
		serverMetrics, err := telemetry.NewServerMetrics()
		if err != nil {
			return fmt.Errorf("create server metrics: %w", err)
		}

		limiter := extcall.NewLimiter(cfg.External.MaxConcurrency, cfg.External.Timeout)
		runner := extcall.NewExecRunner(limiter)
		provisioner := enforcement.NewScriptProvisioner(runner, cfg.External.ScriptsDir)
		introspector := usage.NewHostIntrospector(limiter, runner, cfg.Accounts.HomeRoot)

		auditSvc := audit.NewService(store).WithLogger(logger)
		identitySvc := identity.NewService(store, auditSvc).
			WithTTL(cfg.Session.TTL).
			WithLogger(logger)
		accountSvc := accounts.NewService(store, provisioner, gate, auditSvc).
			WithRootUsername(cfg.Accounts.RootUsername).
			WithMetrics(externalMetrics).
			WithLogger(logger)
		resourceSvc := resources.NewService(store, gate, introspector).
			WithHomeRoot(cfg.Accounts.HomeRoot).
			WithLogger(logger)

		corsOpts := server.DefaultCORSOptions(cfg.CORS.AllowedOrigins)
		r := server.NewRouter(server.RouterOptions{
			Identity:    identitySvc,
			Accounts:    accountSvc,
			Resources:   resourceSvc,
			Audit:       auditSvc,
			Gate:        gate,
			Logger:      logger,
			Metrics:     serverMetrics,
			CORSOptions: &corsOpts,
		})

		scheduler := jobs.NewScheduler(identitySvc, accountSvc, jobs.Schedules{
			SessionReap:    cfg.Session.ReapSchedule,
			QuotaReconcile: cfg.Reconcile.Schedule,
		}, logger)
		if err := scheduler.Start(); err != nil {
			return err
		}

		// Writes may wait for a provisioning call, so the write timeout outlives it.
		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: cfg.External.Timeout + 15*time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.ServerAddr).Msg("starting server")
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(shutdown)

		select {
		case err := <-serverErrors:
			scheduler.Stop(shutdownTimeout)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			scheduler.Stop(shutdownTimeout)

			logger.Info().Msg("server stopped")
			return nil
		}
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "Apply pending database migrations before serving")
	rootCmd.AddCommand(serveCmd)
}
