// cmd/delivery/serve.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"entitlement-delivery/internal/api"
	"entitlement-delivery/internal/common/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the entitlement and delivery HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	shutdownObs, _, err := a.initObservability()
	if err != nil {
		return err
	}
	defer func() { _ = shutdownObs(context.Background()) }()

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if a.cfg.Database.Driver == config.DriverSQLite {
		// single-node mode owns its schema
		if err := a.store.Migrate(ctx); err != nil {
			return err
		}
	}
	if err := a.openRedis(ctx); err != nil {
		return err
	}
	if a.cfg.Camunda.Enabled {
		if err := a.openZeebe(); err != nil {
			return err
		}
	}

	engine, issuer, gw, err := a.delivery(ctx)
	if err != nil {
		return err
	}

	var principals api.PrincipalResolver = api.HeaderPrincipal(a.cfg.Auth.HeaderName)
	if a.cfg.Auth.Mode == config.AuthModeKeycloak {
		principals = api.BearerPrincipal{Resolver: a.keycloak()}
	}

	ready := map[string]api.ReadinessCheck{
		"database": func(ctx context.Context) error { return a.store.DB().PingContext(ctx) },
		"redis":    a.redis.Ping,
	}
	if a.zeebe != nil {
		ready["zeebe"] = a.zeebe.HealthCheck
	}

	srv := &http.Server{
		Addr: a.cfg.Server.Address,
		Handler: api.NewRouter(api.Deps{
			Access:         engine,
			Issuer:         issuer,
			Delivery:       gw,
			PassEvents:     engine,
			Principals:     principals,
			Ready:          ready,
			InternalSecret: a.cfg.Server.InternalSecret,
			TrustedProxies: a.cfg.Server.TrustedProxies,
			MaxBodyBytes:   a.cfg.Server.MaxBodyBytes,
			RequestTimeout: config.GetDuration(a.cfg.Server.RequestTimeout),
			Logger:         a.log,
		}),
		ReadTimeout:  config.GetDuration(a.cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(a.cfg.Server.WriteTimeout),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.zapLog.Info("HTTP server listening", zap.String("address", srv.Addr), zap.String("authMode", a.cfg.Auth.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.zapLog.Info("Shutdown signal received, draining HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(a.cfg.Server.ShutdownTimeout))
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
