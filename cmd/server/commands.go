package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/canvas-engine/internal/api"
	"github.com/example/canvas-engine/internal/config"
	"github.com/example/canvas-engine/internal/observability"
	"github.com/example/canvas-engine/internal/presence"
	"github.com/example/canvas-engine/internal/snapshot"
	"github.com/example/canvas-engine/internal/types"
	"github.com/example/canvas-engine/internal/ws"
)

const tokenIssuer = "canvas-engine"

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, realtime gateway and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the relational schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger := observability.NewLogger(cfg.LogLevel, cfg.AppName)
			// Resources migrate the relational store as part of startup.
			resources, err := config.NewResources(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			logger.Info().Msg("schema up to date")
			return resources.Close()
		},
	}
}

func reconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <canvasId>...",
		Short: "Rebuild the entity relations of canvases from their documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger := observability.NewLogger(cfg.LogLevel, cfg.AppName)
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			var errs []error
			for _, id := range args {
				result, err := a.canvases.Reconcile(cmd.Context(), types.CanvasID(id))
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				_ = enc.Encode(map[string]any{"canvasId": id, "added": result.Added, "removed": result.Removed})
			}
			return errors.Join(errs...)
		},
	}
}

func tokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <uid>",
		Short: "Issue a bearer token for a user (development only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens := api.NewTokens(api.TokenConfig{
				SigningSecret: []byte(viper.GetString("auth.signing_secret")),
				Issuer:        tokenIssuer,
				TokenTTL:      ttl,
			})
			token, err := tokens.Issue(types.UserID(args[0]))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if cfg.SigningSecret == "" {
		return errors.New("auth.signing_secret is required")
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.AppName)
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer telemetryShutdown(context.Background())

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	go func() {
		if err := a.worker(logger).Run(workerCtx); err != nil {
			logger.Error().Err(err).Msg("queue worker stopped")
		}
	}()
	snapshot.NewWorker(a.sessions, cfg.FlushInterval, logger).Start(workerCtx)
	if a.broadcaster != nil {
		a.broadcaster.Start(workerCtx, a.sessions.HandleRemote)
	}

	gatewayCfg := ws.GatewayConfig{}
	if a.resources.Redis != nil {
		tracker := presence.NewService(a.resources.Redis, logger)
		tracker.Start(workerCtx)
		gatewayCfg.Presence = tracker
	}
	gateway, err := ws.NewGateway(a.sessions, ws.NewConnectionRegistry(), logger, gatewayCfg)
	if err != nil {
		return err
	}
	handler, err := api.NewHTTPHandler(api.Dependencies{
		Canvases: a.canvases,
		Tokens: api.NewTokens(api.TokenConfig{
			SigningSecret: []byte(cfg.SigningSecret),
			Issuer:        tokenIssuer,
		}),
		Gateway: gateway,
		Health:  a.resources.HealthCheck,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.resources.HealthCheck(ctx); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Close editors first so their sessions flush, then persist whatever
	// programmatic rooms remain dirty.
	gateway.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	cancelWorkers()
	if n, err := a.sessions.FlushDirty(shutdownCtx); err != nil {
		logger.Error().Err(err).Int("flushed", n).Msg("final flush incomplete")
	} else {
		logger.Info().Int("flushed", n).Msg("final flush complete")
	}

	logger.Info().Msg("shutdown complete")
	return serveErr
}

