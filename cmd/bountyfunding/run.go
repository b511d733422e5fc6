package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bountyfunding/bountyfunding/internal/config"
	"github.com/bountyfunding/bountyfunding/internal/handler"
	"github.com/bountyfunding/bountyfunding/internal/mailing"
	"github.com/bountyfunding/bountyfunding/internal/middleware"
	"github.com/bountyfunding/bountyfunding/internal/paypal"
	"github.com/bountyfunding/bountyfunding/internal/service"
	"github.com/bountyfunding/bountyfunding/internal/telemetry"
	"github.com/bountyfunding/bountyfunding/internal/tracker"
)

func runCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(cmd.Flags(), &cfg); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			return run(cmd.Context(), &cfg)
		},
	}

	config.BindFlags(cmd.Flags(), &cfg)
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("logger initialization error: %w", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry initialization error: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			sugar.Warnw("telemetry shutdown error", "error", err)
		}
	}()

	repo, err := openRepository(cfg.DatabaseURI)
	if err != nil {
		return fmt.Errorf("database initialization error: %w", err)
	}

	svc, err := newService(cfg, repo, logger)
	if err != nil {
		_ = repo.Close()
		return err
	}
	defer svc.Close()

	tokenMiddleware := middleware.NewTokenMiddleware(cfg.APIToken)
	h := handler.NewHandler(svc, logger, tokenMiddleware, version, cfg.RequestTimeout)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Оповещение трекера о письмах в очереди
	g.Go(func() error {
		svc.RunNotifier(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting bountyfunding server",
			"addr", cfg.RunAddress,
			"database", redactURI(cfg.DatabaseURI),
			"version", version,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

// newService собирает сервис и внешние адаптеры. Не заданные адаптеры остаются nil.
func newService(cfg *config.Config, repo service.Repository, logger *zap.Logger) (*service.Service, error) {
	gateways, err := cfg.Gateways()
	if err != nil {
		return nil, err
	}

	renderer, err := mailing.NewRenderer(cfg.TrackerURL)
	if err != nil {
		return nil, fmt.Errorf("mail templates: %w", err)
	}

	opts := service.Options{
		DeleteAllow:    cfg.DeleteAllow,
		Gateways:       gateways,
		NotifyInterval: cfg.NotifyInterval,
		NotifyTimeout:  cfg.NotifyTimeout,
		Renderer:       renderer,
	}

	if cfg.PayPal.Configured() {
		opts.PayPal = paypal.NewClient(paypal.Config{
			BaseURL:      paypal.BaseURL(cfg.PayPal.Mode),
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			Timeout:      cfg.PayPal.Timeout,
		})
	} else {
		logger.Info("paypal credentials are not set, PAYPAL gateway will be unavailable")
	}

	if cfg.TrackerURL != "" {
		opts.Tracker = tracker.NewClient(cfg.TrackerURL, cfg.NotifyTimeout)
	}

	return service.NewService(repo, opts, logger), nil
}
