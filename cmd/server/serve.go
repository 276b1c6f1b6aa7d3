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

	"checkout-service/internal/factory"
	"checkout-service/internal/handler"
	"checkout-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	f, err := factory.NewFactory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize factory: %w", err)
	}
	defer f.Close()

	router := setupRouter(f)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	servers := []*http.Server{server}

	if cfg.Server.EnableTLS {
		tlsManager := f.TLSManager()
		server.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
		server.TLSConfig = tlsManager.GetTLSConfig()

		// ACME HTTP-01 challenges and redirects to HTTPS.
		if acme := tlsManager.AutocertManager(); acme != nil {
			servers = append(servers, &http.Server{
				Addr:              cfg.GetServerAddress(),
				Handler:           acme.HTTPHandler(nil),
				ReadHeaderTimeout: 5 * time.Second,
			})
		}
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		go func(srv *http.Server, primary bool) {
			var err error
			if primary && srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}(srv, i == 0)
	}

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
	)

	select {
	case <-ctx.Done():
		util.Info("Received shutdown signal")
	case err := <-errCh:
		util.Error("Server failed", util.ErrorField(err))
		shutdown(servers)
		return err
	}

	shutdown(servers)
	return nil
}

func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	services := f.ServiceFactory()
	logger := util.Get()
	maxBody := cfg.Server.MaxBodyBytes

	return handler.NewRouter(
		handler.RouterConfig{
			RequireTLS:     cfg.Server.EnableTLS,
			AllowedOrigins: cfg.Server.CORSOrigins,
			RequestTimeout: cfg.Server.WriteTimeout,
		},
		handler.Handlers{
			OTP:      handler.NewOTPHandler(services.OTPService(), maxBody, logger),
			Payments: handler.NewPaymentHandler(services.PaymentService(), services.Reconciler(), maxBody, logger),
			Webhooks: handler.NewWebhookHandler(services.WebhookVerifier(), maxBody, logger),
			Health:   handler.NewHealthHandler(f.HealthCheckers(), logger),
		},
		logger,
	)
}

func shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.String("address", srv.Addr), util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
}
