package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"keymint/internal/audit"
	"keymint/internal/config"
	"keymint/internal/infrastructure"
	"keymint/internal/license"
	customMiddleware "keymint/internal/middleware"
	"keymint/internal/provision"
	"keymint/internal/security"
	"keymint/internal/services"
	"keymint/internal/store"
	transport "keymint/internal/transport/http"
	"keymint/internal/webhook"
)

// Version is stamped at build time
var Version = "dev"

// Application holds the wired service graph and the HTTP server lifecycle
type Application struct {
	cfg    *config.Config
	logger *slog.Logger
	otel   *infrastructure.OTelProviders

	auditLog   *audit.Log
	auditFile  *audit.FileStore
	licenses   *store.MemoryLicenseStore
	events     *store.MemoryEventStore
	machine    *provision.Machine
	licenseSvc services.LicenseService
	webhookSvc services.WebhookService

	router chi.Router
	server *http.Server
}

// NewApplication loads configuration and wires all dependencies.
// Business logic lives in the internal service packages; this only
// assembles them.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(Version)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}

	a := &Application{
		cfg:    cfg,
		logger: logger,
		otel:   otelProviders,
	}
	if err := a.initializeServices(); err != nil {
		return nil, err
	}
	a.setupRouter()
	a.createServer()
	return a, nil
}

// initializeServices builds the dependency graph bottom-up
func (a *Application) initializeServices() error {
	signer, err := a.loadSigningContext()
	if err != nil {
		// No silent fallback to unsigned keys: a missing signing key is
		// fatal at startup, not a degraded mode.
		return fmt.Errorf("signing context: %w", err)
	}

	auditStore, err := a.openAuditStore()
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	a.auditLog = audit.NewLog(auditStore, a.logger)
	if err := a.auditLog.Resume(context.Background()); err != nil {
		return err
	}

	a.licenses = store.NewMemoryLicenseStore()
	a.events = store.NewMemoryEventStore()

	generator := license.NewGenerator(signer, a.logger)
	validator := license.NewValidator(signer, a.licenses, a.auditLog, a.cfg.Security.FailClosed, a.logger)
	a.machine = provision.NewMachine(a.licenses, a.events, generator, a.auditLog, a.logger)

	guard := webhook.NewGuard(
		[]webhook.Provider{
			webhook.NewStripeProvider(a.cfg.Webhook.StripeSecret),
			webhook.NewPayPalProvider(a.cfg.Webhook.PayPalSecret),
		},
		a.events, a.auditLog, a.cfg.Webhook.Tolerance, a.logger,
	)

	metrics, err := services.NewMetrics(a.otel.Meter)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	a.licenseSvc = services.NewLicenseService(validator, a.licenses, metrics, a.logger)
	a.webhookSvc = services.NewWebhookService(guard, a.machine, a.events, metrics, a.logger)
	return nil
}

// loadSigningContext opens the sealed keystore, generating and sealing a
// fresh keypair on first run when a passphrase is configured.
func (a *Application) loadSigningContext() (*license.SigningContext, error) {
	if a.cfg.Signing.Ephemeral {
		a.logger.Warn("using ephemeral signing key; issued licenses will not verify after restart")
		return license.NewEphemeralSigningContext()
	}

	keystore := security.NewKeystore()
	if _, err := os.Stat(a.cfg.Signing.KeyFile); os.IsNotExist(err) {
		// First run: mint and seal a keypair.
		_, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, genErr
		}
		if sealErr := keystore.Seal(a.cfg.Signing.KeyFile, a.cfg.Signing.Passphrase, priv); sealErr != nil {
			return nil, sealErr
		}
		a.logger.Info("generated and sealed new signing key", slog.String("path", a.cfg.Signing.KeyFile))
		return license.NewSigningContext(priv)
	}

	priv, err := keystore.Open(a.cfg.Signing.KeyFile, a.cfg.Signing.Passphrase)
	if err != nil {
		return nil, err
	}
	return license.NewSigningContext(priv)
}

func (a *Application) openAuditStore() (audit.Store, error) {
	if a.cfg.Audit.File == "" {
		return audit.NewMemoryStore(), nil
	}
	fileStore, err := audit.NewFileStore(a.cfg.Audit.File)
	if err != nil {
		return nil, err
	}
	a.auditFile = fileStore
	return fileStore, nil
}

// setupRouter assembles the middleware chain and mounts the API
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(customMiddleware.StructuredLogger(a.logger))
	r.Use(customMiddleware.Recoverer(a.logger))
	if a.cfg.Security.RateLimit.Enabled {
		r.Use(customMiddleware.NewRateLimiter(a.cfg.Security.RateLimit).Handler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Mount("/health", transport.NewHealthHandler(Version).Routes())
		r.Mount("/license", transport.NewLicenseHandler(a.licenseSvc, a.logger).Routes())
		r.Mount("/webhooks", transport.NewWebhookHandler(a.webhookSvc, a.cfg.Webhook, a.logger).Routes())
		r.Mount("/audit", transport.NewAuditHandler(a.auditLog, a.logger).Routes())
	})
	r.Handle("/metrics", a.otel.PrometheusHTTP)

	a.router = r
}

func (a *Application) createServer() {
	a.server = &http.Server{
		Addr:           a.cfg.Server.Address(),
		Handler:        a.router,
		ReadTimeout:    a.cfg.Server.ReadTimeout,
		WriteTimeout:   a.cfg.Server.WriteTimeout,
		IdleTimeout:    a.cfg.Server.IdleTimeout,
		MaxHeaderBytes: a.cfg.Server.MaxHeaderBytes,
	}
}

// Run starts the application and blocks until shutdown
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Converge license state with any events admitted before a crash.
	// Startup has no inbound request, so mint a trace id for the replay.
	if err := a.machine.Reconcile(infrastructure.EnsureTraceID(ctx)); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("keymint listening",
			slog.String("addr", a.server.Addr),
			slog.String("version", Version),
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Fires on SIGINT/SIGTERM or when the listener fails.
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.Stop(shutdownCtx)
	})
	return g.Wait()
}

// Stop gracefully shuts the server and flushes telemetry and audit state
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("shutting down")

	var firstErr error
	if err := a.server.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := a.otel.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.auditFile != nil {
		if err := a.auditFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := infrastructure.CloseLogFile(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
