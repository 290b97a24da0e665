package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"

	"github.com/obobridge/obo-bridge/internal/agent"
	"github.com/obobridge/obo-bridge/internal/audit"
	"github.com/obobridge/obo-bridge/internal/authz"
	"github.com/obobridge/obo-bridge/internal/config"
	"github.com/obobridge/obo-bridge/internal/entra"
	"github.com/obobridge/obo-bridge/internal/observe"
	"github.com/obobridge/obo-bridge/internal/server"
	"github.com/obobridge/obo-bridge/internal/session"
	"github.com/obobridge/obo-bridge/internal/tokencache"
	"github.com/obobridge/obo-bridge/internal/vendor"
)

func configureServerRoutes(ctx context.Context, cfg config.Config, shutdown *server.ShutdownHooks) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Given the current API shape, this is not configurable.
	requestLimitBytes := int64(256 << 10) // 256 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	// broker and stores
	broker, err := entra.New(ctx, cfg.Entra)
	if err != nil {
		return nil, fmt.Errorf("broker configuration failed: %w", err)
	}

	tokenStore, err := tokencache.NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("token store configuration failed: %w", err)
	}
	shutdown.AddContext("token store", tokenStore.Close)

	ownerStore, err := authz.NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("ownership store configuration failed: %w", err)
	}
	shutdown.AddContext("ownership store", ownerStore.Close)

	sessionStore, err := session.NewStore(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("session store configuration failed: %w", err)
	}
	shutdown.AddClose("session store", sessionStore)

	sessions := session.NewManager(cfg.Session, sessionStore)
	gate := authz.NewGate(ownerStore)

	tokenVendor := vendor.New(broker, tokenStore, map[tokencache.Resource][]string{
		tokencache.ResourceGraph: cfg.Entra.GraphScopes,
		tokencache.ResourceARM:   cfg.Entra.ARMScopes,
	})

	agentClient := agent.New(cfg.Agent, http.DefaultClient)

	authenticated := alice.New(requestLimiter, auditor, sessions.Middleware())
	public := alice.New(requestLimiter, auditor)
	standardRouteMiddleware := alice.New(requestLimiter)

	// login flow routes: no session required
	mux.Handle("GET /auth/login", public.Then(handleAuthLogin(broker, cfg.Session)))
	mux.Handle("GET /auth/callback", public.Then(handleAuthCallback(broker, tokenStore, sessions)))
	mux.Handle("GET /auth/status", public.Then(handleAuthStatus(sessions)))
	mux.Handle("GET /auth/logout", public.Then(handleAuthLogout(sessions)))

	// session-bound routes
	mux.Handle("GET /auth/tokens", authenticated.Then(handleAuthTokens(tokenVendor)))
	mux.Handle("POST /threads", authenticated.Then(handleThreadCreate(gate, tokenVendor, agentClient)))
	mux.Handle("POST /threads/{id}/runs", authenticated.Then(handleThreadRun(gate, tokenVendor, agentClient)))

	// healthchecks are not included in telemetry or authorization
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure the shared outgoing HTTP client, instrumented when
	// telemetry is enabled
	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	// setup routing and dependencies; teardown accumulates as resources
	// are created
	shutdown := &server.ShutdownHooks{}
	handler, err := configureServerRoutes(ctx, cfg, shutdown)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	err = serveHTTP(cfg.Server, httpServer, shutdown)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// serveHTTP runs the server until SIGINT/SIGTERM, then drains in-flight
// requests and executes the shutdown hooks, bounded by the configured
// timeout.
func serveHTTP(cfg config.ServerConfig, httpServer *http.Server, shutdown *server.ShutdownHooks) error {
	errCh := make(chan error, 1)

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-signalCtx.Done():
	}

	log.Info().Msg("shutdown signal received")

	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}

	shutdown.Execute(shutdownCtx)

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows per-logger levels to be
	// configured separately, including the audit level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
