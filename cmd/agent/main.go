package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"basegraph.app/triage/common/clock"
	"basegraph.app/triage/common/id"
	"basegraph.app/triage/common/logger"
	"basegraph.app/triage/common/otel"
	"basegraph.app/triage/core/config"
	"basegraph.app/triage/internal/action"
	"basegraph.app/triage/internal/agent"
	"basegraph.app/triage/internal/broker"
	"basegraph.app/triage/internal/calendar"
	"basegraph.app/triage/internal/http/middleware"
	httprouter "basegraph.app/triage/internal/http/router"
	"basegraph.app/triage/internal/metrics"
)

const serviceName = "triage-agent"

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeAgent)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "triage agent starting",
		"env", cfg.Env,
		"broker", cfg.Broker.Driver,
		"calendar", cfg.Agent.CalendarBaseURL)

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	client, err := broker.New(ctx, cfg.Broker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create broker client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	executor := action.NewExecutor(calendar.New(cfg.Agent.CalendarBaseURL, cfg.Agent.CalendarTimeout), clock.Real())
	svc := agent.NewService(client, executor, agent.Topics{
		Actions:  cfg.Broker.ActionsTopic,
		Outcomes: cfg.Broker.OutcomesTopic,
	}, m.AgentHooks())

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, svc, metrics.Handler(reg))
	server := &http.Server{
		Addr:              ":" + cfg.Agent.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Agent.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, svc *agent.Service, metricsHandler http.Handler) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger("/health", "/metrics"))

	httprouter.SetupRoutes(router, svc, httprouter.RouterConfig{
		ServiceName: serviceName,
		Metrics:     metricsHandler,
	})

	return router
}

const banner = `
████████╗ ██████╗  ██╗  █████╗   ██████╗  ███████╗
╚══██╔══╝ ██╔══██╗ ██║ ██╔══██╗ ██╔════╝  ██╔════╝
   ██║    ██████╔╝ ██║ ███████║ ██║  ███╗ █████╗
   ██║    ██╔══██╗ ██║ ██╔══██║ ██║   ██║ ██╔══╝
   ██║    ██║  ██║ ██║ ██║  ██║ ╚██████╔╝ ███████╗
   ╚═╝    ╚═╝  ╚═╝ ╚═╝ ╚═╝  ╚═╝  ╚═════╝  ╚══════╝
                                 agent
`
