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

	"basegraph.app/triage/common/clock"
	"basegraph.app/triage/common/id"
	"basegraph.app/triage/common/logger"
	"basegraph.app/triage/common/otel"
	"basegraph.app/triage/core/config"
	"basegraph.app/triage/internal/action"
	"basegraph.app/triage/internal/agent"
	"basegraph.app/triage/internal/broker"
	"basegraph.app/triage/internal/calendar"
	"basegraph.app/triage/internal/deadletter"
	"basegraph.app/triage/internal/gateway"
	"basegraph.app/triage/internal/metrics"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeGateway)
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

	slog.InfoContext(ctx, "triage gateway starting",
		"env", cfg.Env,
		"broker", cfg.Broker.Driver,
		"mode", cfg.Gateway.Mode,
		"group", cfg.Broker.Group,
		"instance", cfg.Broker.Instance,
		"topics", cfg.Broker.InboundTopics)

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
	clk := clock.Real()

	var forwarder gateway.Forwarder
	switch cfg.Gateway.Mode {
	case config.ForwardModeInline:
		executor := action.NewExecutor(calendar.New(cfg.Agent.CalendarBaseURL, cfg.Agent.CalendarTimeout), clk)
		svc := agent.NewService(client, executor, agent.Topics{
			Actions:  cfg.Broker.ActionsTopic,
			Outcomes: cfg.Broker.OutcomesTopic,
		}, m.AgentHooks())
		forwarder = gateway.NewInlineForwarder(svc)
	default:
		forwarder = gateway.NewRemoteForwarder(cfg.Gateway.AgentURL, cfg.Gateway.ForwardTimeout)
		slog.InfoContext(ctx, "forwarding to remote agent", "url", cfg.Gateway.AgentURL)
	}

	consumer := gateway.NewConsumer(
		client,
		forwarder,
		deadletter.NewRouter(client, cfg.Broker.DLQTopic, clk),
		clk,
		gateway.Config{
			Group:        cfg.Broker.Group,
			Instance:     cfg.Broker.Instance,
			Topics:       cfg.Broker.InboundTopics,
			PollTimeout:  cfg.Broker.PollTimeout,
			IdleDelay:    cfg.Gateway.IdleDelay,
			ErrorBackoff: cfg.Gateway.ErrorBackoff,
		},
		m.GatewayHooks(),
	)

	if err := consumer.Start(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to subscribe", "error", err)
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.InfoContext(ctx, "metrics server starting", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "metrics server error", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Run(ctx)
	}()

	slog.InfoContext(ctx, "polling for events")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	// Stop waits for the in-flight record, bounded by the forward timeout.
	stopped := make(chan struct{})
	go func() {
		consumer.Stop()
		close(stopped)
	}()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case <-stopped:
		if err := <-errCh; err != nil {
			slog.ErrorContext(ctx, "consumer error during shutdown", "error", err)
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "metrics server shutdown error", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "gateway shutdown complete")
}

const banner = `
████████╗ ██████╗  ██╗  █████╗   ██████╗  ███████╗
╚══██╔══╝ ██╔══██╗ ██║ ██╔══██╗ ██╔════╝  ██╔════╝
   ██║    ██████╔╝ ██║ ███████║ ██║  ███╗ █████╗
   ██║    ██╔══██╗ ██║ ██╔══██║ ██║   ██║ ██╔══╝
   ██║    ██║  ██║ ██║ ██║  ██║ ╚██████╔╝ ███████╗
   ╚═╝    ╚═╝  ╚═╝ ╚═╝ ╚═╝  ╚═╝  ╚═════╝  ╚══════╝
                                gateway
`
