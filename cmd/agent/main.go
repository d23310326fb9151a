// Package main provides the agent application entry point.
// The agent joins the fleet in the role configured by AGENT_ROLE and serves
// until interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/swarmq/internal/config"
	"github.com/fairyhunter13/swarmq/internal/observability"
	"github.com/fairyhunter13/swarmq/pkg/broker"
	"github.com/fairyhunter13/swarmq/pkg/orchestrator"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Setup logging
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register the OTel meter provider and expose its Prometheus registry on
	// a dedicated /metrics endpoint.
	shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		slog.Error("metrics init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("agent metrics server error", slog.Any("error", err))
		}
	}()

	slog.Info("starting agent",
		slog.String("env", cfg.AppEnv),
		slog.String("role", cfg.AgentRole))

	ctx := context.Background()

	// Broker session with reconnect supervision.
	opts := cfg.BrokerOptions()
	opts.Logger = logger
	client, err := broker.Dial(ctx, opts)
	if err != nil {
		slog.Error("broker dial failed", slog.Any("error", err))
		os.Exit(1)
	}

	agentOpts := cfg.AgentOptions()
	agentOpts.Logger = logger
	engine, err := orchestrator.RegisterAgent(ctx, orchestrator.WrapClient(client), agentOpts)
	if err != nil {
		slog.Error("agent registration failed", slog.Any("error", err))
		_ = client.Close(ctx)
		os.Exit(1)
	}

	if agentOpts.Role == orchestrator.RoleWorker {
		if err := engine.HandleTasks(ctx, echoHandler); err != nil {
			slog.Error("task handler registration failed", slog.Any("error", err))
			_ = engine.Shutdown(ctx)
			os.Exit(1)
		}
	}

	// Wait for interrupt, then drain.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		slog.Info("signal received", slog.String("signal", sig.String()))
	case err := <-client.Fatal():
		slog.Error("broker connection lost", slog.Any("error", err))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain)
	defer cancel()
	if err := engine.Shutdown(drainCtx); err != nil {
		slog.Error("shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("agent stopped")
}

// echoHandler is the built-in worker handler: it acknowledges the task by
// returning its own payload. Embedders replace it by running the engine as a
// library.
func echoHandler(_ context.Context, task orchestrator.Task) (json.RawMessage, error) {
	out, err := json.Marshal(map[string]any{
		"task_id":   task.ID,
		"title":     task.Title,
		"echoed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
