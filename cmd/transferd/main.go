// Command transferd runs the fund transfer saga behind an HTTP ingress.
//
// POST /api/transfers accepts a transaction and answers 202 with the new
// instance ID; GET /api/transfers/{id} reports the instance's status and, once
// terminal, its result. Histories persist to SQLite when TRANSFERD_HISTORY_PATH
// is set, and in-flight instances are resumed on boot.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	durable "github.com/morganj/ledgerflow"
	"github.com/morganj/ledgerflow/transfer"
)

type config struct {
	Addr            string        `env:"TRANSFERD_ADDR" envDefault:":8080"`
	HistoryPath     string        `env:"TRANSFERD_HISTORY_PATH"`
	ActivityTimeout time.Duration `env:"TRANSFERD_ACTIVITY_TIMEOUT" envDefault:"30s"`
	MaxAttempts     int           `env:"TRANSFERD_MAX_ATTEMPTS" envDefault:"3"`
	RetryPause      time.Duration `env:"TRANSFERD_RETRY_PAUSE" envDefault:"500ms"`
	ShutdownGrace   time.Duration `env:"TRANSFERD_SHUTDOWN_GRACE" envDefault:"15s"`
}

func main() {
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "transferd").
		Logger()

	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("transferd exited")
	}
}

func run(logger zerolog.Logger) error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store durable.HistoryStore
	if cfg.HistoryPath != "" {
		sqliteStore, err := durable.OpenSQLiteHistoryStore(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer sqliteStore.Close()
		store = sqliteStore
		logger.Info().Str("path", cfg.HistoryPath).Msg("using sqlite history store")
	} else {
		store = durable.NewMemoryHistoryStore()
		logger.Warn().Msg("no history path configured, histories will not survive restarts")
	}

	registry := durable.NewRegistry()
	if err := transfer.NewActivities(logger).Register(registry); err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	metrics := durable.NewMetrics(promRegistry)

	invoker := durable.NewInvoker(registry, durable.InvokerConfig{
		Timeout:     cfg.ActivityTimeout,
		MaxAttempts: cfg.MaxAttempts,
		RetryPause:  cfg.RetryPause,
	}, logger)

	supervisor, err := durable.NewSupervisor(transfer.Definition(), store, invoker, logger, metrics)
	if err != nil {
		return err
	}

	// Pick up sagas that were in flight when the previous process stopped.
	if _, ok := store.(durable.InstanceLister); ok {
		if err := supervisor.ResumeAll(ctx); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/transfers", handleStart(supervisor, logger))
	mux.HandleFunc("GET /api/transfers/{id}", handleStatus(supervisor))
	mux.Handle("GET /metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return supervisor.Shutdown(shutdownCtx)
}

func handleStart(supervisor *durable.Supervisor, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tx transfer.Transaction
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid transaction payload"})
			return
		}

		instanceID, err := supervisor.Start(r.Context(), tx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to start transfer")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start transfer"})
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"message":    "Transaction started.",
			"instanceId": instanceID,
		})
	}
}

func handleStatus(supervisor *durable.Supervisor) http.HandlerFunc {
	type statusResponse struct {
		InstanceID string          `json:"instanceId"`
		Status     durable.Status  `json:"status"`
		Result     *durable.Result `json:"result,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := r.PathValue("id")
		status, ok := supervisor.Status(instanceID)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown instance"})
			return
		}

		result, _ := supervisor.Result(instanceID)
		writeJSON(w, http.StatusOK, statusResponse{
			InstanceID: instanceID,
			Status:     status,
			Result:     result,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
