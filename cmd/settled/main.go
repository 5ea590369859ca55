// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/adgrid/adgrid/pkg/chain"
	"github.com/adgrid/adgrid/pkg/core"
	"github.com/adgrid/adgrid/pkg/keeper"
	"github.com/adgrid/adgrid/pkg/log"
	"github.com/adgrid/adgrid/pkg/metric"
	"github.com/adgrid/adgrid/pkg/query"
	"github.com/adgrid/adgrid/pkg/settlement"
	"github.com/adgrid/adgrid/pkg/store"
	"github.com/adgrid/adgrid/pkg/tracking"
)

var (
	port           = flag.String("port", "8090", "HTTP server port")
	dbType         = flag.String("db", "badger", "Database type (badger/memory)")
	dbPath         = flag.String("dbpath", "./data/settled", "Database path")
	cronSpec       = flag.String("cron", "", "Keeper cron spec (defaults to hourly)")
	batchSize      = flag.Int("batch", 50, "Max epochs submitted/distributed per run")
	autoSubmit     = flag.Bool("auto-submit", true, "Submit ready roots on-chain each run")
	autoDistribute = flag.Bool("auto-distribute", true, "Distribute submitted epochs each run")
	logLevel       = flag.String("log-level", "info", "Log level (debug/info/warn/error)")
)

func main() {
	flag.Parse()

	logger := log.NewWithLevel(*logLevel)
	defer logger.Sync()

	st, err := store.NewKV(*dbType, *dbPath)
	if err != nil {
		logger.Error("open store", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	metrics, err := metric.NewMetrics()
	if err != nil {
		logger.Error("init metrics", zap.Error(err))
		os.Exit(1)
	}

	generator := settlement.NewGenerator(
		st,
		settlement.DefaultFilterConfig(),
		settlement.DefaultAllocatorConfig(),
		metrics,
		logger,
	)

	// The on-chain contract is deployed separately; the simulated ledger
	// stands in until the RPC client config lands.
	ledger := chain.NewSimLedger()

	cfg := keeper.DefaultConfig()
	if *cronSpec != "" {
		cfg.CronSpec = *cronSpec
	}
	cfg.BatchSize = *batchSize
	cfg.AutoSubmit = *autoSubmit
	cfg.AutoDistribute = *autoDistribute

	kpr := keeper.New(st, generator, ledger, cfg, metrics, logger)
	tracker := tracking.NewTracker(st, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := kpr.Reconcile(ctx); err != nil {
		logger.Error("startup reconciliation failed", zap.Error(err))
		os.Exit(1)
	}
	if err := kpr.Start(ctx); err != nil {
		logger.Error("start keeper", zap.Error(err))
		os.Exit(1)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(metrics.GetGatherer(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/track/impression", trackHandler(tracker.RecordImpression)).Methods("POST")
	r.HandleFunc("/track/click", trackHandler(tracker.RecordClick)).Methods("POST")

	query.NewHandler(st, generator, logger).RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + *port,
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("settlement engine started",
		zap.String("port", *port),
		zap.String("db", *dbType),
		zap.String("cron", cfg.CronSpec))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	kpr.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
}

func trackHandler(record func(context.Context, tracking.EngagementEvent) (*core.Receipt, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev tracking.EngagementEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, `{"error":"malformed event"}`, http.StatusBadRequest)
			return
		}

		receipt, err := record(r.Context(), ev)
		if err != nil {
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnprocessableEntity)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(receipt)
	}
}
