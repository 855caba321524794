package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpadapter "plontis/internal/adapters/http"
	"plontis/internal/config"
	"plontis/internal/metrics"
	"plontis/internal/services/aggregate"
	"plontis/internal/services/companies"
	"plontis/internal/services/ingest"
	"plontis/internal/services/insights"
	"plontis/internal/services/ledger"
	"plontis/internal/workers/refresher"
)

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServeCmd,
	}
	cmd.Flags().String("listen", "", "Override server.listen_addr")
	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.Server.ListenAddr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, closeCache, err := openCache(ctx, cfg.Cache, log)
	if err != nil {
		return err
	}
	defer closeCache()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ledgerSvc := ledger.New(st, log.Named("ledger"))
	names := companies.New(cfg.Ingest.Taxonomy)
	log.Info("bot taxonomy loaded", zap.Strings("companies", names.Known()))
	ingestSvc := ingest.New(ledgerSvc, st, names, ingestOptions(cfg.Ingest), log.Named("ingest"), m)
	aggSvc := aggregate.New(st, cache, aggregateOptions(cfg.Aggregate), log.Named("aggregate"), m)
	insightsSvc := insights.New(ledgerSvc, aggSvc)

	srv := httpadapter.New(ledgerSvc, ingestSvc, insightsSvc, st, httpadapter.Options{
		RequestTimeout:    cfg.Server.RequestTimeout,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		MarketWindow:      cfg.Aggregate.MarketWindow,
		SiteWindow:        cfg.Aggregate.SiteWindow,
		MaxWindow:         cfg.Ingest.Retention,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, log.Named("http"), m, reg)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		refresher.Run(workerCtx, aggSvc, []time.Duration{cfg.Aggregate.MarketWindow},
			cfg.Aggregate.RefreshWorkers, cfg.Aggregate.RefreshInterval, log.Named("refresher"))
	}()

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	log.Info("listening",
		zap.String("addr", cfg.Server.ListenAddr),
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Driver))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			cancelWorkers()
			<-workersDone
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	err = httpSrv.Shutdown(shutdownCtx)
	cancelWorkers()
	<-workersDone
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func ingestOptions(c config.IngestConfig) ingest.Options {
	return ingest.Options{
		MaxContentValue:  decimal.NewFromFloat(c.MaxContentValue),
		MaxFutureSkew:    c.MaxFutureSkew,
		Retention:        c.Retention,
		MaxMetadataBytes: c.MaxMetadataBytes,
		Timeout:          c.Timeout,
	}
}

func aggregateOptions(c config.AggregateConfig) aggregate.Options {
	return aggregate.Options{
		MarketTopN:      c.MarketTopN,
		SiteTopN:        c.SiteTopN,
		RefreshInterval: c.RefreshInterval,
		MaxStaleness:    c.MaxStaleness,
		ComputeTimeout:  c.ComputeTimeout,
	}
}
