package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/austindbirch/harbor_dispatch/internal/api"
	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/dispatch"
	"github.com/austindbirch/harbor_dispatch/internal/events"
	"github.com/austindbirch/harbor_dispatch/internal/health"
	"github.com/austindbirch/harbor_dispatch/internal/ledger"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/registry"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

func main() {
	logger := logging.New("harbordispatch-dispatcher")

	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	logger.SetLevel(cfg.Log.Level)
	ctx := context.Background()

	shutdownTracing, err := tracing.InitTracing(ctx, "harbordispatch-dispatcher", cfg.OTELEndpoint)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store setup failed")
	}
	defer closeStore()

	// Exhausted deliveries go to NSQ only when asked for
	var notifier delivery.ExhaustedNotifier
	if cfg.Dispatch.PublishExhausted {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for exhausted deliveries failed")
		}
		defer producer.Stop()
		notifier = events.NewExhaustedPublisher(producer, cfg.NSQ.ExhaustedTopic, logger)
	}

	l := ledger.New(st, cfg.Dispatch.StatsWindow)
	pipeline := newPipeline(cfg.Dispatch, l, notifier, logger)
	dispatcher := dispatch.New(st, pipeline, logger)
	webhooks := registry.New(st, l, dispatcher, logger).WithDefaultRetries(cfg.Dispatch.MaxRetries)

	authenticate, err := authMiddleware(ctx, cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}
	router := newRouter(api.NewHandlers(webhooks, dispatcher, logger), authenticate, st, reg)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	grpcSrv, healthSrv := health.NewGRPCServer()
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("dispatcher gRPC health server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()

	var consumer *nsq.Consumer
	if cfg.NSQ.NsqdTCPAddr != "" {
		consumer, err = events.StartConsumer(cfg.NSQ, events.NewHandler(dispatcher, logger), logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer setup failed")
		}
		if cfg.NSQ.NsqdHTTPAddr != "" && cfg.NSQ.BacklogPollInterval > 0 {
			monitor := events.NewBacklogMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.EventsTopic, cfg.NSQ.DispatcherChannel, logger)
			go monitor.Run(monitorCtx, cfg.NSQ.BacklogPollInterval)
		}
	} else {
		logger.Plain().Warn("NSQD_TCP_ADDR empty, events are accepted over HTTP only")
	}

	logger.Plain().WithField("store", cfg.Store).Info("dispatcher service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down dispatcher service")
	// Probes report NOT_SERVING while we drain
	healthSrv.Shutdown()
	// Stop intake first so no new pipelines start
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	stopMonitor()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Dispatch.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("pipelines still running at shutdown deadline")
	}
	logger.Plain().Info("dispatcher service stopped")
}
