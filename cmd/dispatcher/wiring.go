package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_dispatch/internal/api"
	"github.com/austindbirch/harbor_dispatch/internal/auth"
	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/db"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/health"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/store/memory"
	"github.com/austindbirch/harbor_dispatch/internal/store/postgres"
	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

// store is what the dispatcher needs from either backend.
type store interface {
	webhook.SubscriptionStore
	webhook.DeliveryStore
	health.Pinger
}

var (
	_ store = (*memory.Store)(nil)
	_ store = (*postgres.Store)(nil)
)

// openStore returns the configured backend and a function releasing it.
func openStore(ctx context.Context, cfg config.Config, logger *logging.Logger) (store, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		version, err := db.Migrate(cfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Plain().WithField("schema_version", version).Info("database schema up to date")

		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		return postgres.New(pool), pool.Close, nil
	default:
		logger.Plain().Warn("using in-memory store, subscriptions and history are lost on restart")
		return memory.New(), func() {}, nil
	}
}

func newPipeline(cfg config.Dispatch, rec delivery.Recorder, notifier delivery.ExhaustedNotifier, logger *logging.Logger) *delivery.Pipeline {
	return &delivery.Pipeline{
		Attempter: delivery.NewAttempter(delivery.AttempterConfig{
			Timeout:   cfg.AttemptTimeout,
			UserAgent: cfg.UserAgent,
			BodyLimit: cfg.ResponseBodyLimit,
		}, nil),
		Policy: delivery.RetryPolicy{
			Base:      cfg.BackoffBase,
			Max:       cfg.MaxBackoff,
			JitterPct: cfg.JitterPct,
		},
		Recorder: rec,
		Notifier: notifier,
		Logger:   logger,
	}
}

// authMiddleware picks how admin requests resolve their tenant.
func authMiddleware(ctx context.Context, cfg config.Auth) (mux.MiddlewareFunc, error) {
	if !cfg.Enabled {
		return auth.TenantHeaderMiddleware, nil
	}

	var (
		v   *auth.JWTValidator
		err error
	)
	if cfg.PublicKeyPEM != "" {
		v, err = auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	} else {
		keys, ferr := auth.FetchJWKS(ctx, cfg.JWKSURL)
		if ferr != nil {
			return nil, ferr
		}
		v, err = auth.NewJWTValidatorFromKeys(keys, cfg.Issuer, cfg.Audience)
	}
	if err != nil {
		return nil, err
	}
	return v.TrustTenantHeader(cfg.TrustTenantHeader).HTTPMiddleware, nil
}

// newRouter serves health and metrics unauthenticated and the admin API
// behind authenticate.
func newRouter(h *api.Handlers, authenticate mux.MiddlewareFunc, pinger health.Pinger, reg *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/healthz", health.HTTPHandler(pinger)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	h.RegisterRoutes(router, authenticate)
	return router
}
