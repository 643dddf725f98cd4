// Package api serves the tenant-scoped admin HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/austindbirch/harbor_dispatch/internal/auth"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/registry"
	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

const maxBodyBytes = 1 << 20

// Trigger starts deliveries for an event; *dispatch.Dispatcher satisfies it.
type Trigger interface {
	TriggerEvent(ctx context.Context, eventType string, data any, tenant webhook.TenantID)
}

type Handlers struct {
	registry *registry.Registry
	trigger  Trigger
	logger   *logging.Logger
}

func NewHandlers(reg *registry.Registry, trigger Trigger, logger *logging.Logger) *Handlers {
	return &Handlers{registry: reg, trigger: trigger, logger: logger}
}

// RegisterRoutes mounts the /v1 routes on router. authenticate must put the
// tenant in the request context (see auth.HTTPMiddleware).
func (h *Handlers) RegisterRoutes(router *mux.Router, authenticate mux.MiddlewareFunc) {
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(h.logRequests)
	if authenticate != nil {
		v1.Use(authenticate)
	}
	v1.HandleFunc("/webhooks", h.listWebhooks).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks", h.createWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/{id}", h.getWebhook).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{id}", h.updateWebhook).Methods(http.MethodPut, http.MethodPatch)
	v1.HandleFunc("/webhooks/{id}", h.deleteWebhook).Methods(http.MethodDelete)
	v1.HandleFunc("/webhooks/{id}/test", h.testWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/{id}/deliveries", h.listDeliveries).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{id}/stats", h.webhookStats).Methods(http.MethodGet)
	v1.HandleFunc("/events", h.triggerEvent).Methods(http.MethodPost)
}

// subscriptionView is the API shape of a subscription; the secret itself is
// never returned.
type subscriptionView struct {
	webhook.Subscription
	HasSecret bool `json:"has_secret"`
}

func view(s *webhook.Subscription) subscriptionView {
	return subscriptionView{Subscription: *s, HasSecret: s.HasSecret()}
}

type triggerRequest struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

func (h *Handlers) listWebhooks(w http.ResponseWriter, r *http.Request) {
	tenant := tenantOf(r)
	subs, err := h.registry.List(r.Context(), tenant)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]subscriptionView, 0, len(subs))
	for i := range subs {
		out = append(out, view(&subs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (h *Handlers) createWebhook(w http.ResponseWriter, r *http.Request) {
	var in registry.Input
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	sub, err := h.registry.Create(r.Context(), tenantOf(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(sub))
}

func (h *Handlers) getWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Get(r.Context(), tenantOf(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(sub))
}

func (h *Handlers) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var in registry.Input
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	sub, err := h.registry.Update(r.Context(), tenantOf(r), mux.Vars(r)["id"], in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(sub))
}

func (h *Handlers) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), tenantOf(r), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) testWebhook(w http.ResponseWriter, r *http.Request) {
	// The attempter enforces its own timeout; this bounds waiting on a
	// pipeline that has not started yet.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	res, err := h.registry.Test(ctx, tenantOf(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.registry.Deliveries(r.Context(), tenantOf(r), mux.Vars(r)["id"], page, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) webhookStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context(), tenantOf(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// triggerEvent raises an event directly, for sources that do not publish to NSQ.
func (h *Handlers) triggerEvent(w http.ResponseWriter, r *http.Request) {
	tenant := tenantOf(r)
	if !tenant.Valid() {
		h.writeError(w, r, webhook.ErrTenantRequired)
		return
	}
	var req triggerRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.EventType = strings.TrimSpace(req.EventType)
	if req.EventType == "" {
		h.writeError(w, r, &webhook.ValidationError{Problems: []string{"event_type is required"}})
		return
	}

	var data any = map[string]any{}
	if len(req.Data) > 0 {
		data = req.Data
	}
	h.trigger.TriggerEvent(r.Context(), req.EventType, data, tenant)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_type": req.EventType})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.WithContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("admin request")
	})
}

func tenantOf(r *http.Request) webhook.TenantID {
	tenant, _ := auth.TenantFromContext(r.Context())
	return tenant
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &badRequestError{"request body is empty"}
		}
		return &badRequestError{"invalid JSON: " + err.Error()}
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &badRequestError{key + " must be a non-negative integer"}
	}
	return n, nil
}

func statusFor(err error) int {
	var bad *badRequestError
	switch {
	case errors.As(err, &bad), errors.Is(err, webhook.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, webhook.ErrTenantRequired):
		return http.StatusUnauthorized
	case errors.Is(err, webhook.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, webhook.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.WithContext(r.Context()).WithTenant(tenantOf(r).String()).WithError(err).
			WithField("path", r.URL.Path).Error("admin request failed")
		msg = "internal error"
	}
	body := map[string]any{"error": msg}
	var verr *webhook.ValidationError
	if errors.As(err, &verr) {
		body["problems"] = verr.Problems
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
