package main

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/signing"
	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

// receiver is a webhook endpoint for local testing: it verifies signatures,
// fails the first N requests, and counts redeliveries by delivery id.
type receiver struct {
	secret     string
	failFirstN int
	delay      time.Duration
	logger     *logging.Logger

	mu       sync.Mutex
	received int
	failed   int
	rejected int
	seen     map[string]int // delivery id -> times received
	events   map[string]int // event type -> successful deliveries
}

type receiverStats struct {
	Received   int            `json:"received"`
	Failed     int            `json:"failed"`
	Rejected   int            `json:"rejected"`
	Duplicates int            `json:"duplicates"`
	Events     map[string]int `json:"events"`
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{
		secret:     cfg.EndpointSecret,
		failFirstN: cfg.FailFirstN,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
		seen:       make(map[string]int),
		events:     make(map[string]int),
	}
}

func (rv *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("GET /stats", rv.handleStats)
	mux.HandleFunc("POST /hook", rv.handleHook)
	return mux
}

func (rv *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	deliveryID := r.Header.Get(webhook.DeliveryIDHeader)
	eventType := r.Header.Get(delivery.EventHeader)
	log := rv.logger.WithContext(r.Context()).WithDelivery(deliveryID).WithEvent(eventType)

	rv.mu.Lock()
	rv.received++
	n := rv.received
	rv.seen[deliveryID]++
	dup := rv.seen[deliveryID] > 1
	rv.mu.Unlock()

	if rv.secret != "" && !signing.Verify(b, rv.secret, r.Header.Get(signing.Header)) {
		rv.mu.Lock()
		rv.rejected++
		rv.mu.Unlock()
		log.Warn("fake-receiver rejected request with bad signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if rv.delay > 0 {
		select {
		case <-time.After(rv.delay):
		case <-r.Context().Done():
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if n <= rv.failFirstN {
		rv.mu.Lock()
		rv.failed++
		rv.mu.Unlock()
		log.WithFields(map[string]any{"request": n, "fail_first_n": rv.failFirstN}).Info("fake-receiver failing request")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	rv.mu.Lock()
	rv.events[eventType]++
	rv.mu.Unlock()

	log.WithFields(map[string]any{
		"duplicate": dup,
		"body":      delivery.Truncate(string(b), 160),
	}).Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rv *receiver) stats() receiverStats {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	st := receiverStats{
		Received: rv.received,
		Failed:   rv.failed,
		Rejected: rv.rejected,
		Events:   make(map[string]int, len(rv.events)),
	}
	for _, c := range rv.seen {
		if c > 1 {
			st.Duplicates += c - 1
		}
	}
	for k, v := range rv.events {
		st.Events[k] = v
	}
	return st
}

func (rv *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rv.stats())
}

func main() {
	logger := logging.New("harbordispatch-fake-receiver")
	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	logger.SetLevel(cfg.Log.Level)

	rv := newReceiver(cfg.FakeReceiver, logger)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rv.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":           srv.Addr,
		"fail_first_n":   rv.failFirstN,
		"verify_signing": rv.secret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}
