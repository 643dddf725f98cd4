package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/ledger"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/store/memory"
	"github.com/austindbirch/harbor_dispatch/internal/store/storetest"
	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

func testLogger() *logging.Logger { return logging.NewWithOutput("test", io.Discard) }

// recordingRunner remembers jobs and finishes immediately unless block is set.
type recordingRunner struct {
	mu    sync.Mutex
	jobs  []delivery.Job
	block chan struct{}
}

func (r *recordingRunner) Run(ctx context.Context, job delivery.Job) delivery.Outcome {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return delivery.Outcome{SubscriptionID: job.Subscription.ID, Cancelled: true}
		}
	}
	return delivery.Outcome{SubscriptionID: job.Subscription.ID, Success: true, Attempts: 1}
}

func (r *recordingRunner) subscriptionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Subscription.ID)
	}
	sort.Strings(out)
	return out
}

func create(t *testing.T, s *memory.Store, sub *webhook.Subscription) *webhook.Subscription {
	t.Helper()
	if err := s.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return sub
}

func waitAll(t *testing.T, hs []Handle) []delivery.Outcome {
	t.Helper()
	out := make([]delivery.Outcome, 0, len(hs))
	for _, h := range hs {
		select {
		case o := <-h.Done:
			out = append(out, o)
		case <-time.After(5 * time.Second):
			t.Fatalf("pipeline for %s did not finish", h.SubscriptionID)
		}
	}
	return out
}

func TestDispatch_PipelineCount(t *testing.T) {
	store := memory.New()
	match1 := create(t, store, storetest.NewSubscription("tenant-a", true, "video.deleted"))
	match2 := create(t, store, storetest.NewSubscription("tenant-a", true, "folder.created", "video.deleted"))
	create(t, store, storetest.NewSubscription("tenant-a", false, "video.deleted"))
	create(t, store, storetest.NewSubscription("tenant-a", true, "folder.created"))
	create(t, store, storetest.NewSubscription("tenant-b", true, "video.deleted"))

	runner := &recordingRunner{}
	d := New(store, runner, testLogger())
	defer d.Shutdown(context.Background())

	handles, err := d.Dispatch(context.Background(), "video.deleted", map[string]any{"id": "v1"}, "tenant-a")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(handles) != 2 {
		t.Fatalf("Dispatch() started %d pipelines, want 2", len(handles))
	}
	waitAll(t, handles)

	want := []string{match1.ID, match2.ID}
	sort.Strings(want)
	got := runner.subscriptionIDs()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("pipelines ran for %v, want %v", got, want)
	}
}

func TestDispatch_OtherTenantNeverDelivered(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := memory.New()
	sub := storetest.NewSubscription("tenant-y", true, "video.deleted")
	sub.URL = srv.URL
	create(t, store, sub)

	runner := &recordingRunner{}
	d := New(store, runner, testLogger())
	defer d.Shutdown(context.Background())

	handles, err := d.Dispatch(context.Background(), "video.deleted", nil, "tenant-x")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(handles) != 0 || len(runner.subscriptionIDs()) != 0 {
		t.Errorf("tenant-x started %d pipelines for tenant-y's subscription", len(handles))
	}
	if hits.Load() != 0 {
		t.Errorf("tenant-y endpoint received %d requests", hits.Load())
	}
}

type failingReader struct{}

func (failingReader) ListActive(context.Context, webhook.TenantID) ([]webhook.Subscription, error) {
	return nil, errors.New("connection refused")
}

func (failingReader) GetByID(context.Context, string) (*webhook.Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestDispatch_StoreFailure(t *testing.T) {
	runner := &recordingRunner{}
	d := New(failingReader{}, runner, testLogger())
	defer d.Shutdown(context.Background())

	handles, err := d.Dispatch(context.Background(), "video.deleted", nil, "tenant-a")
	if err == nil {
		t.Error("Dispatch() error = nil, want lookup failure")
	}
	if len(handles) != 0 {
		t.Errorf("Dispatch() started %d pipelines after lookup failure", len(handles))
	}

	// never panics or blocks the caller
	d.TriggerEvent(context.Background(), "video.deleted", nil, "tenant-a")
	if got := runner.subscriptionIDs(); len(got) != 0 {
		t.Errorf("pipelines ran after lookup failure: %v", got)
	}
}

func TestDispatch_BlankTenant(t *testing.T) {
	d := New(memory.New(), &recordingRunner{}, testLogger())
	defer d.Shutdown(context.Background())

	dropped := testutil.ToFloat64(metrics.EventsTriggeredTotal.WithLabelValues(metrics.EventDropped))
	dispatched := testutil.ToFloat64(metrics.EventsTriggeredTotal.WithLabelValues(metrics.EventDispatched))

	if _, err := d.Dispatch(context.Background(), "video.deleted", nil, " "); !errors.Is(err, webhook.ErrTenantRequired) {
		t.Errorf("Dispatch(blank tenant) error = %v, want ErrTenantRequired", err)
	}
	if got := testutil.ToFloat64(metrics.EventsTriggeredTotal.WithLabelValues(metrics.EventDropped)) - dropped; got != 1 {
		t.Errorf("dropped events delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.EventsTriggeredTotal.WithLabelValues(metrics.EventDispatched)) - dispatched; got != 0 {
		t.Errorf("dispatched events delta = %v, want 0", got)
	}
}

func TestTriggerEvent_ReturnsBeforeDelivery(t *testing.T) {
	store := memory.New()
	create(t, store, storetest.NewSubscription("tenant-a", true))
	runner := &recordingRunner{block: make(chan struct{})}
	d := New(store, runner, testLogger())

	returned := make(chan struct{})
	go func() {
		d.TriggerEvent(context.Background(), "video.deleted", nil, "tenant-a")
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("TriggerEvent() blocked on delivery")
	}
	close(runner.block)
	if err := d.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestDispatch_CallerCancellationDoesNotStopPipelines(t *testing.T) {
	store := memory.New()
	create(t, store, storetest.NewSubscription("tenant-a", true))
	runner := &recordingRunner{block: make(chan struct{})}
	d := New(store, runner, testLogger())
	defer d.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	handles, _ := d.Dispatch(ctx, "video.deleted", nil, "tenant-a")
	cancel()
	close(runner.block)

	for _, o := range waitAll(t, handles) {
		if o.Cancelled {
			t.Error("pipeline cancelled with the triggering request")
		}
	}
}

func TestCancelSubscription(t *testing.T) {
	store := memory.New()
	sub := create(t, store, storetest.NewSubscription("tenant-a", true))
	other := create(t, store, storetest.NewSubscription("tenant-a", true))
	runner := &recordingRunner{block: make(chan struct{})}
	d := New(store, runner, testLogger())
	defer d.Shutdown(context.Background())

	handles, _ := d.Dispatch(context.Background(), "video.deleted", nil, "tenant-a")
	if len(handles) != 2 {
		t.Fatalf("Dispatch() started %d pipelines, want 2", len(handles))
	}

	if n := d.CancelSubscription(sub.ID); n != 1 {
		t.Errorf("CancelSubscription() = %d, want 1", n)
	}
	for _, h := range handles {
		if h.SubscriptionID != sub.ID {
			continue
		}
		select {
		case o := <-h.Done:
			if !o.Cancelled {
				t.Errorf("outcome = %+v, want cancelled", o)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("cancelled pipeline did not stop")
		}
	}
	close(runner.block)
	for _, h := range handles {
		if h.SubscriptionID == other.ID {
			if o := <-h.Done; o.Cancelled {
				t.Error("other subscription's pipeline was cancelled")
			}
		}
	}
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, delivery.Job) delivery.Outcome { panic("boom") }

func TestDispatch_PanicRecovered(t *testing.T) {
	store := memory.New()
	sub := create(t, store, storetest.NewSubscription("tenant-a", true))
	d := New(store, panicRunner{}, testLogger())

	handles, _ := d.Dispatch(context.Background(), "video.deleted", nil, "tenant-a")
	outs := waitAll(t, handles)
	if len(outs) != 1 || outs[0].SubscriptionID != sub.ID || outs[0].Success {
		t.Errorf("outcomes = %+v, want one failed outcome", outs)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestShutdown(t *testing.T) {
	store := memory.New()
	create(t, store, storetest.NewSubscription("tenant-a", true))
	runner := &recordingRunner{block: make(chan struct{})}
	d := New(store, runner, testLogger())

	handles, _ := d.Dispatch(context.Background(), "video.deleted", nil, "tenant-a")
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if o := waitAll(t, handles); !o[0].Cancelled {
		t.Errorf("outcome after shutdown = %+v, want cancelled", o[0])
	}

	if _, err := d.Deliver(context.Background(), delivery.Job{Subscription: webhook.Subscription{ID: "x"}}); !errors.Is(err, ErrShutdown) {
		t.Errorf("Deliver() after shutdown error = %v, want ErrShutdown", err)
	}
}

func TestEndToEnd(t *testing.T) {
	var okHits, failHits atomic.Int32
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okHits.Add(1)
	}))
	defer okSrv.Close()
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failSrv.Close()

	store := memory.New()
	good := storetest.NewSubscription("tenant-a", true)
	good.URL = okSrv.URL
	bad := storetest.NewSubscription("tenant-a", true)
	bad.URL = failSrv.URL
	bad.MaxRetries = 2
	create(t, store, good)
	create(t, store, bad)

	l := ledger.New(store, 0)
	pipeline := &delivery.Pipeline{
		Attempter: delivery.NewAttempter(delivery.AttempterConfig{Timeout: 2 * time.Second}, nil),
		Policy:    delivery.RetryPolicy{Base: 5 * time.Millisecond, Max: time.Second},
		Recorder:  l,
		Logger:    testLogger(),
	}
	d := New(store, pipeline, testLogger())
	defer d.Shutdown(context.Background())

	handles, err := d.Dispatch(context.Background(), "video.deleted", map[string]any{"id": "v1"}, "tenant-a")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	waitAll(t, handles)

	goodStats, _ := l.Stats(context.Background(), good.ID)
	if goodStats.Total != 1 || goodStats.Successful != 1 || goodStats.SuccessRate != 100 {
		t.Errorf("good stats = %+v", goodStats)
	}
	badStats, _ := l.Stats(context.Background(), bad.ID)
	if badStats.Total != 2 || badStats.Failed != 2 || badStats.SuccessRate != 0 {
		t.Errorf("bad stats = %+v", badStats)
	}
	if okHits.Load() != 1 || failHits.Load() != 2 {
		t.Errorf("endpoint hits ok=%d fail=%d, want 1 and 2", okHits.Load(), failHits.Load())
	}
}

func TestShutdownDuringAttemptRecordsIt(t *testing.T) {
	arrived := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	sub := storetest.NewSubscription("tenant-a", true)
	sub.URL = srv.URL
	create(t, store, sub)

	l := ledger.New(store, 0)
	pipeline := &delivery.Pipeline{
		Attempter: delivery.NewAttempter(delivery.AttempterConfig{Timeout: 2 * time.Second}, nil),
		Policy:    delivery.RetryPolicy{Base: time.Minute, Max: time.Hour},
		Recorder:  l,
		Logger:    testLogger(),
	}
	d := New(store, pipeline, testLogger())

	handles, _ := d.Dispatch(context.Background(), "video.deleted", nil, "tenant-a")
	if len(handles) != 1 {
		t.Fatalf("Dispatch() started %d pipelines, want 1", len(handles))
	}
	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt never arrived")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if o := waitAll(t, handles); !o[0].Success || o[0].Attempts != 1 {
		t.Errorf("outcome = %+v, want the in-flight attempt to finish", o[0])
	}

	recent, _ := store.ListRecent(context.Background(), sub.ID, 10)
	if len(recent) != 1 || !recent[0].Success {
		t.Errorf("ListRecent() = %d attempts, want 1 successful", len(recent))
	}
}
