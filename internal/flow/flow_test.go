package flow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/testpilot/testpilot/internal/command"
	"github.com/testpilot/testpilot/internal/model"
	"github.com/testpilot/testpilot/internal/nrf"
	"github.com/testpilot/testpilot/internal/pattern"
	"github.com/testpilot/testpilot/internal/ratelimit"
	"github.com/testpilot/testpilot/internal/sink"
	"github.com/testpilot/testpilot/internal/transport"
	"github.com/testpilot/testpilot/internal/validate"
)

// nrfFixtureServer simulates an NRF instance's lifecycle across
// PUT/GET/DELETE, matching spec.md §8 scenario 1/2.
func nrfFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	registered := false
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			registered = true
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"nfInstanceId":"abc-123"}`))
		case http.MethodGet:
			if registered {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(`{"nfStatus":"REGISTERED"}`))
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case http.MethodDelete:
			if registered {
				registered = false
				w.WriteHeader(http.StatusNoContent)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		}
	}))
}

func newDefaultExecutor(tr *nrf.Tracker, tport transport.Transport) *Default {
	builder := command.New(".", nil, tr)
	limiter := ratelimit.New(model.RateLimitSettings{Enabled: false})
	validator := validate.New(pattern.New())
	return New(nil, builder, limiter, tport, validator, nil, sink.Noop{})
}

func TestScenario1NRFRegisterReadDelete(t *testing.T) {
	srv := nrfFixtureServer(t)
	defer srv.Close()

	tr := nrf.New()
	mockTransport := transport.NewMock(nil, srv.URL)
	executor := newDefaultExecutor(tr, mockTransport)

	cfg := &model.Config{NFName: "nrf"}
	f := model.TestFlow{
		Sheet: "s1", TestName: "nrf_registration",
		Steps: []model.TestStep{
			{Sheet: "s1", TestName: "nrf_registration", Method: model.PUT, URL: srv.URL + "/nnrf-nfm/v1/nf-instances", Payload: `{"nfInstanceId":"abc-123","nfType":"SMF"}`, ExpectedStatus: "201"},
			{Sheet: "s1", TestName: "nrf_registration", Method: model.GET, URL: srv.URL + "/nnrf-nfm/v1/nf-instances", ExpectedStatus: "200", PatternMatch: `"nfStatus":"REGISTERED"`},
			{Sheet: "s1", TestName: "nrf_registration", Method: model.DELETE, URL: srv.URL + "/nnrf-nfm/v1/nf-instances", ExpectedStatus: "204"},
		},
	}

	results, err := executor.RunFlow(context.Background(), f, model.Host{Name: "nrf-1"}, cfg, model.NewFlowContext())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Status != model.StatusPass {
			t.Fatalf("step %d expected PASS, got %s (%s)", i, r.Status, r.FailReason)
		}
	}

	key := nrf.SessionKey("s1", "nrf_registration", "nrf-1")
	diag := tr.Diagnostic(key)
	if diag.ActiveCount != 0 {
		t.Fatalf("expected zero active instances after delete, got %d", diag.ActiveCount)
	}
}

func TestScenario2DoubleDeleteSkips(t *testing.T) {
	srv := nrfFixtureServer(t)
	defer srv.Close()

	tr := nrf.New()
	mockTransport := transport.NewMock(nil, srv.URL)
	executor := newDefaultExecutor(tr, mockTransport)

	cfg := &model.Config{NFName: "nrf"}
	step := func(method model.Method, status string) model.TestStep {
		return model.TestStep{Sheet: "s1", TestName: "nrf_registration", Method: method, URL: srv.URL + "/nnrf-nfm/v1/nf-instances", ExpectedStatus: status}
	}
	f := model.TestFlow{
		Sheet: "s1", TestName: "nrf_registration",
		Steps: []model.TestStep{
			{Sheet: "s1", TestName: "nrf_registration", Method: model.PUT, URL: srv.URL + "/nnrf-nfm/v1/nf-instances", Payload: `{"nfInstanceId":"abc-123"}`, ExpectedStatus: "201"},
			step(model.DELETE, "204"),
			step(model.DELETE, "204"),
		},
	}

	results, err := executor.RunFlow(context.Background(), f, model.Host{Name: "nrf-1"}, cfg, model.NewFlowContext())
	if err != nil {
		t.Fatal(err)
	}
	if results[2].Status != model.StatusSkipped {
		t.Fatalf("expected third step SKIPPED, got %s", results[2].Status)
	}
	if results[2].FailReason == "" {
		t.Fatal("expected a skip reason to be recorded")
	}
}

func TestScenario5SaveAndCompare(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"token":"T"}`))
		case "/me":
			auth := r.Header.Get("Authorization")
			if auth == "Bearer T" {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(`{"ok":true}`))
			} else {
				w.WriteHeader(http.StatusUnauthorized)
			}
		}
	}))
	defer srv.Close()

	executor := newDefaultExecutor(nil, transport.NewMock(nil, srv.URL))
	cfg := &model.Config{NFName: "generic"}
	fctx := model.NewFlowContext()

	f := model.TestFlow{
		Sheet: "s1", TestName: "login_flow",
		Steps: []model.TestStep{
			{Sheet: "s1", TestName: "login_flow", Method: model.POST, URL: srv.URL + "/login", ExpectedStatus: "200", SaveAs: "token"},
			{Sheet: "s1", TestName: "login_flow", Method: model.GET, URL: srv.URL + "/me", ExpectedStatus: "200",
				Headers: []model.Header{{Key: "Authorization", Value: "Bearer {token}"}}},
		},
	}

	results, err := executor.RunFlow(context.Background(), f, model.Host{Name: "api-1"}, cfg, fctx)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		if r.Status != model.StatusPass {
			t.Fatalf("step %d expected PASS, got %s (%s)", i, r.Status, r.FailReason)
		}
	}
}

func TestDryRunSkipsTransport(t *testing.T) {
	executor := newDefaultExecutor(nil, transport.NewMock(nil, "http://should-not-be-called.invalid"))
	cfg := &model.Config{NFName: "generic"}
	f := model.TestFlow{
		Sheet: "s1", TestName: "t1",
		Steps: []model.TestStep{{Sheet: "s1", TestName: "t1", Method: model.GET, URL: "http://x/y", ExpectedStatus: "200"}},
	}
	results, err := executor.RunFlowWithOptions(context.Background(), f, model.Host{Name: "h1"}, cfg, model.NewFlowContext(), Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != model.StatusDryRun {
		t.Fatalf("expected DRY-RUN, got %s", results[0].Status)
	}
	dump, ok := results[0].Metadata["dry_run_yaml"].(string)
	if !ok || dump == "" {
		t.Fatalf("expected a non-empty dry_run_yaml command dump, got %v", results[0].Metadata)
	}
}

func TestStopOnFailureHaltsRemainingSteps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	executor := newDefaultExecutor(nil, transport.NewMock(nil, srv.URL))
	cfg := &model.Config{NFName: "generic", StopOnFailure: true}
	f := model.TestFlow{
		Sheet: "s1", TestName: "t1",
		Steps: []model.TestStep{
			{Sheet: "s1", TestName: "t1", Method: model.GET, URL: srv.URL + "/a", ExpectedStatus: "200"},
			{Sheet: "s1", TestName: "t1", Method: model.GET, URL: srv.URL + "/b", ExpectedStatus: "200"},
		},
	}
	results, err := executor.RunFlow(context.Background(), f, model.Host{Name: "h1"}, cfg, model.NewFlowContext())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected flow to halt after first failure, got %d results", len(results))
	}
}

func TestFlowRespectsContextCancellation(t *testing.T) {
	executor := newDefaultExecutor(nil, transport.NewMock(nil, "http://x"))
	cfg := &model.Config{NFName: "generic"}
	f := model.TestFlow{Sheet: "s1", TestName: "t1", Steps: []model.TestStep{
		{Sheet: "s1", TestName: "t1", Method: model.GET, URL: "http://x/y", ExpectedStatus: "200"},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	time.Sleep(time.Millisecond)
	results, err := executor.RunFlow(ctx, f, model.Host{Name: "h1"}, cfg, model.NewFlowContext())
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if len(results) != 0 {
		t.Fatalf("expected no results once canceled before first step, got %d", len(results))
	}
}
