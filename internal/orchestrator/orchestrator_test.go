package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testpilot/testpilot/internal/command"
	"github.com/testpilot/testpilot/internal/flow"
	"github.com/testpilot/testpilot/internal/model"
	"github.com/testpilot/testpilot/internal/pattern"
	"github.com/testpilot/testpilot/internal/ratelimit"
	"github.com/testpilot/testpilot/internal/sink"
	"github.com/testpilot/testpilot/internal/transport"
	"github.com/testpilot/testpilot/internal/validate"
)

func newExecutor(baseURL string) *flow.Default {
	builder := command.New(".", nil, nil)
	limiter := ratelimit.New(model.RateLimitSettings{Enabled: false})
	validator := validate.New(pattern.New())
	tport := transport.NewMock(nil, baseURL)
	return flow.New(nil, builder, limiter, tport, validator, nil, sink.Noop{})
}

func TestRunExecutesEveryFlowHostPair(t *testing.T) {
	var count int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&count, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	o := New(nil, newExecutor(srv.URL))
	cfg := &model.Config{NFName: "generic"}
	flows := []model.TestFlow{
		{Sheet: "s1", TestName: "t1", Steps: []model.TestStep{{Sheet: "s1", TestName: "t1", Method: model.GET, URL: srv.URL + "/x", ExpectedStatus: "200"}}},
		{Sheet: "s1", TestName: "t2", Steps: []model.TestStep{{Sheet: "s1", TestName: "t2", Method: model.GET, URL: srv.URL + "/y", ExpectedStatus: "200"}}},
	}
	hosts := []model.Host{{Name: "h1"}, {Name: "h2"}}

	results, err := o.Run(context.Background(), flows, hosts, cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results (2 flows x 2 hosts), got %d", len(results))
	}
	if atomic.LoadInt64(&count) != 4 {
		t.Fatalf("expected 4 HTTP calls, got %d", count)
	}
}

func TestRunRespectsMaxConcurrency(t *testing.T) {
	var inFlight, maxObserved int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&maxObserved)
			if cur <= old || atomic.CompareAndSwapInt64(&maxObserved, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	o := New(nil, newExecutor(srv.URL))
	cfg := &model.Config{NFName: "generic"}
	var flows []model.TestFlow
	var hosts []model.Host
	for i := 0; i < 6; i++ {
		name := string(rune('a' + i))
		hosts = append(hosts, model.Host{Name: "host-" + name})
	}
	flows = append(flows, model.TestFlow{Sheet: "s1", TestName: "t1", Steps: []model.TestStep{
		{Sheet: "s1", TestName: "t1", Method: model.GET, URL: srv.URL + "/x", ExpectedStatus: "200"},
	}})

	_, err := o.Run(context.Background(), flows, hosts, cfg, Options{MaxConcurrency: 2})
	if err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt64(&maxObserved) > 2 {
		t.Fatalf("expected at most 2 concurrent requests, observed %d", maxObserved)
	}
}

func TestRunReturnsResultsEvenOnPartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := New(nil, newExecutor(srv.URL))
	cfg := &model.Config{NFName: "generic"}
	flows := []model.TestFlow{
		{Sheet: "s1", TestName: "t1", Steps: []model.TestStep{{Sheet: "s1", TestName: "t1", Method: model.GET, URL: srv.URL + "/x", ExpectedStatus: "200"}}},
	}
	hosts := []model.Host{{Name: "h1"}}

	results, err := o.Run(context.Background(), flows, hosts, cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Status != model.StatusFail {
		t.Fatalf("expected 1 failed result, got %+v", results)
	}
}
