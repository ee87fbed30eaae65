package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/testpilot/testpilot/internal/command"
	"github.com/testpilot/testpilot/internal/errs"
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

// TestScenario3PatternSubsetMismatch implements spec.md §8 scenario 3:
// lenient mode passes an array-subset pattern match that strict/audit
// mode must fail.
func TestScenario3PatternSubsetMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"count":3,"items":[{"id":2},{"id":1}]}`))
	}))
	defer srv.Close()

	executor := newExecutor(srv.URL)
	adapter := New(executor)

	f := model.TestFlow{
		Sheet: "s1", TestName: "items_test",
		Steps: []model.TestStep{
			{Sheet: "s1", TestName: "items_test", Method: model.GET, URL: srv.URL + "/items",
				ExpectedStatus: "200", PatternMatch: `{"count":3,"items":[{"id":1}]}`},
		},
	}

	results, err := adapter.RunFlow(context.Background(), f, model.Host{Name: "h1"}, &model.Config{NFName: "generic"}, model.NewFlowContext())
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != model.StatusFail {
		t.Fatalf("expected strict/audit mode to fail the subset pattern, got %s", results[0].Status)
	}
	if results[0].FailReason != errs.CategoryAuditStrictFail {
		t.Fatalf("expected AuditStrictFail downgrade, got %q", results[0].FailReason)
	}
	if results[0].Metadata["otp_outcome"] != string(model.StatusPass) {
		t.Fatalf("expected OTP outcome PASS preserved in metadata, got %v", results[0].Metadata["otp_outcome"])
	}
}

func TestEntriesRecordedPerStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	adapter := New(newExecutor(srv.URL))
	f := model.TestFlow{
		Sheet: "s1", TestName: "t1",
		Steps: []model.TestStep{{Sheet: "s1", TestName: "t1", Method: model.GET, URL: srv.URL + "/x", ExpectedStatus: "200"}},
	}
	if _, err := adapter.RunFlow(context.Background(), f, model.Host{Name: "h1"}, &model.Config{NFName: "generic"}, model.NewFlowContext()); err != nil {
		t.Fatal(err)
	}
	if len(adapter.Entries()) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(adapter.Entries()))
	}
}
