package nrf

import "testing"

func TestOnPutThenSelectForReturnsSameID(t *testing.T) {
	tr := New()
	key := SessionKey("sheet1", "registration_test", "host1")
	ctx := Context{Sheet: "sheet1", TestName: "registration_test"}

	tr.OnPut(key, ctx, "inst-1")

	got := tr.SelectFor(key, ctx, "GET")
	if got != "inst-1" {
		t.Fatalf("expected inst-1, got %q", got)
	}
}

func TestDoubleDeleteReturnsEmptyNotError(t *testing.T) {
	tr := New()
	key := SessionKey("sheet1", "registration_test", "host1")
	ctx := Context{Sheet: "sheet1", TestName: "registration_test"}

	tr.OnPut(key, ctx, "inst-1")

	first := tr.OnDelete(key, ctx)
	if first != "inst-1" {
		t.Fatalf("expected inst-1 on first delete, got %q", first)
	}

	second := tr.OnDelete(key, ctx)
	if second != "" {
		t.Fatalf("expected empty string on double delete, got %q", second)
	}
}

func TestSelectForFallsBackToStackTop(t *testing.T) {
	tr := New()
	key := SessionKey("sheet1", "multi_test", "host1")

	ctxA := Context{Sheet: "sheet1", TestName: "test_a"}
	tr.OnPut(key, ctxA, "inst-a")

	ctxB := Context{Sheet: "sheet1", TestName: "test_b"}
	got := tr.SelectFor(key, ctxB, "GET")
	if got != "inst-a" {
		t.Fatalf("expected fallback to stack top inst-a, got %q", got)
	}
}

func TestTrackProgressionCleansTestEndPolicy(t *testing.T) {
	tr := New()
	key := SessionKey("sheet1", "registration_flow", "host1")

	ctx1 := Context{Sheet: "sheet1", TestName: "registration_create"}
	tr.OnPut(key, ctx1, "inst-1")

	ctx2 := Context{Sheet: "sheet1", TestName: "next_test"}
	tr.TrackProgression(key, ctx2)

	diag := tr.Diagnostic(key)
	if diag.ActiveCount != 0 {
		t.Fatalf("expected registration instance to be cleaned on test change, got active=%d", diag.ActiveCount)
	}
	if diag.ByStatus[StatusDeleted] != 1 {
		t.Fatalf("expected 1 deleted record, got %d", diag.ByStatus[StatusDeleted])
	}
}

func TestTrackProgressionKeepsSessionEndAcrossTestChange(t *testing.T) {
	tr := New()
	key := SessionKey("sheet1", "generic_flow", "host1")

	ctx1 := Context{Sheet: "sheet1", TestName: "generic_create"}
	tr.OnPut(key, ctx1, "inst-1")

	ctx2 := Context{Sheet: "sheet1", TestName: "generic_next"}
	tr.TrackProgression(key, ctx2)

	diag := tr.Diagnostic(key)
	if diag.ActiveCount != 1 {
		t.Fatalf("session_end policy instance should survive test change, active=%d", diag.ActiveCount)
	}
}

func TestDiagnosticReportsByTestAndStatus(t *testing.T) {
	tr := New()
	key := SessionKey("sheet1", "diag_test", "host1")
	ctx := Context{Sheet: "sheet1", TestName: "diag_test"}

	tr.OnPut(key, ctx, "inst-1")
	tr.OnPut(key, ctx, "inst-2")

	diag := tr.Diagnostic(key)
	if diag.ActiveCount != 2 {
		t.Fatalf("expected 2 active, got %d", diag.ActiveCount)
	}
	if diag.ByTest["diag_test"] != 2 {
		t.Fatalf("expected 2 records for diag_test, got %d", diag.ByTest["diag_test"])
	}
	if diag.ByStatus[StatusActive] != 2 {
		t.Fatalf("expected 2 active status records, got %d", diag.ByStatus[StatusActive])
	}
}

func TestSessionKeyIsolatesByHost(t *testing.T) {
	tr := New()
	ctx := Context{Sheet: "sheet1", TestName: "registration_test"}

	keyHostA := SessionKey("sheet1", "registration_test", "hostA")
	keyHostB := SessionKey("sheet1", "registration_test", "hostB")
	if keyHostA == keyHostB {
		t.Fatalf("expected distinct keys for distinct hosts, got %q for both", keyHostA)
	}

	tr.OnPut(keyHostA, ctx, "inst-a")

	// host B shares sheet+test_name with host A but must see its own,
	// independent session: no active instance yet.
	if got := tr.SelectFor(keyHostB, ctx, "GET"); got != "" {
		t.Fatalf("expected host B session empty, got %q", got)
	}
	if got := tr.OnDelete(keyHostB, ctx); got != "" {
		t.Fatalf("expected host B delete to find nothing, got %q", got)
	}

	// host A's own session is untouched by host B's no-op lookups.
	if got := tr.SelectFor(keyHostA, ctx, "GET"); got != "inst-a" {
		t.Fatalf("expected host A to still see inst-a, got %q", got)
	}
}

func TestDeriveCleanupPolicyHeuristics(t *testing.T) {
	cases := []struct {
		name string
		want CleanupPolicy
	}{
		{"nf_registration_basic", CleanupTestEnd},
		{"nf_discovery_query", CleanupSuiteEnd},
		{"generic_smoke_test", CleanupSessionEnd},
	}
	for _, c := range cases {
		if got := DeriveCleanupPolicy(c.name); got != c.want {
			t.Errorf("DeriveCleanupPolicy(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}
