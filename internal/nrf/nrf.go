// Package nrf implements the stateful NRF instance tracker (C4): a
// per-session stack of active nfInstanceIds driving URL rewriting for
// PUT/GET/PATCH/DELETE sequences against the Network Repository Function.
//
// Session state is guarded the way the teacher guards its per-key SSH
// retry counters (a plain map behind one mutex) rather than anything more
// elaborate — instance records never cycle, so a simple slice stack
// suffices for the "active" sequence (spec.md §9).
package nrf

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one tracked instance.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// CleanupPolicy controls when an un-deleted instance is auto-cleaned.
type CleanupPolicy string

const (
	CleanupTestEnd    CleanupPolicy = "test_end"
	CleanupSuiteEnd   CleanupPolicy = "suite_end"
	CleanupSessionEnd CleanupPolicy = "session_end"
)

// Context identifies the flow invocation driving a tracker operation.
type Context struct {
	Sheet    string
	TestName string
	RowIdx   int
}

// SessionKey builds the session identifier spec.md §4.10 describes as
// keyed by "(sheet, test_name, host)" — each host gets its own NRF
// session so one host's PUT/DELETE sequence never leaks into another's.
func SessionKey(sheet, testName, host string) string {
	return sheet + "::" + testName + "::" + host
}

// InstanceRecord is one tracked nfInstanceId.
type InstanceRecord struct {
	NFInstanceID   string
	CreatedBy      Context
	CreatedAt      time.Time
	Operations     []Operation
	Status         Status
	CleanupPolicy  CleanupPolicy
	DeletionReason string
}

// Operation records one method applied to an instance.
type Operation struct {
	Method string
	At     time.Time
}

// Diagnostic is a point-in-time snapshot of a session's state.
type Diagnostic struct {
	SessionID   string // minted once per (sheet, test_name, host) session
	ActiveCount int
	Stack       []string
	ByTest      map[string]int
	ByStatus    map[Status]int
	Orphans     []string
}

type session struct {
	id          string
	registry    map[string]*InstanceRecord
	activeStack []string
	lastSeen    Context
	haveSeen    bool
}

func newSession() *session {
	return &session{id: uuid.New().String(), registry: make(map[string]*InstanceRecord)}
}

// Tracker owns every NRF session in the process, keyed by SessionKey.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{sessions: make(map[string]*session)}
}

func (t *Tracker) sessionFor(key string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok {
		s = newSession()
		t.sessions[key] = s
	}
	return s
}

// OnPut pushes id onto the active stack and creates a registry entry.
// cleanup_policy is derived from test-name substrings per spec.md §4.4
// by DeriveCleanupPolicy (a behavioral-parity heuristic). OnPut always
// calls that function directly; the policy cannot be overridden.
func (t *Tracker) OnPut(key string, ctx Context, id string) {
	s := t.sessionFor(key)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.trackProgressionLocked(s, ctx)

	rec := &InstanceRecord{
		NFInstanceID:  id,
		CreatedBy:     ctx,
		CreatedAt:     time.Now(),
		Status:        StatusActive,
		CleanupPolicy: DeriveCleanupPolicy(ctx.TestName),
	}
	rec.Operations = append(rec.Operations, Operation{Method: "PUT", At: rec.CreatedAt})
	s.registry[id] = rec
	s.activeStack = append(s.activeStack, id)
}

// DeriveCleanupPolicy implements the test-name heuristics spec.md §4.4
// documents for behavioral parity: "registration" → test_end,
// "discovery" → suite_end, otherwise session_end.
func DeriveCleanupPolicy(testName string) CleanupPolicy {
	lower := strings.ToLower(testName)
	switch {
	case strings.Contains(lower, "registration"):
		return CleanupTestEnd
	case strings.Contains(lower, "discovery"):
		return CleanupSuiteEnd
	default:
		return CleanupSessionEnd
	}
}

// SelectFor returns the ID GET/PATCH should target: the top-down first
// entry created by ctx.TestName, falling back to the stack top, or ""
// when the stack is empty.
func (t *Tracker) SelectFor(key string, ctx Context, method string) string {
	s := t.sessionFor(key)
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(s.activeStack) - 1; i >= 0; i-- {
		id := s.activeStack[i]
		if rec, ok := s.registry[id]; ok && rec.CreatedBy.TestName == ctx.TestName {
			t.recordOpLocked(s, id, method)
			return id
		}
	}
	if len(s.activeStack) == 0 {
		return ""
	}
	top := s.activeStack[len(s.activeStack)-1]
	t.recordOpLocked(s, top, method)
	return top
}

func (t *Tracker) recordOpLocked(s *session, id, method string) {
	if method == "" {
		return
	}
	if rec, ok := s.registry[id]; ok {
		rec.Operations = append(rec.Operations, Operation{Method: method, At: time.Now()})
	}
}

// OnDelete removes the id selected by SelectFor from the active stack
// (not just the top) and marks it deleted. Returns "" when no active
// instance is found — the double-DELETE sentinel spec.md §4.4 and §8
// require; callers must not issue an HTTP request with an empty id.
func (t *Tracker) OnDelete(key string, ctx Context) string {
	s := t.sessionFor(key)
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	var id string
	for i := len(s.activeStack) - 1; i >= 0; i-- {
		candidate := s.activeStack[i]
		if rec, ok := s.registry[candidate]; ok && rec.CreatedBy.TestName == ctx.TestName {
			idx, id = i, candidate
			break
		}
	}
	if idx < 0 && len(s.activeStack) > 0 {
		idx = len(s.activeStack) - 1
		id = s.activeStack[idx]
	}
	if idx < 0 {
		return ""
	}

	s.activeStack = append(s.activeStack[:idx], s.activeStack[idx+1:]...)
	if rec, ok := s.registry[id]; ok {
		rec.Status = StatusDeleted
		rec.DeletionReason = "DELETE"
		rec.Operations = append(rec.Operations, Operation{Method: "DELETE", At: time.Now()})
	}
	return id
}

// TrackProgression auto-cleans instances whose owning test_name (or
// sheet) has moved on, per the cleanup_policy each instance was created
// with. Exported for callers (the flow executor) that want to trigger it
// outside of OnPut, e.g. between steps of a long flow.
func (t *Tracker) TrackProgression(key string, ctx Context) {
	s := t.sessionFor(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackProgressionLocked(s, ctx)
}

func (t *Tracker) trackProgressionLocked(s *session, ctx Context) {
	if !s.haveSeen {
		s.lastSeen = ctx
		s.haveSeen = true
		return
	}
	prev := s.lastSeen
	s.lastSeen = ctx

	testChanged := prev.TestName != ctx.TestName
	sheetChanged := prev.Sheet != ctx.Sheet

	if !testChanged && !sheetChanged {
		return
	}

	remaining := s.activeStack[:0:0]
	for _, id := range s.activeStack {
		rec, ok := s.registry[id]
		if !ok {
			continue
		}
		shouldClean := (testChanged && rec.CleanupPolicy == CleanupTestEnd && rec.CreatedBy.TestName == prev.TestName) ||
			(sheetChanged && rec.CleanupPolicy == CleanupSuiteEnd && rec.CreatedBy.Sheet == prev.Sheet)
		if shouldClean {
			rec.Status = StatusDeleted
			rec.DeletionReason = "auto-cleanup"
			continue
		}
		remaining = append(remaining, id)
	}
	s.activeStack = remaining
}

// Diagnostic returns {active_count, stack, by_test, by_status, orphans}
// for a session.
func (t *Tracker) Diagnostic(key string) Diagnostic {
	s := t.sessionFor(key)
	t.mu.Lock()
	defer t.mu.Unlock()

	d := Diagnostic{
		SessionID: s.id,
		Stack:     append([]string(nil), s.activeStack...),
		ByTest:    make(map[string]int),
		ByStatus:  make(map[Status]int),
	}
	activeSet := make(map[string]bool, len(s.activeStack))
	for _, id := range s.activeStack {
		activeSet[id] = true
	}
	for id, rec := range s.registry {
		d.ByTest[rec.CreatedBy.TestName]++
		d.ByStatus[rec.Status]++
		if rec.Status == StatusActive && !activeSet[id] {
			d.Orphans = append(d.Orphans, id)
		}
	}
	d.ActiveCount = len(s.activeStack)
	return d
}
