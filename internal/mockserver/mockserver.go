// Package mockserver implements the mock HTTP fixture server spec.md §9
// specifies at its interface: a collaborator, not core, reachable via
// the `testpilot mock` subcommand and exercised end-to-end through
// internal/transport's Mock transport.
package mockserver

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Fixture is one recorded response, keyed by sheet/test_name/method/path.
type Fixture struct {
	Sheet      string            `json:"sheet"`
	TestName   string            `json:"test_name"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
}

func (f Fixture) key() string {
	return strings.ToUpper(f.Method) + " " + f.Path + " | " + f.Sheet + "::" + f.TestName
}

// Server holds the loaded fixture set and exposes the chi router.
type Server struct {
	lg *zap.Logger

	mu       sync.RWMutex
	fixtures map[string]Fixture
	sheets   []string
	tests    map[string][]string // sheet -> test names
}

// Load reads a JSON array of Fixture from path.
func Load(path string) ([]Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fixtures []Fixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return nil, err
	}
	return fixtures, nil
}

// New builds a Server from a loaded fixture set.
func New(lg *zap.Logger, fixtures []Fixture) *Server {
	if lg == nil {
		lg = zap.NewNop()
	}
	s := &Server{lg: lg, fixtures: make(map[string]Fixture), tests: make(map[string][]string)}
	sheetSet := make(map[string]bool)
	for _, f := range fixtures {
		s.fixtures[f.key()] = f
		if !sheetSet[f.Sheet] {
			sheetSet[f.Sheet] = true
			s.sheets = append(s.sheets, f.Sheet)
		}
		s.tests[f.Sheet] = append(s.tests[f.Sheet], f.TestName)
	}
	sort.Strings(s.sheets)
	return s
}

// Router builds the chi route table from spec.md §9: GET /mock/sheets,
// GET /mock/tests, GET /mock/test/{sheet}/{name}, plus a wildcard route
// matching on X-Test-Sheet/X-Test-Name headers and method+path.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/mock/sheets", s.handleSheets)
	r.Get("/mock/tests", s.handleTests)
	r.Get("/mock/test/{sheet}/{name}", s.handleNamedTest)
	r.HandleFunc("/*", s.handleWildcard)
	return r
}

func (s *Server) handleSheets(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	writeJSON(w, http.StatusOK, s.sheets)
}

func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	sheet := r.URL.Query().Get("sheet")
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sheet != "" {
		writeJSON(w, http.StatusOK, s.tests[sheet])
		return
	}
	writeJSON(w, http.StatusOK, s.tests)
}

func (s *Server) handleNamedTest(w http.ResponseWriter, r *http.Request) {
	sheet := chi.URLParam(r, "sheet")
	name := chi.URLParam(r, "name")
	method := r.URL.Query().Get("method")
	if method == "" {
		method = http.MethodGet
	}
	path := r.URL.Query().Get("path")

	f, ok := s.lookup(sheet, name, method, path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.writeFixture(w, f)
}

func (s *Server) handleWildcard(w http.ResponseWriter, r *http.Request) {
	sheet := r.Header.Get("X-Test-Sheet")
	name := r.Header.Get("X-Test-Name")

	f, ok := s.lookup(sheet, name, r.Method, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.writeFixture(w, f)
}

func (s *Server) lookup(sheet, name, method, path string) (Fixture, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f := Fixture{Sheet: sheet, TestName: name, Method: method, Path: path}
	fixture, ok := s.fixtures[f.key()]
	return fixture, ok
}

func (s *Server) writeFixture(w http.ResponseWriter, f Fixture) {
	for k, v := range f.Headers {
		w.Header().Set(k, v)
	}
	status := f.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(f.Body) > 0 {
		w.Write(f.Body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
