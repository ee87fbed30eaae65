// Package suite specifies the spreadsheet-loading collaborator at its
// interface only (spec.md §1 excludes spreadsheet parsing from the
// core). Loader is implemented here with a minimal JSON-backed stub
// sufficient to drive the core end-to-end in tests; a real spreadsheet
// reader (e.g. an xlsx library) is an external concern per spec.md §6.
package suite

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/testpilot/testpilot/internal/model"
)

// Loader reads a suite definition into an ordered set of TestFlows.
type Loader interface {
	Load(path string) ([]model.TestFlow, error)
}

// jsonRow mirrors the recognized spreadsheet columns from spec.md §6,
// case-insensitively, as JSON field names for the stub loader.
type jsonRow struct {
	Sheet           string        `json:"sheet"`
	TestName        string        `json:"test_name"`
	Method          model.Method  `json:"method"`
	URL             string        `json:"url"`
	Headers         []model.Header `json:"headers"`
	Payload         string        `json:"payload"`
	ExpectedStatus  string        `json:"expected_status"`
	PatternMatch    string        `json:"pattern_match"`
	ResponsePayload string        `json:"response_payload"`
	PodExec         string        `json:"pod_exec"`
	SaveAs          string        `json:"save_as"`
	CompareWith     string        `json:"compare_with"`
	ReqsPerSec      float64       `json:"reqs_sec"`
}

// JSONLoader reads a flat JSON array of rows (the stub's native wire
// format) and groups rows sharing (Sheet, Test_Name) into flows, in file order, per
// spec.md §6.
type JSONLoader struct{}

// NewJSONLoader returns a JSONLoader.
func NewJSONLoader() *JSONLoader { return &JSONLoader{} }

func (JSONLoader) Load(path string) ([]model.TestFlow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite %q: %w", path, err)
	}
	var rows []jsonRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse suite %q: %w", path, err)
	}

	order := make([]string, 0)
	bySheetTest := make(map[string]*model.TestFlow)
	for i, row := range rows {
		key := row.Sheet + "::" + row.TestName
		f, ok := bySheetTest[key]
		if !ok {
			f = &model.TestFlow{Sheet: row.Sheet, TestName: row.TestName}
			bySheetTest[key] = f
			order = append(order, key)
		}
		f.Steps = append(f.Steps, model.TestStep{
			RowIdx: i, Sheet: row.Sheet, TestName: row.TestName, Method: row.Method,
			URL: row.URL, Headers: row.Headers, Payload: row.Payload,
			ExpectedStatus: row.ExpectedStatus, PatternMatch: row.PatternMatch,
			ResponsePayload: row.ResponsePayload, PodExec: row.PodExec,
			SaveAs: row.SaveAs, CompareWith: row.CompareWith, ReqsPerSec: row.ReqsPerSec,
		})
	}

	flows := make([]model.TestFlow, 0, len(order))
	for _, key := range order {
		flows = append(flows, *bySheetTest[key])
	}
	return flows, nil
}
