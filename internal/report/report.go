// Package report specifies the results-generation collaborator at its
// interface only (spec.md §1 excludes report generation from the core).
// Generator is implemented here with a minimal JSON writer sufficient to
// drive the core end-to-end; xlsx/html generation is an external
// concern per spec.md §6.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/testpilot/testpilot/internal/model"
)

// Generator persists a completed run's results.
type Generator interface {
	Generate(results []model.TestResult, dir string) error
}

// JSONGenerator writes test_results_<ts>.json, matching the naming
// scheme of spec.md §6 (the xlsx/html siblings are left to a dedicated
// reporting tool).
type JSONGenerator struct {
	Timestamp string
}

// NewJSONGenerator returns a Generator stamping output files with ts.
func NewJSONGenerator(ts string) *JSONGenerator {
	return &JSONGenerator{Timestamp: ts}
}

func (g *JSONGenerator) Generate(results []model.TestResult, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdirall %q: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("test_results_%s.json", g.Timestamp))
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Noop discards results.
type Noop struct{}

func (Noop) Generate([]model.TestResult, string) error { return nil }
