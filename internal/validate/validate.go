// Package validate implements the Validation Engine (C7): a three-layer
// check (status, pattern, payload) with lenient/strict modes, plus the
// save_as/compare_with FlowContext side effects applied on success.
package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/itchyny/gojq"

	"github.com/testpilot/testpilot/internal/errs"
	"github.com/testpilot/testpilot/internal/model"
	"github.com/testpilot/testpilot/internal/pattern"
)

// Mode is the strictness the caller requests; the Audit Adapter (C11)
// always forces Strict.
type Mode int

const (
	ModeLenient Mode = iota
	ModeStrict
)

func (m Mode) patternStrictness() pattern.Strictness {
	if m == ModeStrict {
		return pattern.Strict
	}
	return pattern.Lenient
}

// Outcome is the result of one validate call.
type Outcome struct {
	Passed  bool
	Reason  string
	Details map[string]any
}

// Options carries config knobs validate needs beyond the step itself.
type Options struct {
	Mode                  Mode
	JSONMatchThresholdPct float64 // 0 means use the default (50)
	IgnoreFields          []string
	IgnoreArrayOrder      bool
	PayloadsDir           string
}

func (o Options) threshold() float64 {
	if o.JSONMatchThresholdPct > 0 {
		return o.JSONMatchThresholdPct
	}
	return 50
}

// Engine runs validation, holding the shared pattern matcher (and its
// compiled-pattern cache) across calls.
type Engine struct {
	matcher *pattern.Matcher
}

// New returns an Engine backed by its own pattern matcher.
func New(matcher *pattern.Matcher) *Engine {
	if matcher == nil {
		matcher = pattern.New()
	}
	return &Engine{matcher: matcher}
}

// Validate implements spec.md §4.7's three ordered layers, the first
// failure short-circuiting, followed by save_as/compare_with side
// effects on success.
func (e *Engine) Validate(step model.TestStep, resp *model.Response, ctx *model.FlowContext, opts Options) (Outcome, error) {
	if out, ok := e.checkStatus(step, resp); !ok {
		return out, nil
	}

	if strings.TrimSpace(step.PatternMatch) != "" {
		out, err := e.checkPattern(step, resp, opts)
		if err != nil {
			return Outcome{}, err
		}
		if !out.Passed {
			return out, nil
		}
	}

	if strings.TrimSpace(step.ResponsePayload) != "" {
		out, err := e.checkPayload(step, resp, opts)
		if err != nil {
			return Outcome{}, err
		}
		if !out.Passed {
			return out, nil
		}
	}

	if out, ok := e.applySideEffects(step, resp, ctx); !ok {
		return out, nil
	}

	return Outcome{Passed: true}, nil
}

// checkStatus interprets step.ExpectedStatus as a predicate: "Nxx",
// "a,b,c", "a-b" range, or an integer literal (spec.md §4.7 layer 1).
func (e *Engine) checkStatus(step model.TestStep, resp *model.Response) (Outcome, bool) {
	expected := strings.TrimSpace(step.ExpectedStatus)
	if expected == "" {
		return Outcome{Passed: true}, true
	}
	actual := resp.StatusCode

	if ok := statusPredicateMatches(expected, actual); ok {
		return Outcome{Passed: true}, true
	}
	return Outcome{
		Passed: false,
		Reason: fmt.Sprintf("%s: %d vs %s", errs.CategoryStatusMismatch, actual, expected),
		Details: map[string]any{"category": errs.CategoryStatusMismatch},
	}, false
}

func statusPredicateMatches(expected string, actual int) bool {
	switch {
	case len(expected) == 3 && expected[1] == 'x' && expected[2] == 'x':
		n := expected[0]
		if n < '1' || n > '9' {
			return false
		}
		low := int(n-'0') * 100
		return actual >= low && actual <= low+99
	case strings.Contains(expected, ","):
		for _, part := range strings.Split(expected, ",") {
			if v, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && v == actual {
				return true
			}
		}
		return false
	case strings.Contains(expected, "-"):
		parts := strings.SplitN(expected, "-", 2)
		if len(parts) != 2 {
			return false
		}
		low, errA := strconv.Atoi(strings.TrimSpace(parts[0]))
		high, errB := strconv.Atoi(strings.TrimSpace(parts[1]))
		if errA != nil || errB != nil {
			return false
		}
		return actual >= low && actual <= high
	default:
		v, err := strconv.Atoi(expected)
		return err == nil && v == actual
	}
}

func (e *Engine) checkPattern(step model.TestStep, resp *model.Response, opts Options) (Outcome, error) {
	var headerLines []string
	for k, vs := range resp.Headers {
		for _, v := range vs {
			headerLines = append(headerLines, k+": "+v)
		}
	}

	res, err := e.matcher.Match(step.PatternMatch, resp.BodyText, resp.BodyJSON, headerLines, opts.Mode.patternStrictness())
	if err != nil {
		return Outcome{}, err
	}

	if opts.Mode == ModeLenient && pattern.Classify(step.PatternMatch) == pattern.KindJSONObject {
		if res.MatchPercent < opts.threshold() {
			return Outcome{
				Passed: false,
				Reason: fmt.Sprintf("%s: %.1f%% below threshold %.1f%%", errs.CategoryPatternMismatch, res.MatchPercent, opts.threshold()),
				Details: map[string]any{"category": errs.CategoryPatternMismatch, "match_percent": res.MatchPercent},
			}, nil
		}
		return Outcome{Passed: true}, nil
	}

	if !res.Passed {
		return Outcome{
			Passed: false,
			Reason: fmt.Sprintf("%s: %s", errs.CategoryPatternMismatch, res.Reason),
			Details: map[string]any{"category": errs.CategoryPatternMismatch},
		}, nil
	}
	return Outcome{Passed: true}, nil
}

// checkPayload loads the reference payload (inline or from
// opts.PayloadsDir) and structurally diffs it against resp.BodyJSON
// with go-cmp, after stripping ignore_fields from both sides (spec.md
// §4.7 layer 3).
func (e *Engine) checkPayload(step model.TestStep, resp *model.Response, opts Options) (Outcome, error) {
	raw, err := loadReference(step.ResponsePayload, opts.PayloadsDir)
	if err != nil {
		return Outcome{}, err
	}

	var want any
	if err := json.Unmarshal([]byte(raw), &want); err != nil {
		return Outcome{}, fmt.Errorf("response_payload is not valid JSON: %w", err)
	}

	wantStripped := stripFields(want, opts.IgnoreFields)
	gotStripped := stripFields(resp.BodyJSON, opts.IgnoreFields)

	if opts.Mode == ModeStrict {
		diff := cmp.Diff(wantStripped, gotStripped)
		if diff == "" {
			return Outcome{Passed: true}, nil
		}
		return Outcome{
			Passed: false,
			Reason: errs.CategoryPayloadMismatch + ": structural diff found",
			Details: map[string]any{"category": errs.CategoryPayloadMismatch, "diff": diff},
		}, nil
	}

	percent := lenientMatchPercent(wantStripped, gotStripped, opts.IgnoreArrayOrder)
	if percent > opts.threshold() {
		return Outcome{Passed: true}, nil
	}
	return Outcome{
		Passed: false,
		Reason: fmt.Sprintf("%s: %.1f%% below threshold %.1f%%", errs.CategoryPayloadMismatch, percent, opts.threshold()),
		Details: map[string]any{"category": errs.CategoryPayloadMismatch, "match_percent": percent},
	}, nil
}

func loadReference(ref, payloadsDir string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return ref, nil
	}
	return readPayloadFile(payloadsDir, trimmed)
}

func readPayloadFile(payloadsDir, name string) (string, error) {
	path := filepath.Join(payloadsDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("response_payload file %q: %w", path, err)
	}
	return string(data), nil
}

func stripFields(v any, ignore []string) any {
	if len(ignore) == 0 {
		return v
	}
	set := make(map[string]bool, len(ignore))
	for _, f := range ignore {
		set[f] = true
	}
	return stripFieldsWalk(v, "", set)
}

func stripFieldsWalk(v any, prefix string, ignore map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if ignore[path] {
				continue
			}
			out[k] = stripFieldsWalk(val, path, ignore)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = stripFieldsWalk(e, prefix, ignore)
		}
		return out
	default:
		return v
	}
}

// lenientMatchPercent computes a coarse match percentage between two
// decoded JSON values. For an object it is the share of want's top-level
// keys whose values are deeply equal in got; for an array, the share of
// want's elements equal to got's (by position, or anywhere in got when
// ignoreArrayOrder); for a scalar, 100 or 0.
func lenientMatchPercent(want, got any, ignoreArrayOrder bool) float64 {
	total, matched := 0, 0
	var walk func(w, g any)
	walk = func(w, g any) {
		switch wt := w.(type) {
		case map[string]any:
			gt, ok := g.(map[string]any)
			for k, wv := range wt {
				total++
				if ok {
					if gv, present := gt[k]; present {
						sub := 0
						subTotal := 0
						countMatch(wv, gv, &subTotal, &sub, ignoreArrayOrder)
						if subTotal == 0 || sub == subTotal {
							matched++
						}
					}
				}
			}
		case []any:
			gt, ok := g.([]any)
			if !ok {
				total += len(wt)
				return
			}
			if ignoreArrayOrder {
				used := make([]bool, len(gt))
				for _, we := range wt {
					total++
					for i, ge := range gt {
						if used[i] {
							continue
						}
						if cmp.Equal(we, ge) {
							used[i] = true
							matched++
							break
						}
					}
				}
			} else {
				for i, we := range wt {
					total++
					if i < len(gt) && cmp.Equal(we, gt[i]) {
						matched++
					}
				}
			}
		default:
			total++
			if cmp.Equal(w, g) {
				matched++
			}
		}
	}
	walk(want, got)
	return pctOf(matched, total)
}

func countMatch(w, g any, total, matched *int, ignoreArrayOrder bool) {
	*total++
	if cmp.Equal(w, g) {
		*matched++
	}
}

func pctOf(matched, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(matched) / float64(total) * 100
}

// applySideEffects extracts save_as into FlowContext.Saved and checks
// compare_with equality, both post-validation (spec.md §4.7).
func (e *Engine) applySideEffects(step model.TestStep, resp *model.Response, ctx *model.FlowContext) (Outcome, bool) {
	if step.SaveAs != "" {
		val, ok := extractValue(step.SaveAs, resp)
		if !ok {
			return Outcome{
				Passed: false,
				Reason: errs.CategoryMissingSavedValue + ": " + step.SaveAs,
				Details: map[string]any{"category": errs.CategoryMissingSavedValue},
			}, false
		}
		if ctx != nil {
			ctx.Save(step.SaveAs, val)
		}
	}

	if step.CompareWith != "" {
		if ctx == nil {
			return Outcome{Passed: true}, true
		}
		saved, ok := ctx.Saved[step.CompareWith]
		if !ok {
			return Outcome{
				Passed: false,
				Reason: errs.CategoryMissingSavedValue + ": " + step.CompareWith,
				Details: map[string]any{"category": errs.CategoryMissingSavedValue},
			}, false
		}
		actual, ok := extractValue(step.CompareWith, resp)
		if !ok || !cmp.Equal(saved, actual) {
			return Outcome{
				Passed: false,
				Reason: errs.CategoryComparisonMismatch + ": " + step.CompareWith,
				Details: map[string]any{"category": errs.CategoryComparisonMismatch},
			}, false
		}
	}

	return Outcome{Passed: true}, true
}

// extractValue resolves name as a JSONPath (if it starts with "$") or a
// top-level key of resp.BodyJSON.
func extractValue(name string, resp *model.Response) (any, bool) {
	if resp.BodyJSON == nil {
		return nil, false
	}
	if strings.HasPrefix(name, "$") {
		expr := strings.TrimPrefix(name, "$")
		if !strings.HasPrefix(expr, ".") {
			expr = "." + expr
		}
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, false
		}
		iter := query.Run(resp.BodyJSON)
		v, ok := iter.Next()
		if !ok {
			return nil, false
		}
		if _, isErr := v.(error); isErr {
			return nil, false
		}
		return v, true
	}
	obj, ok := resp.BodyJSON.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj[name]
	return v, ok
}
