// Package pattern implements the Pattern Matcher (C8): classifying a
// pattern string into one of seven kinds and matching it against a
// response, with compiled patterns (regex, jsonpath) cached by pattern
// string.
package pattern

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/testpilot/testpilot/internal/util"
)

// Kind is one of the seven pattern classifications spec.md §4.8 names.
type Kind string

const (
	KindSubstring  Kind = "substring"
	KindKV         Kind = "kv"
	KindMultiKV    Kind = "multi_kv"
	KindJSONObject Kind = "json_object"
	KindJSONArray  Kind = "json_array"
	KindJSONPath   Kind = "jsonpath"
	KindRegex      Kind = "regex"
)

// Strictness controls subset-vs-exact semantics for object/array kinds.
type Strictness int

const (
	Lenient Strictness = iota
	Strict
)

var metacharRe = util.Must(regexp.Compile(`[.^$*+?()\[\]{}|\\]`))

// Classify implements the deterministic, order-matters heuristics of
// spec.md §4.8.
func Classify(s string) Kind {
	trimmed := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(trimmed, "$"):
		return KindJSONPath
	case isJSONObject(trimmed):
		return KindJSONObject
	case isJSONArray(trimmed):
		return KindJSONArray
	case looksLikeRegex(trimmed):
		return KindRegex
	case isSingleKV(trimmed):
		return KindKV
	case isMultiKV(trimmed):
		return KindMultiKV
	default:
		return KindSubstring
	}
}

func isJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil
}

func isJSONArray(s string) bool {
	if !strings.HasPrefix(s, "[") {
		return false
	}
	var v []any
	return json.Unmarshal([]byte(s), &v) == nil
}

func looksLikeRegex(s string) bool {
	if strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") && len(s) > 1 {
		return true
	}
	return metacharRe.MatchString(s) && !strings.Contains(s, ":")
}

func isSingleKV(s string) bool {
	if strings.Contains(s, ",") {
		return false
	}
	return countUnquotedColons(s) == 1
}

func isMultiKV(s string) bool {
	if !strings.Contains(s, ",") {
		return false
	}
	for _, part := range strings.Split(s, ",") {
		if countUnquotedColons(part) != 1 {
			return false
		}
	}
	return true
}

func countUnquotedColons(s string) int {
	inQuote := false
	count := 0
	for _, r := range s {
		switch r {
		case '"':
			inQuote = !inQuote
		case ':':
			if !inQuote {
				count++
			}
		}
	}
	return count
}

// Result is the outcome of one Match call.
type Result struct {
	Passed        bool
	MatchPercent  float64 // only meaningful for lenient object/array kinds
	Reason        string
}

// Matcher holds the compiled-pattern cache (spec.md §4.8 "compiled
// patterns are cached by pattern string"; spec.md §5 requires concurrent
// reads guarded against concurrent writes, hence sync.RWMutex over a
// plain map — mirrors C4's guarded-map idiom).
type Matcher struct {
	mu          sync.RWMutex
	regexCache  map[string]*regexp.Regexp
	jqCache     map[string]*gojq.Code
}

// New returns an empty Matcher.
func New() *Matcher {
	return &Matcher{
		regexCache: make(map[string]*regexp.Regexp),
		jqCache:    make(map[string]*gojq.Code),
	}
}

// Match evaluates pattern against bodyText/bodyJSON/headerLines per
// spec.md §4.8's matching rules for the classified kind.
func (m *Matcher) Match(pattern string, bodyText string, bodyJSON any, headerLines []string, mode Strictness) (Result, error) {
	kind := Classify(pattern)
	switch kind {
	case KindSubstring:
		return m.matchSubstring(pattern, bodyText, headerLines), nil
	case KindKV:
		return m.matchKVs(splitKVs(pattern), bodyJSON), nil
	case KindMultiKV:
		return m.matchKVs(splitKVs(pattern), bodyJSON), nil
	case KindJSONObject:
		var want map[string]any
		if err := json.Unmarshal([]byte(pattern), &want); err != nil {
			return Result{}, err
		}
		return matchJSONObject(want, bodyJSON, mode), nil
	case KindJSONArray:
		var want []any
		if err := json.Unmarshal([]byte(pattern), &want); err != nil {
			return Result{}, err
		}
		return matchJSONArray(want, bodyJSON, mode), nil
	case KindJSONPath:
		return m.matchJSONPath(pattern, bodyJSON)
	case KindRegex:
		return m.matchRegex(pattern, bodyText)
	default:
		return Result{}, nil
	}
}

func (m *Matcher) matchSubstring(pattern, bodyText string, headerLines []string) Result {
	if strings.Contains(bodyText, pattern) {
		return Result{Passed: true}
	}
	for _, h := range headerLines {
		if strings.Contains(h, pattern) {
			return Result{Passed: true}
		}
	}
	return Result{Passed: false, Reason: "substring not found in body or headers"}
}

func splitKVs(pattern string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(pattern, ",") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		out[strings.Trim(strings.TrimSpace(k), `"`)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out
}

// matchKVs requires every pair to appear somewhere in the decoded JSON
// at any depth, with light type coercion (spec.md §4.8).
func (m *Matcher) matchKVs(want map[string]string, bodyJSON any) Result {
	found := make(map[string]bool, len(want))
	walkJSON(bodyJSON, func(key string, value any) {
		expected, ok := want[key]
		if !ok || found[key] {
			return
		}
		if coercedEqual(expected, value) {
			found[key] = true
		}
	})
	for k := range want {
		if !found[k] {
			return Result{Passed: false, Reason: "kv pair not found: " + k + ":" + want[k]}
		}
	}
	return Result{Passed: true}
}

// walkJSON visits every key/value pair in a JSON-decoded structure at
// any depth.
func walkJSON(v any, visit func(key string, value any)) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			visit(k, val)
			walkJSON(val, visit)
		}
	case []any:
		for _, e := range t {
			walkJSON(e, visit)
		}
	}
}

func coercedEqual(expected string, actual any) bool {
	switch av := actual.(type) {
	case string:
		return av == expected
	case bool:
		b, err := strconv.ParseBool(expected)
		return err == nil && b == av
	case float64:
		f, err := strconv.ParseFloat(expected, 64)
		return err == nil && f == av
	case nil:
		return expected == "null"
	default:
		return false
	}
}

// matchJSONObject implements the recursive subset (lenient) or
// deep-equal (strict) comparison, where a pattern value of null means
// "key must exist" (spec.md §4.8).
func matchJSONObject(want map[string]any, actual any, mode Strictness) Result {
	actualMap, ok := actual.(map[string]any)
	if !ok {
		return Result{Passed: false, Reason: "response body is not a JSON object"}
	}

	total := 0
	matched := 0
	var firstReason string
	for k, wv := range want {
		total++
		av, present := actualMap[k]
		switch {
		case wv == nil:
			if present {
				matched++
			} else if firstReason == "" {
				firstReason = "missing key: " + k
			}
		case !present:
			if firstReason == "" {
				firstReason = "missing key: " + k
			}
		default:
			if valueSubsetMatches(wv, av, mode) {
				matched++
			} else if firstReason == "" {
				firstReason = "value mismatch for key: " + k
			}
		}
	}

	if mode == Strict {
		if matched != total || len(actualMap) != len(want) {
			return Result{Passed: false, Reason: firstReason, MatchPercent: pct(matched, total)}
		}
		return Result{Passed: true, MatchPercent: 100}
	}

	percent := pct(matched, total)
	return Result{Passed: percent >= 50, MatchPercent: percent, Reason: firstReason}
}

func valueSubsetMatches(want, actual any, mode Strictness) bool {
	switch wv := want.(type) {
	case map[string]any:
		return matchJSONObject(wv, actual, mode).Passed
	case []any:
		return matchJSONArray(wv, actual, mode).Passed
	default:
		return deepEqualScalar(want, actual)
	}
}

func deepEqualScalar(a, b any) bool {
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool || bIsBool {
		return aIsBool && bIsBool && ab == bb
	}
	af, aIsNum := a.(float64)
	bf, bIsNum := b.(float64)
	if aIsNum || bIsNum {
		return aIsNum && bIsNum && af == bf
	}
	return a == b
}

// matchJSONArray implements lenient (subset, any order) vs strict
// (same length, positional) array matching (spec.md §4.8).
func matchJSONArray(want []any, actual any, mode Strictness) Result {
	actualArr, ok := actual.([]any)
	if !ok {
		return Result{Passed: false, Reason: "response body is not a JSON array"}
	}

	if mode == Strict {
		if len(want) != len(actualArr) {
			return Result{Passed: false, Reason: "array length mismatch"}
		}
		for i := range want {
			if !valueSubsetMatches(want[i], actualArr[i], mode) {
				return Result{Passed: false, Reason: "array element mismatch at index " + strconv.Itoa(i)}
			}
		}
		return Result{Passed: true, MatchPercent: 100}
	}

	matched := 0
	used := make([]bool, len(actualArr))
	for _, w := range want {
		for i, a := range actualArr {
			if used[i] {
				continue
			}
			if valueSubsetMatches(w, a, mode) {
				used[i] = true
				matched++
				break
			}
		}
	}
	percent := pct(matched, len(want))
	return Result{Passed: percent >= 50, MatchPercent: percent}
}

func pct(matched, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(matched) / float64(total) * 100
}

func (m *Matcher) matchJSONPath(pattern string, bodyJSON any) (Result, error) {
	code, err := m.compileJSONPath(pattern)
	if err != nil {
		return Result{}, err
	}
	iter := code.Run(bodyJSON)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return Result{}, err
		}
		if v != nil {
			return Result{Passed: true}, nil
		}
	}
	return Result{Passed: false, Reason: "jsonpath produced an empty result set"}, nil
}

func (m *Matcher) compileJSONPath(pattern string) (*gojq.Code, error) {
	m.mu.RLock()
	code, ok := m.jqCache[pattern]
	m.mu.RUnlock()
	if ok {
		return code, nil
	}

	// jq has no "$" root: "$.a.b" is evaluated as ".a.b", "$" as ".".
	expr := strings.TrimPrefix(pattern, "$")
	if !strings.HasPrefix(expr, ".") {
		expr = "." + expr
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, err
	}
	code, err = gojq.Compile(query)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.jqCache[pattern] = code
	m.mu.Unlock()
	return code, nil
}

func (m *Matcher) matchRegex(pattern, bodyText string) (Result, error) {
	re, err := m.compileRegex(pattern)
	if err != nil {
		return Result{}, err
	}
	if re.MatchString(bodyText) {
		return Result{Passed: true}, nil
	}
	return Result{Passed: false, Reason: "regex did not match body"}, nil
}

func (m *Matcher) compileRegex(pattern string) (*regexp.Regexp, error) {
	m.mu.RLock()
	re, ok := m.regexCache[pattern]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}

	raw := pattern
	if strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/") && len(raw) > 1 {
		raw = raw[1 : len(raw)-1]
	}
	re, err := regexp.Compile(raw)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.regexCache[pattern] = re
	m.mu.Unlock()
	return re, nil
}
