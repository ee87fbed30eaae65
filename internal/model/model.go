// Package model holds the data types shared across TestPilot's
// components: hosts, steps, flows, responses and results.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuthMode distinguishes how a Host authenticates over SSH.
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthPassword
	AuthKey
)

// CLIKind names the Kubernetes CLI a host uses to exec into pods.
type CLIKind string

const (
	CLIKubectl CLIKind = "kubectl"
	CLIOC      CLIKind = "oc"
)

// Host is one remote target a flow can be run against.
type Host struct {
	Name     string
	Hostname string
	Username string
	Port     int
	Auth     AuthMode
	Password string
	KeyPath  string
	Namespace string
	CLI      CLIKind // set only from the host config's "cli" field; never detected, and when empty pod_exec commands are sent unwrapped
}

// KubectlLogsSettings controls the duration/since window for supplementary
// pod-log capture (spec.md §4.9 step 6).
type KubectlLogsSettings struct {
	CaptureDurationSeconds int
	Since                  string
}

// ValidationSettings carries the lenient-mode payload match threshold.
type ValidationSettings struct {
	JSONMatchThresholdPct float64
}

// RateLimitSettings configures C2.
type RateLimitSettings struct {
	Enabled        bool
	DefaultRPS     float64
	PerHost        bool
	BurstSize      int
}

// SSHSettings configures C5's SSH transport.
type SSHSettings struct {
	AutoAddHosts bool
	MaxRetries   int
	RetryDelay   time.Duration
	Timeout      time.Duration
}

// Config is the immutable, process-wide configuration loaded by C1.
type Config struct {
	UseSSH     bool
	PodMode    bool
	NFName     string
	ConnectTo  []string
	Hosts      []Host
	RateLimit  RateLimitSettings
	SSH        SSHSettings
	KubectlLogs KubectlLogsSettings
	Validation ValidationSettings
	StopOnFailure bool
}

// IsNRF reports whether the configured network function identity enables
// NRF instance tracking (spec.md §4.1).
func (c *Config) IsNRF() bool {
	switch c.NFName {
	case "nrf", "ocnrf":
		return true
	default:
		return false
	}
}

// HostByName finds a configured host by name.
func (c *Config) HostByName(name string) (Host, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

// Method is an HTTP verb recognized by TestStep.
type Method string

const (
	GET    Method = "GET"
	POST   Method = "POST"
	PUT    Method = "PUT"
	PATCH  Method = "PATCH"
	DELETE Method = "DELETE"
)

// Header is one request header pair, preserving insertion order (a map
// would not).
type Header struct {
	Key   string
	Value string
}

// TestStep is one row of a flow. Immutable after load.
type TestStep struct {
	RowIdx         int
	Sheet          string
	TestName       string
	Method         Method
	URL            string
	Headers        []Header
	Payload        string // literal JSON/text, or a payloads-folder filename
	ExpectedStatus string
	PatternMatch   string
	ResponsePayload string // literal or file reference
	PodExec        string // container/pod-selector hint; empty means no kubectl wrap
	SaveAs         string
	CompareWith    string
	ReqsPerSec     float64 // 0 means unset
}

// TestFlow is an ordered sequence of steps sharing one TestName.
type TestFlow struct {
	Sheet    string
	TestName string
	Steps    []TestStep
}

// FlowContext is mutable, flow-scoped state: saved values and placeholder
// bindings. Exclusively owned by one Flow Executor invocation.
type FlowContext struct {
	Saved        map[string]any
	Placeholders map[string]string
}

// NewFlowContext returns an empty FlowContext.
func NewFlowContext() *FlowContext {
	return &FlowContext{
		Saved:        make(map[string]any),
		Placeholders: make(map[string]string),
	}
}

// Save records val under key in both Saved (for compare_with's typed
// equality check) and Placeholders (stringified, so a later step's
// {key} token resolves it) — spec.md §4.9 step 2 draws placeholder
// values from both maps.
func (c *FlowContext) Save(key string, val any) {
	if c == nil {
		return
	}
	c.Saved[key] = val
	c.Placeholders[key] = stringify(val)
}

// Resolve looks up name as a placeholder, falling back to a stringified
// Saved value when no direct placeholder binding exists.
func (c *FlowContext) Resolve(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	if v, ok := c.Placeholders[name]; ok {
		return v, true
	}
	if v, ok := c.Saved[name]; ok {
		return stringify(v), true
	}
	return "", false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var unquoted string
		if err := json.Unmarshal(b, &unquoted); err == nil {
			return unquoted
		}
	}
	return s
}

// Response is the reconstructed result of executing a command.
type Response struct {
	StatusCode int
	Headers    map[string][]string // case-insensitive keys, canonicalized lowercase
	BodyBytes  []byte
	BodyText   string
	BodyJSON   any // nil if the body did not parse as JSON
	RawStdout  string
	RawStderr  string
	DurationMS int64

	// SupplementaryBody holds captured pod logs (spec.md §4.9 step 6),
	// available to the pattern matcher for a log-oriented pattern_match.
	SupplementaryBody string
}

// HeaderValues returns all values for a header name, case-insensitively.
func (r *Response) HeaderValues(name string) []string {
	if r == nil || r.Headers == nil {
		return nil
	}
	return r.Headers[normalizeHeaderKey(name)]
}

func normalizeHeaderKey(k string) string {
	b := []byte(k)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// AddHeader appends a value to the response's header multimap.
func (r *Response) AddHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string][]string)
	}
	k := normalizeHeaderKey(key)
	r.Headers[k] = append(r.Headers[k], value)
}

// ResultStatus is the terminal state of one executed step.
type ResultStatus string

const (
	StatusPass    ResultStatus = "PASS"
	StatusFail    ResultStatus = "FAIL"
	StatusSkipped ResultStatus = "SKIPPED"
	StatusDryRun  ResultStatus = "DRY-RUN"
)

// TestResult is emitted once per step per host per flow attempt.
type TestResult struct {
	ID         string // uuid.New().String(), minted by C9 at result creation
	Sheet      string
	RowIdx     int
	Host       string
	TestName   string
	Method     Method
	Status     ResultStatus
	FailReason string
	DurationMS int64
	Command    string
	Response   *Response
	Timestamp  time.Time

	// Metadata carries adapter-specific extras, e.g. the audit trail
	// entry or the OTP-mode outcome preserved by C11 on downgrade.
	Metadata map[string]any
}

// Passed reports whether the step's result should count toward the
// aggregate pass/fail exit code.
func (r *TestResult) Passed() bool {
	return r.Status == StatusPass || r.Status == StatusSkipped || r.Status == StatusDryRun
}
