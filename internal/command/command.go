// Package command implements the Command Builder (C3): it assembles the
// curl command line (with NRF URL rewriting, payload resolution, and
// placeholder substitution) that the transport layer will execute.
//
// The string-building approach follows the teacher's
// pkg/awscurl/awscurl.go makeRequest/preparePayload pair, adapted from
// "build one signed http.Request" to "build one curl command line".
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/testpilot/testpilot/internal/errs"
	"github.com/testpilot/testpilot/internal/model"
	"github.com/testpilot/testpilot/internal/nrf"
	"github.com/testpilot/testpilot/internal/util"
)

// ErrNRFNoActiveInstance is the reason carried by a Skip result when a
// DELETE (or GET/PATCH) has no active NRF instance to target.
var ErrNRFNoActiveInstance = errors.New("nrf: no active instance for this sequence")

// Skip is returned by Build when the step should not be executed at all
// — spec.md §4.3 step 2's "skip sentinel" for a double-DELETE or any
// other no-active-instance case.
type Skip struct {
	Reason error
}

// Result is the outcome of a successful Build: the assembled command
// string, plus the inline payload actually sent (for audit/logging).
type Result struct {
	Command        string
	ResolvedPayload string
}

// Builder assembles step commands; PayloadsDir is the directory Build
// reads file-referenced payloads from.
type Builder struct {
	PayloadsDir   string
	ResourcesMap  map[string]string // pod-mode-only placeholder source, loaded once
	Tracker       *nrf.Tracker
}

// New returns a Builder reading payload files from payloadsDir.
func New(payloadsDir string, resourcesMap map[string]string, tracker *nrf.Tracker) *Builder {
	return &Builder{PayloadsDir: payloadsDir, ResourcesMap: resourcesMap, Tracker: tracker}
}

var placeholderRe = util.Must(regexp.Compile(`\{([a-zA-Z0-9_.]+)\}`))

// Build assembles the command for one step against one host. Returns
// either a *Result, a *Skip (step must not run), or an error wrapping
// errs.BuildError.
func (b *Builder) Build(step model.TestStep, ctx *model.FlowContext, host model.Host, cfg *model.Config) (any, error) {
	payload, err := b.resolvePayload(step.Payload)
	if err != nil {
		return nil, errs.NewBuildError("payload resolution", err)
	}

	url := step.URL
	if cfg.IsNRF() && b.Tracker != nil {
		nctx := nrf.Context{Sheet: step.Sheet, TestName: step.TestName, RowIdx: step.RowIdx}
		key := nrf.SessionKey(step.Sheet, step.TestName, host.Name)
		switch step.Method {
		case model.PUT:
			id, extractErr := extractNFInstanceID(payload)
			if extractErr != nil {
				return nil, errs.NewBuildError("nfInstanceId extraction", extractErr)
			}
			url = appendPathSegment(url, id)
			b.Tracker.OnPut(key, nctx, id)
		case model.DELETE:
			id := b.Tracker.OnDelete(key, nctx)
			if id == "" {
				return &Skip{Reason: ErrNRFNoActiveInstance}, nil
			}
			url = appendPathSegment(url, id)
		case model.GET, model.PATCH:
			id := b.Tracker.SelectFor(key, nctx, string(step.Method))
			if id == "" {
				return &Skip{Reason: ErrNRFNoActiveInstance}, nil
			}
			url = appendPathSegment(url, id)
		}
	}

	resolvedURL, err := b.substitutePlaceholders(url, ctx)
	if err != nil {
		return nil, errs.NewBuildError("url placeholder substitution", err)
	}
	resolvedPayload, err := b.substitutePlaceholders(payload, ctx)
	if err != nil {
		return nil, errs.NewBuildError("payload placeholder substitution", err)
	}
	resolvedHeaders, err := b.substituteHeaders(step.Headers, ctx)
	if err != nil {
		return nil, errs.NewBuildError("header placeholder substitution", err)
	}

	cmd, err := buildCurl(step.Method, resolvedURL, resolvedHeaders, resolvedPayload)
	if err != nil {
		return nil, errs.NewBuildError("curl assembly", err)
	}

	cmd = wrapForTransport(cmd, step, host, cfg)

	return &Result{Command: cmd, ResolvedPayload: resolvedPayload}, nil
}

// resolvePayload treats a payload field starting with '{' or '[' as
// literal JSON/text; anything else is a filename under PayloadsDir
// (spec.md §4.3 step 1).
func (b *Builder) resolvePayload(payload string) (string, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return "", nil
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return payload, nil
	}
	path := filepath.Join(b.PayloadsDir, trimmed)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("payload file %q: %w", path, err)
	}
	return string(data), nil
}

// extractNFInstanceID reads the nfInstanceId from a top-level JSON
// object, or from the first element when the payload is a JSON array
// (spec.md §4.3 step 2).
func extractNFInstanceID(payload string) (string, error) {
	var asObject map[string]any
	if err := json.Unmarshal([]byte(payload), &asObject); err == nil {
		if id, ok := asObject["nfInstanceId"].(string); ok && id != "" {
			return id, nil
		}
	}

	var asArray []map[string]any
	if err := json.Unmarshal([]byte(payload), &asArray); err == nil && len(asArray) > 0 {
		if id, ok := asArray[0]["nfInstanceId"].(string); ok && id != "" {
			return id, nil
		}
	}

	return "", fmt.Errorf("nfInstanceId not found in PUT payload")
}

func appendPathSegment(url, segment string) string {
	return strings.TrimSuffix(url, "/") + "/" + segment
}

// substitutePlaceholders replaces every {name} token, resolving against
// ctx's placeholders and saved values (spec.md §4.9 step 2: "Substitute
// placeholders from ctx.placeholders and ctx.saved"), falling back to
// the builder's resources map (pod-mode only, per spec.md §4.3 step 5).
func (b *Builder) substitutePlaceholders(s string, ctx *model.FlowContext) (string, error) {
	var missing []string
	result := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		if ctx != nil {
			if v, ok := ctx.Resolve(name); ok {
				return v
			}
		}
		if v, ok := b.ResourcesMap[name]; ok {
			return v
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholder(s): %s", strings.Join(missing, ", "))
	}
	return result, nil
}

// substituteHeaders applies substitutePlaceholders to every header value,
// since buildCurl sends headers verbatim and spec.md §4.9 step 2 requires
// placeholder resolution in headers exactly as in the URL and payload.
func (b *Builder) substituteHeaders(headers []model.Header, ctx *model.FlowContext) ([]model.Header, error) {
	if len(headers) == 0 {
		return headers, nil
	}
	out := make([]model.Header, len(headers))
	for i, h := range headers {
		v, err := b.substitutePlaceholders(h.Value, ctx)
		if err != nil {
			return nil, fmt.Errorf("header %q: %w", h.Key, err)
		}
		out[i] = model.Header{Key: h.Key, Value: v}
	}
	return out, nil
}

// buildCurl assembles `curl -v -X METHOD url -H 'k: v' ... -d body`.
// Verbose tracing is always on (spec.md §4.3 step 3) because C6 requires
// the trace to reconstruct the response.
func buildCurl(method model.Method, url string, headers []model.Header, body string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("empty url")
	}
	var b strings.Builder
	b.WriteString("curl -v -X ")
	b.WriteString(string(method))
	b.WriteString(" ")
	b.WriteString(shellQuote(url))
	for _, h := range headers {
		b.WriteString(" -H ")
		b.WriteString(shellQuote(fmt.Sprintf("%s: %s", h.Key, h.Value)))
	}
	if strings.TrimSpace(body) != "" {
		b.WriteString(" -d ")
		b.WriteString(shellQuote(body))
	}
	return b.String(), nil
}

// wrapForTransport applies the kubectl/oc exec wrapping of spec.md §4.3
// step 4. pod_mode leaves the command unchanged (the whole process
// already runs inside the target pod's node context); otherwise a step
// with pod_exec set and a host CLI configured gets wrapped.
func wrapForTransport(cmd string, step model.TestStep, host model.Host, cfg *model.Config) string {
	if cfg.PodMode {
		return cmd
	}
	if step.PodExec == "" || host.CLI == "" {
		return cmd
	}
	ns := host.Namespace
	if ns == "" {
		ns = "default"
	}
	return fmt.Sprintf("%s exec %s -n %s -- %s", host.CLI, step.PodExec, ns, cmd)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
