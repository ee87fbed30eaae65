// Package audit implements the Audit Adapter (C11): a decorator around
// the Flow Executor that forces strict validation (array ordering on,
// subset matching off) and downgrades any step that would have passed
// under OTP/lenient semantics but fails strict to FAIL/AuditStrictFail,
// preserving the lenient outcome in metadata.
package audit

import (
	"context"
	"fmt"

	"github.com/testpilot/testpilot/internal/errs"
	"github.com/testpilot/testpilot/internal/flow"
	"github.com/testpilot/testpilot/internal/model"
	"github.com/testpilot/testpilot/internal/validate"
)

// Entry is one audit trail record (spec.md §3's AuditEntry).
type Entry struct {
	StepID      string
	Pattern     string
	Actual      any
	Differences []string
	Outcome     string
}

type withOptions interface {
	RunFlowWithOptions(context.Context, model.TestFlow, model.Host, *model.Config, *model.FlowContext, flow.Options) ([]model.TestResult, error)
}

// Adapter wraps a flow.Executor, always running it in strict mode, and
// records an Entry per step it has audited.
type Adapter struct {
	inner   flow.Executor
	entries []Entry
}

// New returns an Adapter delegating execution to inner.
func New(inner flow.Executor) *Adapter {
	return &Adapter{inner: inner}
}

// RunFlow satisfies flow.Executor by delegating to RunFlowStrict with
// default options.
func (a *Adapter) RunFlow(ctx context.Context, f model.TestFlow, host model.Host, cfg *model.Config, fctx *model.FlowContext) ([]model.TestResult, error) {
	return a.RunFlowStrict(ctx, f, host, cfg, fctx, flow.Options{})
}

// RunFlowStrict runs f under strict validation. When inner additionally
// implements RunFlowWithOptions (flow.Default does), it also runs once
// under the caller's lenient options to capture the OTP-mode outcome
// for downgrade bookkeeping; a bare flow.Executor skips that step.
func (a *Adapter) RunFlowStrict(ctx context.Context, f model.TestFlow, host model.Host, cfg *model.Config, fctx *model.FlowContext, opts flow.Options) ([]model.TestResult, error) {
	strictOpts := opts
	strictOpts.ValidateOpts.Mode = validate.ModeStrict

	runner, ok := a.inner.(withOptions)

	var lenientResults []model.TestResult
	if ok {
		lenientResults, _ = runner.RunFlowWithOptions(ctx, f, host, cfg, cloneContext(fctx), opts)
	}

	var strictResults []model.TestResult
	var err error
	if ok {
		strictResults, err = runner.RunFlowWithOptions(ctx, f, host, cfg, fctx, strictOpts)
	} else {
		strictResults, err = a.inner.RunFlow(ctx, f, host, cfg, fctx)
	}
	if err != nil {
		return strictResults, err
	}

	for i := range strictResults {
		sr := &strictResults[i]
		entry := Entry{StepID: stepID(f, i), Outcome: string(sr.Status)}
		if sr.Response != nil {
			entry.Actual = sr.Response.BodyJSON
		}

		if i < len(lenientResults) {
			lr := lenientResults[i]
			if lr.Status == model.StatusPass && sr.Status != model.StatusPass {
				sr.Status = model.StatusFail
				sr.FailReason = errs.CategoryAuditStrictFail
				if sr.Metadata == nil {
					sr.Metadata = make(map[string]any)
				}
				sr.Metadata["otp_outcome"] = string(lr.Status)
				entry.Outcome = string(sr.Status)
			}
		}

		if i < len(f.Steps) {
			entry.Pattern = f.Steps[i].PatternMatch
		}

		a.entries = append(a.entries, entry)
	}

	return strictResults, nil
}

// RunFlowWithOptions satisfies the same options-aware capability
// flow.Default exposes, so the Orchestrator can pass dry-run/rate/delay
// flags through an Adapter exactly as it would a bare Executor; strict
// mode is forced regardless of opts.ValidateOpts.Mode.
func (a *Adapter) RunFlowWithOptions(ctx context.Context, f model.TestFlow, host model.Host, cfg *model.Config, fctx *model.FlowContext, opts flow.Options) ([]model.TestResult, error) {
	return a.RunFlowStrict(ctx, f, host, cfg, fctx, opts)
}

// Entries returns every audit entry recorded so far.
func (a *Adapter) Entries() []Entry {
	return append([]Entry(nil), a.entries...)
}

func stepID(f model.TestFlow, idx int) string {
	return fmt.Sprintf("%s/%s/%d", f.Sheet, f.TestName, idx)
}

func cloneContext(fctx *model.FlowContext) *model.FlowContext {
	clone := model.NewFlowContext()
	if fctx == nil {
		return clone
	}
	for k, v := range fctx.Saved {
		clone.Saved[k] = v
	}
	for k, v := range fctx.Placeholders {
		clone.Placeholders[k] = v
	}
	return clone
}
