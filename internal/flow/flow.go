// Package flow implements the Flow Executor (C9): running one TestFlow
// against one host, step by step, wiring together the Command Builder,
// Rate Limiter, Transport, Response Parser and Validation Engine.
package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/yaml"

	"github.com/testpilot/testpilot/internal/command"
	"github.com/testpilot/testpilot/internal/curlparse"
	"github.com/testpilot/testpilot/internal/errs"
	"github.com/testpilot/testpilot/internal/model"
	"github.com/testpilot/testpilot/internal/ratelimit"
	"github.com/testpilot/testpilot/internal/sink"
	"github.com/testpilot/testpilot/internal/transport"
	"github.com/testpilot/testpilot/internal/validate"
	"github.com/testpilot/testpilot/pkg/ctxutil"
)

// stepRetryBackoff bounds C9's transport retry: a transient transport
// error (dropped connection, reset) gets up to 2 extra attempts before
// the step is recorded FAIL, mirroring spec.md §1's "retry/recovery"
// within flow execution.
var stepRetryBackoff = wait.Backoff{Duration: 200 * time.Millisecond, Factor: 2.0, Steps: 3}

// dryRunDump is the YAML-serialized form of a built-but-not-executed
// command, attached to a DRY-RUN result's Metadata for `--dry-run`
// inspection (spec.md §6).
type dryRunDump struct {
	Host     string `json:"host"`
	TestName string `json:"test_name"`
	Method   string `json:"method"`
	Command  string `json:"command"`
	Payload  string `json:"payload,omitempty"`
}

// Executor is the interface the Audit Adapter (C11) decorates. Exported
// so that C10 and C11 can both depend on the capability rather than the
// concrete type, matching spec.md §9's "C9 sees only the capability"
// abstraction applied one level up.
type Executor interface {
	RunFlow(ctx context.Context, f model.TestFlow, host model.Host, cfg *model.Config, fctx *model.FlowContext) ([]model.TestResult, error)
}

// LogCapturer captures a window of pod logs, used for step 6's
// supplementary-body attachment. No implementation ships in this module
// and the CLI passes nil; a nil LogCapturer skips the step, so no pod
// logs are captured.
type LogCapturer interface {
	CaptureLogs(ctx context.Context, host model.Host, podExec string, since string, duration time.Duration) (string, error)
}

// Options bundles the run-level knobs the flow executor needs per
// spec.md §4.9 and §6 (dry-run, rate override, step delay, validation
// options).
type Options struct {
	DryRun        bool
	RateOverride  *float64
	StepDelay     time.Duration
	ValidateOpts  validate.Options
}

// Default is the concrete Flow Executor.
type Default struct {
	lg        *zap.Logger
	builder   *command.Builder
	limiter   *ratelimit.Limiter
	transport transport.Transport
	validator *validate.Engine
	logs      LogCapturer
	sink      sink.Sink
}

// New wires one Flow Executor. logs and s may be nil (no-op defaults).
func New(lg *zap.Logger, builder *command.Builder, limiter *ratelimit.Limiter, tr transport.Transport, validator *validate.Engine, logs LogCapturer, s sink.Sink) *Default {
	if lg == nil {
		lg = zap.NewNop()
	}
	if s == nil {
		s = sink.Noop{}
	}
	return &Default{lg: lg, builder: builder, limiter: limiter, transport: tr, validator: validator, logs: logs, sink: s}
}

// RunFlow executes every step of f in order against host, implementing
// spec.md §4.9's eight-step algorithm. A step failure does not abort the
// flow unless cfg.StopOnFailure is set.
func (d *Default) RunFlow(ctx context.Context, f model.TestFlow, host model.Host, cfg *model.Config, fctx *model.FlowContext) ([]model.TestResult, error) {
	return d.runFlow(ctx, f, host, cfg, fctx, Options{ValidateOpts: validate.Options{Mode: validate.ModeLenient}})
}

// RunFlowWithOptions is the options-aware entry point; RunFlow is a
// convenience wrapper using lenient defaults. C10 calls this directly so
// CLI flags (dry-run, rate override, step delay) take effect.
func (d *Default) RunFlowWithOptions(ctx context.Context, f model.TestFlow, host model.Host, cfg *model.Config, fctx *model.FlowContext, opts Options) ([]model.TestResult, error) {
	return d.runFlow(ctx, f, host, cfg, fctx, opts)
}

func (d *Default) runFlow(ctx context.Context, f model.TestFlow, host model.Host, cfg *model.Config, fctx *model.FlowContext, opts Options) ([]model.TestResult, error) {
	results := make([]model.TestResult, 0, len(f.Steps))

	for _, step := range f.Steps {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		result := d.runStep(ctx, step, host, cfg, fctx, opts)
		results = append(results, result)
		d.sink.Emit(result)

		if !result.Passed() && cfg.StopOnFailure {
			break
		}
		if opts.StepDelay > 0 {
			time.Sleep(opts.StepDelay)
		}
	}

	return results, nil
}

// executeWithRetry runs the transport once, retrying transient failures
// per stepRetryBackoff. ctx cancellation aborts immediately without
// consuming a retry.
func (d *Default) executeWithRetry(ctx context.Context, cmd string, host model.Host) (*transport.Result, error) {
	var result *transport.Result
	var lastErr error
	backoffErr := wait.ExponentialBackoff(stepRetryBackoff, func() (bool, error) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		result, lastErr = d.transport.Execute(ctx, cmd, host)
		if lastErr == nil {
			return true, nil
		}
		d.lg.Debug("transport execute failed, retrying",
			zap.String("host", host.Name), zap.Error(lastErr))
		return false, nil
	})
	if backoffErr != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, backoffErr
	}
	return result, nil
}

func (d *Default) runStep(ctx context.Context, step model.TestStep, host model.Host, cfg *model.Config, fctx *model.FlowContext, opts Options) model.TestResult {
	start := time.Now()
	base := model.TestResult{
		ID:    uuid.New().String(),
		Sheet: step.Sheet, RowIdx: step.RowIdx, Host: host.Name,
		TestName: step.TestName, Method: step.Method, Timestamp: start,
	}

	// 1. Build command; a skip sentinel short-circuits with SKIPPED.
	built, err := d.builder.Build(step, fctx, host, cfg)
	if err != nil {
		base.Status = model.StatusFail
		base.FailReason = fmt.Sprintf("%s: %v", errs.CategoryInternal, err)
		base.DurationMS = time.Since(start).Milliseconds()
		return base
	}
	if skip, ok := built.(*command.Skip); ok {
		base.Status = model.StatusSkipped
		base.FailReason = errs.CategoryNRFNoActiveInstance
		base.DurationMS = time.Since(start).Milliseconds()
		base.Metadata = map[string]any{"skip_reason": skip.Reason.Error()}
		return base
	}
	res := built.(*command.Result)
	base.Command = res.Command

	// 3. dry-run short-circuits before transport/validation, dumping the
	// built command as YAML for operator inspection (spec.md §6).
	if opts.DryRun {
		base.Status = model.StatusDryRun
		base.DurationMS = time.Since(start).Milliseconds()
		if dump, err := yaml.Marshal(dryRunDump{
			Host: host.Name, TestName: step.TestName, Method: string(step.Method),
			Command: res.Command, Payload: res.ResolvedPayload,
		}); err == nil {
			base.Metadata = map[string]any{"dry_run_yaml": string(dump)}
		}
		return base
	}

	// 4. Rate-limit gate.
	rps := ratelimit.EffectiveRPS(step.ReqsPerSec, opts.RateOverride, cfg.RateLimit)
	if err := d.limiter.Acquire(ctx, host.Name, rps); err != nil {
		base.Status = model.StatusFail
		base.FailReason = fmt.Sprintf("%s: %v", errs.CategoryInternal, err)
		base.DurationMS = time.Since(start).Milliseconds()
		return base
	}

	// 5. Execute, parse.
	var logText string
	var logDone chan struct{}
	if d.logs != nil && step.PodExec != "" {
		logDone = make(chan struct{})
		go func() {
			defer close(logDone)
			dur := cfg.KubectlLogs.CaptureDurationSeconds
			if dur <= 0 {
				dur = 10
			}
			text, lerr := d.logs.CaptureLogs(ctx, host, step.PodExec, cfg.KubectlLogs.Since, time.Duration(dur)*time.Second)
			if lerr == nil {
				logText = text
			}
		}()
	}

	d.lg.Debug("executing step",
		zap.String("host", host.Name),
		zap.String("test-name", step.TestName),
		zap.String("time-left", ctxutil.TimeLeftTillDeadline(ctx)),
	)
	tResult, err := d.executeWithRetry(ctx, res.Command, host)
	if err != nil {
		base.Status = model.StatusFail
		base.FailReason = fmt.Sprintf("TransportError: %v", err)
		base.DurationMS = time.Since(start).Milliseconds()
		return base
	}

	if logDone != nil {
		<-logDone
	}

	resp := curlparse.Parse(tResult.Stdout, tResult.Stderr)
	resp.DurationMS = tResult.Duration.Milliseconds()
	resp.SupplementaryBody = logText
	base.Response = resp

	// 7. Validate, apply save_as/compare_with.
	outcome, err := d.validator.Validate(step, resp, fctx, opts.ValidateOpts)
	base.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		base.Status = model.StatusFail
		base.FailReason = fmt.Sprintf("%s: %v", errs.CategoryInternal, err)
		return base
	}
	if !outcome.Passed {
		base.Status = model.StatusFail
		base.FailReason = outcome.Reason
		base.Metadata = outcome.Details
		return base
	}

	base.Status = model.StatusPass
	return base
}
