// Package orchestrator implements the Orchestrator (C10): fanning out
// flow execution across hosts with bounded concurrency, per-(host,
// test_name) serialization for NRF-stateful sequences, and a
// cancellation token with a grace window.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/testpilot/testpilot/internal/flow"
	"github.com/testpilot/testpilot/internal/model"
	"github.com/testpilot/testpilot/pkg/timeutil"
)

// GraceWindow is the hard-cancel grace period from spec.md §5/§4.10.
const GraceWindow = 5 * time.Second

// Options carries the run-level CLI knobs (spec.md §6) the orchestrator
// passes down into every flow invocation.
type Options struct {
	MaxConcurrency int // 0 means "number of hosts"
	FlowOptions    flow.Options
}

// Orchestrator runs a set of flows against a set of hosts.
type Orchestrator struct {
	lg       *zap.Logger
	executor flow.Executor

	mu    sync.Mutex
	locks map[string]*sync.Mutex // keyed by host+"::"+test_name
}

// New returns an Orchestrator driving executor.
func New(lg *zap.Logger, executor flow.Executor) *Orchestrator {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Orchestrator{lg: lg, executor: executor, locks: make(map[string]*sync.Mutex)}
}

func (o *Orchestrator) lockFor(host, testName string) *sync.Mutex {
	key := host + "::" + testName
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[key]
	if !ok {
		l = &sync.Mutex{}
		o.locks[key] = l
	}
	return l
}

// Run executes every (flow, host) pair where host is in hosts,
// returning every TestResult produced. Flows on different hosts run
// concurrently, bounded by opts.MaxConcurrency (default len(hosts));
// flows sharing a host and test_name are serialized via a per-key mutex
// (spec.md §4.10, §5).
func (o *Orchestrator) Run(ctx context.Context, flows []model.TestFlow, hosts []model.Host, cfg *model.Config, opts Options) ([]model.TestResult, error) {
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = len(hosts)
	}
	if limit <= 0 {
		limit = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runStart := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(limit)

	var mu sync.Mutex
	var all []model.TestResult

	for _, h := range hosts {
		for _, f := range flows {
			h, f := h, f
			g.Go(func() error {
				lock := o.lockFor(h.Name, f.TestName)
				lock.Lock()
				defer lock.Unlock()

				select {
				case <-gctx.Done():
					return nil
				default:
				}

				results, err := o.runOneFlow(gctx, f, h, cfg, opts)
				if err != nil {
					o.lg.Warn("flow execution error", zap.String("host", h.Name), zap.String("test_name", f.TestName), zap.Error(err))
				}

				mu.Lock()
				all = append(all, results...)
				mu.Unlock()
				return nil
			})
		}
	}

	err := g.Wait()
	frame := timeutil.NewTimeFrame(runStart, time.Now())
	o.lg.Info("run complete",
		zap.Int("results", len(all)),
		zap.Int("flows", len(flows)),
		zap.Int("hosts", len(hosts)),
		zap.String("took", frame.TookString),
	)
	return all, err
}

func (o *Orchestrator) runOneFlow(ctx context.Context, f model.TestFlow, host model.Host, cfg *model.Config, opts Options) ([]model.TestResult, error) {
	fctx := model.NewFlowContext()

	if runner, ok := o.executor.(interface {
		RunFlowWithOptions(context.Context, model.TestFlow, model.Host, *model.Config, *model.FlowContext, flow.Options) ([]model.TestResult, error)
	}); ok {
		return runner.RunFlowWithOptions(ctx, f, host, cfg, fctx, opts.FlowOptions)
	}
	return o.executor.RunFlow(ctx, f, host, cfg, fctx)
}

// WithGraceWindow returns a child of parent that is cancelled once
// GraceWindow has elapsed, together with its cancel function. It is the
// shared form of what a call site would otherwise spell out as:
//
//	ctx, cancel := context.WithTimeout(parent, orchestrator.GraceWindow)
//	defer cancel()
//	orchestrator.Run(ctx, ...)
//
// This helper exists so call sites share one definition of the grace
// window rather than hardcoding 5*time.Second in multiple places.
func WithGraceWindow(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, GraceWindow)
}
