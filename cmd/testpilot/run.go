package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/testpilot/testpilot/internal/audit"
	"github.com/testpilot/testpilot/internal/command"
	"github.com/testpilot/testpilot/internal/config"
	"github.com/testpilot/testpilot/internal/flow"
	"github.com/testpilot/testpilot/internal/model"
	"github.com/testpilot/testpilot/internal/nrf"
	"github.com/testpilot/testpilot/internal/orchestrator"
	"github.com/testpilot/testpilot/internal/pattern"
	"github.com/testpilot/testpilot/internal/ratelimit"
	"github.com/testpilot/testpilot/internal/report"
	"github.com/testpilot/testpilot/internal/sink"
	"github.com/testpilot/testpilot/internal/suite"
	"github.com/testpilot/testpilot/internal/transport"
	"github.com/testpilot/testpilot/internal/validate"
	"github.com/testpilot/testpilot/pkg/logutil"
	"github.com/testpilot/testpilot/pkg/zaputil"
)

type runFlags struct {
	hostConfig      string
	input           string
	mode            string
	sheets          string
	testName        string
	dryRun          bool
	executionMode   string
	mockServerURL   string
	rateLimit       float64
	stepDelay       time.Duration
	logLevel        string
	logDir          string
	noFileLogging   bool
	displayMode     string
	payloadsDir     string
	resultsDir      string
	resourcesMap    string
}

// newRunCommand builds the `run` subcommand, mirroring the teacher's
// NewCommand() idiom (cmd/aws-k8s-tester/etcd/command.go); its flags are
// bound locally on cmd.Flags().
func newRunCommand() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a test suite in OTP, audit, or config-check mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(f)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.hostConfig, "config", "c", "", "host configuration JSON file (required)")
	fs.StringVarP(&f.input, "input", "i", "", "test suite file (required)")
	fs.StringVarP(&f.mode, "mode", "m", "otp", "otp|audit|config")
	fs.StringVarP(&f.sheets, "sheets", "s", "", "comma-separated sheet filter")
	fs.StringVarP(&f.testName, "test-name", "t", "", "test_name filter")
	fs.BoolVar(&f.dryRun, "dry-run", false, "build commands without executing or validating")
	fs.StringVar(&f.executionMode, "execution-mode", "production", "production|mock")
	fs.StringVar(&f.mockServerURL, "mock-server-url", "", "base URL of a running mock server (execution-mode=mock)")
	fs.Float64Var(&f.rateLimit, "rate-limit", 0, "CLI override for requests/sec")
	fs.DurationVar(&f.stepDelay, "step-delay", 0, "fixed delay between steps")
	fs.StringVar(&f.logLevel, "log-level", "", "DEBUG|INFO|WARNING|ERROR|CRITICAL (default via TESTPILOT_LOG_LEVEL or info)")
	fs.StringVar(&f.logDir, "log-dir", "", "directory for run logs (default via TESTPILOT_LOG_DIR)")
	fs.BoolVar(&f.noFileLogging, "no-file-logging", false, "disable the <log-dir>/testpilot_<ts>.log sink")
	fs.StringVar(&f.displayMode, "display-mode", "full", "full|progress|simple")
	fs.StringVar(&f.payloadsDir, "payloads-dir", "", "directory holding response_payload/payload reference files")
	fs.StringVar(&f.resultsDir, "results-dir", "test_results", "directory to write test_results_<ts>.json")
	fs.StringVar(&f.resourcesMap, "resources-map", "", "pod-mode only: JSON {placeholder: value} file")

	return cmd
}

func runRun(f *runFlags) error {
	if f.hostConfig == "" || f.input == "" {
		return &exitStatusError{code: 2, err: fmt.Errorf("run: --config and --input are required")}
	}

	lg, logFile, err := buildLogger(f.logLevel, f.logDir, f.noFileLogging)
	if err != nil {
		return &exitStatusError{code: 2, err: err}
	}
	if logFile != nil {
		defer logFile.Close()
	}
	defer lg.Sync()

	cfg, err := config.Load(lg, f.hostConfig)
	if err != nil {
		return &exitStatusError{code: 2, err: err}
	}

	flows, err := suite.NewJSONLoader().Load(f.input)
	if err != nil {
		return &exitStatusError{code: 3, err: err}
	}
	flows = filterFlows(flows, f.sheets, f.testName)

	hosts := cfg.Hosts
	if len(cfg.ConnectTo) > 0 {
		hosts = nil
		for _, name := range cfg.ConnectTo {
			h, ok := cfg.HostByName(name)
			if !ok {
				return &exitStatusError{code: 2, err: fmt.Errorf("connect_to host %q not in hosts[]", name)}
			}
			hosts = append(hosts, h)
		}
	}

	if f.mode == "config" {
		lg.Info("config check OK", zap.Int("hosts", len(hosts)), zap.Int("flows", len(flows)))
		return nil
	}

	resources, err := loadResourcesMap(f.resourcesMap)
	if err != nil {
		return &exitStatusError{code: 2, err: err}
	}

	tracker := nrf.New()
	builder := command.New(f.payloadsDir, resources, tracker)
	limiter := ratelimit.New(cfg.RateLimit)

	tr, err := buildTransport(lg, cfg, f.executionMode, f.mockServerURL)
	if err != nil {
		return &exitStatusError{code: 2, err: err}
	}
	if closer, ok := tr.(interface{ Close() }); ok {
		defer closer.Close()
	}

	validator := validate.New(pattern.New())
	s := buildSink(f.displayMode)

	var executor flow.Executor = flow.New(lg, builder, limiter, tr, validator, nil, s)
	if f.mode == "audit" {
		executor = audit.New(executor)
	}

	orch := orchestrator.New(lg, executor)
	opts := orchestrator.Options{
		FlowOptions: flow.Options{
			DryRun:    f.dryRun,
			StepDelay: f.stepDelay,
			ValidateOpts: validate.Options{
				Mode:                  validate.ModeLenient,
				JSONMatchThresholdPct: cfg.Validation.JSONMatchThresholdPct,
				PayloadsDir:           f.payloadsDir,
			},
		},
	}
	if f.rateLimit > 0 {
		opts.FlowOptions.RateOverride = &f.rateLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results, err := orch.Run(ctx, flows, hosts, cfg, opts)
	if err != nil {
		lg.Warn("run ended with error", zap.Error(err))
	}

	gen := report.NewJSONGenerator(time.Now().UTC().Format("20060102T150405Z"))
	if werr := gen.Generate(results, f.resultsDir); werr != nil {
		lg.Warn("failed to write results", zap.Error(werr))
	}

	return exitForResults(results)
}

func exitForResults(results []model.TestResult) error {
	for _, r := range results {
		if r.Status == model.StatusFail {
			return &exitStatusError{code: 1, err: fmt.Errorf("%d result(s), at least one FAIL", len(results))}
		}
	}
	return nil
}

func filterFlows(flows []model.TestFlow, sheetsCSV, testName string) []model.TestFlow {
	if sheetsCSV == "" && testName == "" {
		return flows
	}
	var sheets map[string]bool
	if sheetsCSV != "" {
		sheets = make(map[string]bool)
		for _, s := range strings.Split(sheetsCSV, ",") {
			sheets[strings.TrimSpace(s)] = true
		}
	}
	out := make([]model.TestFlow, 0, len(flows))
	for _, f := range flows {
		if sheets != nil && !sheets[f.Sheet] {
			continue
		}
		if testName != "" && f.TestName != testName {
			continue
		}
		out = append(out, f)
	}
	return out
}

func buildTransport(lg *zap.Logger, cfg *model.Config, executionMode, mockURL string) (transport.Transport, error) {
	switch executionMode {
	case "mock":
		if mockURL == "" {
			return nil, fmt.Errorf("--execution-mode=mock requires --mock-server-url")
		}
		return transport.NewMock(lg, mockURL), nil
	case "production", "":
		if cfg.PodMode || !cfg.UseSSH {
			return transport.NewLocal(lg), nil
		}
		return transport.NewSSH(lg, cfg.SSH), nil
	default:
		return nil, fmt.Errorf("unknown --execution-mode %q", executionMode)
	}
}

func buildSink(displayMode string) sink.Sink {
	switch displayMode {
	case "simple", "progress", "full":
		return sink.NewConsole(os.Stdout)
	default:
		return sink.Noop{}
	}
}

func buildLogger(level, dir string, noFile bool) (*zap.Logger, *os.File, error) {
	if level == "" {
		level = envOr("TESTPILOT_LOG_LEVEL", logutil.DefaultLogLevel)
	}
	if dir == "" {
		dir = envOr("TESTPILOT_LOG_DIR", "")
	}
	level = strings.ToLower(level)

	if dir == "" || noFile {
		lg, err := zaputil.New(level == "debug", []string{"stderr"})
		return lg, nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("mkdirall %q: %w", dir, err)
	}
	ts := time.Now().UTC().Format("20060102T150405Z")
	logPath := fmt.Sprintf("%s/testpilot_%s.log", dir, ts)

	lg, _, logFile, err := logutil.NewWithStderrWriter(level, []string{logPath})
	if err != nil {
		return nil, nil, err
	}
	return lg, logFile, nil
}

func loadResourcesMap(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read resources map %q: %w", path, err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse resources map %q: %w", path, err)
	}
	return m, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
