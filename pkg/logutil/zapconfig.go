package logutil

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GetDefaultZapLoggerConfig returns a base zap.Config with a
// production-leaning encoder (JSON, ISO8601 timestamps, lowercase
// level names) that CLI and library call sites tune further (level,
// output paths) before building.
func GetDefaultZapLoggerConfig() zap.Config {
	return zap.Config{
		Level:       zap.NewAtomicLevelAt(zap.InfoLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// AddOutputPaths appends outputPaths/errorOutputPaths to cfg, de-duping
// against "stderr" (already present by default) and against each
// other, preserving a stable, sorted order so repeated calls with the
// same inputs build identical configs.
func AddOutputPaths(cfg zap.Config, outputPaths []string, errorOutputPaths []string) zap.Config {
	outputSet := make(map[string]struct{})
	for _, p := range cfg.OutputPaths {
		outputSet[p] = struct{}{}
	}
	for _, p := range outputPaths {
		outputSet[p] = struct{}{}
	}
	errOutputSet := make(map[string]struct{})
	for _, p := range cfg.ErrorOutputPaths {
		errOutputSet[p] = struct{}{}
	}
	for _, p := range errorOutputPaths {
		errOutputSet[p] = struct{}{}
	}

	cfg.OutputPaths = make([]string, 0, len(outputSet))
	for p := range outputSet {
		cfg.OutputPaths = append(cfg.OutputPaths, p)
	}
	sort.Strings(cfg.OutputPaths)

	cfg.ErrorOutputPaths = make([]string, 0, len(errOutputSet))
	for p := range errOutputSet {
		cfg.ErrorOutputPaths = append(cfg.ErrorOutputPaths, p)
	}
	sort.Strings(cfg.ErrorOutputPaths)

	return cfg
}
