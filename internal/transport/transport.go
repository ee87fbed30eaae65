// Package transport implements the Transport component (C5): executing
// an assembled command string against a host and returning its raw
// stdout/stderr/duration.
package transport

import (
	"context"
	"time"

	"github.com/testpilot/testpilot/internal/model"
)

// Result is the raw outcome of running one command.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
	ExitCode int
}

// Transport executes a command against a host. Implementations: local
// subprocess, SSH, and Mock, which sends the request over real HTTP to
// a mock server URL (used by tests and --execution-mode=mock).
type Transport interface {
	Execute(ctx context.Context, command string, host model.Host) (*Result, error)
}
