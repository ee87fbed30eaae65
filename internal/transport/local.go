package transport

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"
	k8sexec "k8s.io/utils/exec"

	"github.com/testpilot/testpilot/internal/model"
)

// Local runs commands as a local subprocess, through a shell, since the
// command string already contains shell metacharacters quoted by the
// Command Builder (spec.md §4.5). Grounded on the teacher's
// pkg/k8s-client/kubectl.go use of k8s.io/utils/exec, generalized from
// "run kubectl apply" to "run an arbitrary shell-quoted curl line".
type Local struct {
	lg   *zap.Logger
	exec k8sexec.Interface
}

// NewLocal returns a Local transport logging through lg (nil becomes a
// no-op logger).
func NewLocal(lg *zap.Logger) *Local {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Local{lg: lg, exec: k8sexec.New()}
}

func (l *Local) Execute(ctx context.Context, command string, host model.Host) (*Result, error) {
	start := time.Now()
	cmd := l.exec.CommandContext(ctx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)

	err := cmd.Run()
	dur := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(k8sexec.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			l.lg.Warn("local exec failed", zap.String("command", command), zap.Error(err))
			return nil, err
		}
	}

	l.lg.Debug("local exec complete",
		zap.String("command", command),
		zap.Duration("duration", dur),
		zap.Int("exit-code", exitCode),
	)

	return &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: dur,
		ExitCode: exitCode,
	}, nil
}
