// Command testpilot drives the TestPilot engine: loading a host/config
// registry and a test suite, then executing it against REST or
// Kubernetes-hosted network functions in OTP, audit or config-check mode.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// newRootCommand builds the testpilot command tree, mirroring the
// teacher's cmd/aws-k8s-tester subcommand layout: one NewCommand()
// constructor per subcommand, wired together under a bare root.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "testpilot",
		Short:         "Workflow-aware test orchestration for REST and Kubernetes-hosted network functions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newMockCommand())
	return root
}

// exitStatusError carries an exit code through cobra's plain error
// return path (spec.md §6: 0 all-pass, 1 some-fail, 2 config error, 3
// input error; any error without a code also exits 3).
type exitStatusError struct {
	code int
	err  error
}

func (e *exitStatusError) Error() string { return e.err.Error() }
func (e *exitStatusError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if es, ok := err.(*exitStatusError); ok {
		return es.code
	}
	return 3
}
