package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/testpilot/testpilot/internal/mockserver"
	"github.com/testpilot/testpilot/pkg/zaputil"
)

// newMockCommand builds the `mock` subcommand: an embedded HTTP server
// returning recorded responses, per spec.md §6/§9's collaborator
// interface.
func newMockCommand() *cobra.Command {
	var port int
	var dataFile string

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run the embedded mock server backing --execution-mode=mock",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataFile == "" {
				return &exitStatusError{code: 2, err: fmt.Errorf("mock: --data-file is required")}
			}
			lg, err := zaputil.New(false, []string{"stderr"})
			if err != nil {
				return &exitStatusError{code: 3, err: err}
			}
			defer lg.Sync()

			fixtures, err := mockserver.Load(dataFile)
			if err != nil {
				return &exitStatusError{code: 2, err: err}
			}

			srv := mockserver.New(lg, fixtures)
			addr := fmt.Sprintf(":%d", port)
			lg.Info("mock server listening", zap.String("addr", addr), zap.Int("fixtures", len(fixtures)))
			if err := http.ListenAndServe(addr, srv.Router()); err != nil {
				return &exitStatusError{code: 3, err: err}
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&port, "port", 8080, "listen port")
	fs.StringVar(&dataFile, "data-file", "", "JSON array of recorded fixtures (required)")

	return cmd
}
