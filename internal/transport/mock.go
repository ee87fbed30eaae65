package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/testpilot/testpilot/internal/model"
)

// Mock sends the curl-equivalent request directly to a recorded fixture
// server (spec.md §6's "mock" execution mode) instead of shelling out to
// curl, and synthesizes a curl-verbose-style trace so C6's parser can
// still reconstruct a model.Response unchanged.
type Mock struct {
	lg      *zap.Logger
	baseURL string
	client  *http.Client
}

// NewMock returns a Mock transport sending every request to baseURL.
func NewMock(lg *zap.Logger, baseURL string) *Mock {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Mock{lg: lg, baseURL: strings.TrimSuffix(baseURL, "/"), client: &http.Client{Timeout: 10 * time.Second}}
}

// Execute ignores the shell-quoted command's exact curl syntax and
// instead replays method/url/headers/body parsed back out of it against
// the fixture server — the mock transport never shells out, matching
// spec.md §6's "direct in-process dispatch, no subprocess" requirement
// for test and CI speed.
func (m *Mock) Execute(ctx context.Context, command string, host model.Host) (*Result, error) {
	method, url, headers, body := parseCurlInvocation(command)
	if url == "" {
		return nil, fmt.Errorf("mock transport: could not parse curl invocation: %s", command)
	}
	if !strings.HasPrefix(url, "http") {
		url = m.baseURL + url
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	dur := time.Since(start)

	var trace strings.Builder
	fmt.Fprintf(&trace, "> %s %s HTTP/1.1\n", method, url)
	for k, v := range headers {
		fmt.Fprintf(&trace, "> %s: %s\n", k, v)
	}
	trace.WriteString(">\n")
	fmt.Fprintf(&trace, "< HTTP/1.1 %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for k, vs := range resp.Header {
		for _, v := range vs {
			fmt.Fprintf(&trace, "< %s: %s\n", k, v)
		}
	}
	trace.WriteString("<\n")

	return &Result{Stdout: string(respBody), Stderr: trace.String(), Duration: dur, ExitCode: 0}, nil
}

// parseCurlInvocation extracts method, url, headers and body from a
// command string shaped like the Command Builder's `curl -v -X METHOD
// 'url' -H 'k: v' -d 'body'` output. It is intentionally permissive:
// this path only exists to let the mock transport drive real HTTP
// requests without re-shelling curl.
func parseCurlInvocation(command string) (method, url string, headers map[string]string, body string) {
	headers = make(map[string]string)
	tokens := splitShellTokens(command)
	method = "GET"
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "-X":
			if i+1 < len(tokens) {
				method = tokens[i+1]
				i++
			}
		case "-H":
			if i+1 < len(tokens) {
				if k, v, ok := strings.Cut(tokens[i+1], ":"); ok {
					headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
				}
				i++
			}
		case "-d":
			if i+1 < len(tokens) {
				body = tokens[i+1]
				i++
			}
		default:
			if strings.HasPrefix(tokens[i], "http") && url == "" {
				url = tokens[i]
			} else if strings.HasPrefix(tokens[i], "/") && url == "" {
				url = tokens[i]
			}
		}
	}
	return method, url, headers, body
}

// splitShellTokens is a minimal single-quote-aware tokenizer for the
// curl lines the Command Builder produces (it always single-quotes
// values via shellQuote), not a general shell parser.
func splitShellTokens(s string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' && !inQuote:
			inQuote = true
		case c == '\'' && inQuote:
			inQuote = false
		case c == ' ' && !inQuote:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}
