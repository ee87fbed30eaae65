// Package curlparse reconstructs an HTTP response from curl's verbose
// trace (C6). Curl writes request/response meta lines to stderr prefixed
// "> " and "< "; the body is whatever lands on stdout.
package curlparse

import (
	"bufio"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/testpilot/testpilot/internal/model"
)

var ttyWarningPrefixes = []string{
	"Unable to use a TTY",
	"error: unable to upgrade connection",
}

// Parse reconstructs a model.Response from curl's stdout and stderr.
// Guarantees (spec.md §4.6): for a syntactically valid trace, the
// returned status equals the final "< HTTP/" line's status, headers
// include every "< k: v" line, and body is stdout byte-for-byte apart
// from the known kubectl TTY warning lines, which are removed.
func Parse(stdout, stderr string) *model.Response {
	resp := &model.Response{
		RawStdout: stdout,
		RawStderr: stderr,
	}

	scanner := bufio.NewScanner(strings.NewReader(stderr))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "< HTTP/"):
			if code, ok := parseStatusLine(line); ok {
				resp.StatusCode = code
			}
		case strings.HasPrefix(line, "< "):
			if k, v, ok := parseHeaderLine(line[2:]); ok {
				resp.AddHeader(k, v)
			}
		}
	}

	body := stripTTYArtifacts(stdout)
	resp.BodyBytes = []byte(body)
	resp.BodyText = body

	var parsed any
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &parsed); err == nil {
		resp.BodyJSON = parsed
	}

	return resp
}

// parseStatusLine extracts the integer status code following the HTTP
// version token in a "< HTTP/1.1 200 OK" style line.
func parseStatusLine(line string) (int, bool) {
	fields := strings.Fields(strings.TrimPrefix(line, "< "))
	if len(fields) < 2 {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

func parseHeaderLine(s string) (string, string, bool) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return "", "", false
	}
	key := strings.TrimSpace(s[:idx])
	val := strings.TrimSpace(s[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, val, true
}

// stripTTYArtifacts removes kubectl-exec TTY warning lines that would
// otherwise be mistaken for body content (spec.md §4.6 step 4).
func stripTTYArtifacts(stdout string) string {
	lines := strings.Split(stdout, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		skip := false
		for _, prefix := range ttyWarningPrefixes {
			if strings.HasPrefix(strings.TrimSpace(l), prefix) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
