package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lstoll/metadata-query/internal/metadata"
	"github.com/lstoll/metadata-query/internal/mockimds"
)

const fixture = `
ami-id: ami-1
instance-id: i-1
placement:
  availability-zone: us-east-1a
  region: us-east-1
`

type result struct {
	code   int
	stdout string
	stderr string
}

func setup(t *testing.T) (*mockimds.Server, string) {
	t.Helper()
	imds := mockimds.NewServer(mockimds.MustParseTree(fixture))
	srv := httptest.NewServer(imds.Handler())
	t.Cleanup(srv.Close)
	return imds, srv.URL
}

func runWith(env map[string]string, args ...string) result {
	var stdout, stderr bytes.Buffer
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	code := run(context.Background(), args, &stdout, &stderr, lookup)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func runAgainst(url string, args ...string) result {
	return runWith(nil, append([]string{"--base-url", url, "--retry-base", "1ms"}, args...)...)
}

func TestFullWalk(t *testing.T) {
	_, url := setup(t)
	r := runAgainst(url)
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, `{"ami-id":"ami-1","instance-id":"i-1","placement/availability-zone":"us-east-1a","placement/region":"us-east-1"}`+"\n", r.stdout)
}

func TestFullWalkNestedBelowRoot(t *testing.T) {
	_, url := setup(t)
	r := runAgainst(url, "--layout", "nested")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, `{"ami-id":"ami-1","instance-id":"i-1","placement":{"availability-zone":"us-east-1a","region":"us-east-1"}}`+"\n", r.stdout)

	r = runAgainst(url, "--root", "placement", "--separator", ".")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, `{"availability-zone":"us-east-1a","region":"us-east-1"}`+"\n", r.stdout)
}

func TestSingleKey(t *testing.T) {
	_, url := setup(t)
	r := runAgainst(url, "--key", "instance-id")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, `{"instance-id":"i-1"}`+"\n", r.stdout)

	r = runAgainst(url, "-k", "Placement/Region", "--format", "raw")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, "us-east-1\n", r.stdout)
}

func TestList(t *testing.T) {
	imds, url := setup(t)
	r := runAgainst(url, "--list")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, `{"available_keys":["ami-id","instance-id","placement/availability-zone","placement/region"]}`+"\n", r.stdout)
	assert.Equal(t, 0, imds.Requests("ami-id"))
}

func TestPartialFailureSucceeds(t *testing.T) {
	imds, url := setup(t)
	imds.FailPathAlways("placement", http.StatusInternalServerError)
	r := runAgainst(url)
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, `{"ami-id":"ami-1","instance-id":"i-1"}`+"\n", r.stdout)
	assert.Contains(t, r.stderr, "could not retrieve path placement")

	r = runAgainst(url, "--log-level", "off")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Contains(t, r.stderr, "metadata-query: could not retrieve path placement: ")
}

func TestSeparatorCollisionReported(t *testing.T) {
	imds := mockimds.NewServer(mockimds.MustParseTree(`
a.b: dotted
a:
  b: nested
`))
	srv := httptest.NewServer(imds.Handler())
	t.Cleanup(srv.Close)

	r := runAgainst(srv.URL, "--separator", ".", "--log-level", "off")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, `{"a.b":"dotted"}`+"\n", r.stdout)
	assert.Contains(t, r.stderr, "could not retrieve path a/b")
	assert.Contains(t, r.stderr, metadata.ErrKeyCollision.Error())
}

func TestRuntimeFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*mockimds.Server)
		args  []string
		want  string
	}{
		{
			name: "key not found",
			args: []string{"--key", "nope"},
			want: `key "nope" not found`,
		},
		{
			name:  "token unavailable",
			setup: func(s *mockimds.Server) { s.FailToken(500, 500, 500) },
			want:  metadata.ErrAuth.Error(),
		},
		{
			name:  "everything failed",
			setup: func(s *mockimds.Server) { s.FailPathAlways("", 503) },
			want:  metadata.ErrAllFailed.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imds, url := setup(t)
			if tt.setup != nil {
				tt.setup(imds)
			}
			r := runAgainst(url, tt.args...)
			assert.Equal(t, exitFailure, r.code)
			assert.Empty(t, r.stdout)
			assert.Contains(t, r.stderr, tt.want)
		})
	}
}

func TestUsageErrors(t *testing.T) {
	_, url := setup(t)
	for name, args := range map[string][]string{
		"unknown flag":      {"--bogus"},
		"positional":        {"instance-id"},
		"raw without key":   {"--format", "raw"},
		"list with key":     {"--list", "--key", "a"},
		"bad format":        {"--format", "xml"},
		"bad log level":     {"--log-level", "loud"},
		"bad duration":      {"--timeout", "soon"},
		"raw for directory": {"--key", "placement", "--format", "raw"},
	} {
		t.Run(name, func(t *testing.T) {
			r := runAgainst(url, args...)
			assert.Equal(t, exitUsage, r.code, r.stderr)
			assert.Contains(t, r.stderr, "metadata-query: ")
		})
	}
}

func TestBadBaseURL(t *testing.T) {
	r := runWith(nil, "--base-url", "ftp://example.com")
	assert.Equal(t, exitUsage, r.code)
}

func TestEnvironment(t *testing.T) {
	_, url := setup(t)
	r := runWith(map[string]string{
		"METADATA_QUERY_BASE_URL": url,
		"METADATA_QUERY_KEY":      "ami-id",
		"METADATA_QUERY_FORMAT":   "raw",
	})
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, "ami-1\n", r.stdout)

	r = runWith(map[string]string{"METADATA_QUERY_RETRIES": "many"})
	assert.Equal(t, exitUsage, r.code)
}

func TestMetricsFile(t *testing.T) {
	_, url := setup(t)
	path := filepath.Join(t.TempDir(), "metadata_query.prom")
	r := runAgainst(url, "--metrics-file", path)
	require.Equal(t, exitOK, r.code, r.stderr)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "metadata_query_walk_leaves 4")
	assert.Contains(t, string(data), `result="success"`)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitUsage, exitCode(usageError{assert.AnError}))
	assert.Equal(t, exitFailure, exitCode(&metadata.KeyNotFoundError{Key: "k"}))
	assert.Equal(t, exitFailure, exitCode(context.DeadlineExceeded))
}
