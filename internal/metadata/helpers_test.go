package metadata_test

import (
	"net/http/httptest"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/lstoll/metadata-query/internal/metadata"
	"github.com/lstoll/metadata-query/internal/mockimds"
)

const instanceFixture = `
ami-id: ami-0abcdef1234567890
hostname: ip-10-0-0-1.ec2.internal
instance-id: i-0123456789abcdef0
local-ipv4: 10.0.0.1
network:
  interfaces:
    macs:
      "0e:49:61:0f:c3:11":
        device-number: "0"
        local-ipv4s: 10.0.0.1
placement:
  availability-zone: us-east-1a
  region: us-east-1
public-keys:
  0=my-key:
    openssh-key: ssh-rsa AAAAB3Nza my-key
security-groups:
  - default
  - web
`

// instanceLeaves is every leaf of instanceFixture in walk order.
var instanceLeaves = []string{
	"ami-id",
	"hostname",
	"instance-id",
	"local-ipv4",
	"network/interfaces/macs/0e:49:61:0f:c3:11/device-number",
	"network/interfaces/macs/0e:49:61:0f:c3:11/local-ipv4s",
	"placement/availability-zone",
	"placement/region",
	"public-keys/0/openssh-key",
	"security-groups",
}

type testEnv struct {
	imds  *mockimds.Server
	url   string
	clock *clocktesting.FakeClock
}

func newTestEnv(t *testing.T, fixture string) *testEnv {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	imds := mockimds.NewServer(mockimds.MustParseTree(fixture), mockimds.WithClock(clk))
	srv := httptest.NewServer(imds.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{imds: imds, url: srv.URL, clock: clk}
}

// options are fast defaults for tests: short backoff, generous deadlines.
func (e *testEnv) options() metadata.Options {
	return metadata.Options{
		BaseURL:        e.url,
		Clock:          e.clock,
		RetryBase:      time.Millisecond,
		RequestTimeout: 2 * time.Second,
		Deadline:       5 * time.Second,
	}
}

func (e *testEnv) client(t *testing.T, opts metadata.Options) *metadata.Client {
	t.Helper()
	c, err := metadata.NewClient(opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (e *testEnv) transport(opts metadata.Options) (*metadata.Transport, *metadata.TokenProvider) {
	tokens := metadata.NewTokenProvider(opts)
	return metadata.NewTransport(tokens, opts), tokens
}

func paths(nodes []metadata.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, string(n.Path))
	}
	return out
}
