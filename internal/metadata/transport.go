package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/lstoll/metadata-query/internal/metrics"
)

// maxBodyBytes caps a single metadata response. IMDS values are far smaller;
// user-data, the largest, is limited to 16KiB.
const maxBodyBytes = 1 << 20

// Transport performs authenticated reads against the meta-data tree.
// Safe for concurrent use.
type Transport struct {
	client  *http.Client
	baseURL string
	tokens  *TokenProvider
	timeout time.Duration
	backoff wait.Backoff
	limiter *rate.Limiter
	log     logr.Logger
	metrics *metrics.Metrics
}

// NewTransport returns a Transport that authenticates with tokens.
func NewTransport(tokens *TokenProvider, opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{
		client:  opts.HTTPClient,
		baseURL: opts.BaseURL,
		tokens:  tokens,
		timeout: opts.RequestTimeout,
		backoff: opts.backoff(),
		limiter: opts.limiter(),
		log:     opts.Logger.WithName("transport"),
		metrics: opts.Metrics,
	}
}

// Get is one logical read of p. It obtains a token, and if the service
// rejects it, discards it and retries once with a freshly issued one.
// A missing path yields an error matching ErrNotFound.
func (t *Transport) Get(ctx context.Context, p Path) ([]byte, error) {
	tok, err := t.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	body, err := t.GetWithToken(ctx, p, tok)
	if !errors.Is(err, ErrTokenInvalid) {
		return body, err
	}
	t.log.V(1).Info("token rejected, reissuing", "path", p.String())
	t.tokens.Invalidate(tok)
	tok, err = t.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return t.GetWithToken(ctx, p, tok)
}

// GetWithToken sends GET requests for p using tok, retrying transient
// failures (network errors, 429, 5xx) with exponential backoff. It returns
// ErrTokenInvalid on 401/403, ErrNotFound on 404 and a *TransportError once
// the retry budget is spent.
func (t *Transport) GetWithToken(ctx context.Context, p Path, tok Token) ([]byte, error) {
	var (
		body    []byte
		status  int
		lastErr error
	)
	attempts, exhausted, err := retry(ctx, t.backoff, func(ctx context.Context, attempt int) (bool, error) {
		if err := t.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("GET %q: %w", p.String(), err)
		}
		b, code, err := t.do(ctx, p, tok)
		t.metrics.ObserveRequest(metrics.EndpointMetadata, code)
		status = code
		switch {
		case err != nil:
			lastErr = err
		case code == http.StatusOK:
			body = b
			return true, nil
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return false, fmt.Errorf("GET %q: status %d: %w", p.String(), code, ErrTokenInvalid)
		case code == http.StatusNotFound:
			return false, fmt.Errorf("GET %q: %w", p.String(), ErrNotFound)
		case retryableStatus(code):
			lastErr = fmt.Errorf("status %d", code)
		default:
			return false, &TransportError{Path: p, Attempts: attempt, Status: code, Err: fmt.Errorf("unexpected status %d", code)}
		}
		t.log.V(1).Info("metadata request failed", "path", p.String(), "attempt", attempt, "error", lastErr.Error())
		t.metrics.IncRetry(metrics.EndpointMetadata)
		return false, nil
	})
	switch {
	case err == nil:
		return body, nil
	case exhausted:
		return nil, &TransportError{Path: p, Attempts: attempts, Status: status, Err: lastErr}
	}
	return nil, err
}

func (t *Transport) do(ctx context.Context, p Path, tok Token) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+p.URLPath(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(TokenHeader, tok.Value)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
