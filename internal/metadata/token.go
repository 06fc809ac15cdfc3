package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/lstoll/metadata-query/internal/metrics"
)

// maxTokenBytes caps how much of a token response is read.
const maxTokenBytes = 4096

// Token is an immutable snapshot of a session token.
type Token struct {
	Value    string
	TTL      time.Duration
	IssuedAt time.Time
}

// ExpiresAt is when the service stops accepting the token.
func (t Token) ExpiresAt() time.Time { return t.IssuedAt.Add(t.TTL) }

// ValidAt reports whether t may be used for a request started at now, keeping
// margin in reserve for requests already in flight.
func (t Token) ValidAt(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Before(t.ExpiresAt().Add(-margin))
}

// TokenProvider issues and caches session tokens. It is the only writer of
// the cached token; callers get copies. Safe for concurrent use.
type TokenProvider struct {
	client  *http.Client
	url     string
	ttl     time.Duration
	margin  time.Duration
	timeout time.Duration
	backoff wait.Backoff
	clock   clock.PassiveClock
	log     logr.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	current Token
}

// NewTokenProvider returns a provider for the token endpoint under opts.BaseURL.
func NewTokenProvider(opts Options) *TokenProvider {
	opts = opts.withDefaults()
	return &TokenProvider{
		client:  opts.HTTPClient,
		url:     opts.BaseURL + PathToken,
		ttl:     opts.TokenTTL,
		margin:  opts.SafetyMargin,
		timeout: opts.RequestTimeout,
		backoff: opts.backoff(),
		clock:   opts.Clock,
		log:     opts.Logger.WithName("token"),
		metrics: opts.Metrics,
	}
}

// Token returns the cached token, issuing a new one first if the cache is
// empty or the cached token is within the safety margin of expiry. Concurrent
// callers wait for a single issuance.
func (p *TokenProvider) Token(ctx context.Context) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.ValidAt(p.clock.Now(), p.margin) {
		return p.current, nil
	}
	p.current = Token{}
	tok, err := p.issue(ctx)
	if err != nil {
		return Token{}, err
	}
	p.current = tok
	return tok, nil
}

// Invalidate discards tok if it is still the cached token. A newer token
// issued by another caller is left alone.
func (p *TokenProvider) Invalidate(tok Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.Value != "" && p.current.Value == tok.Value {
		p.log.V(1).Info("discarding rejected token", "issuedAt", tok.IssuedAt)
		p.current = Token{}
		p.metrics.IncTokenInvalidated()
	}
}

type tokenResponse struct {
	value  string
	ttl    time.Duration
	status int
}

func (p *TokenProvider) issue(ctx context.Context) (Token, error) {
	var (
		tok     Token
		lastErr error
		status  int
	)
	attempts, exhausted, err := retry(ctx, p.backoff, func(ctx context.Context, attempt int) (bool, error) {
		issuedAt := p.clock.Now()
		resp, err := p.put(ctx)
		status = resp.status
		p.metrics.ObserveRequest(metrics.EndpointToken, resp.status)
		switch {
		case err == nil && resp.status == http.StatusOK:
			tok = Token{Value: resp.value, TTL: resp.ttl, IssuedAt: issuedAt}
			return true, nil
		case err != nil:
			lastErr = err
		case retryableStatus(resp.status):
			lastErr = fmt.Errorf("token endpoint returned %d", resp.status)
		default:
			return false, &AuthError{
				Attempts: attempt,
				Status:   resp.status,
				Err:      fmt.Errorf("token endpoint returned %d", resp.status),
			}
		}
		p.log.V(1).Info("token request failed", "attempt", attempt, "error", lastErr.Error())
		p.metrics.IncRetry(metrics.EndpointToken)
		return false, nil
	})
	if err == nil {
		p.log.V(1).Info("issued token", "ttl", tok.TTL.String())
		p.metrics.IncTokenIssued()
		return tok, nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return Token{}, err
	}
	if exhausted {
		err = lastErr
	} else {
		status = 0
	}
	return Token{}, &AuthError{Attempts: attempts, Status: status, Err: err}
}

func (p *TokenProvider) put(ctx context.Context) (tokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.url, nil)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("new token request: %w", err)
	}
	req.Header.Set(TokenTTLHeader, strconv.Itoa(int(p.ttl/time.Second)))
	resp, err := p.client.Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	out := tokenResponse{status: resp.StatusCode, ttl: p.ttl}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxTokenBytes))
		return out, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBytes))
	if err != nil {
		out.status = 0
		return out, fmt.Errorf("read token: %w", err)
	}
	out.value = strings.TrimSpace(string(body))
	if out.value == "" {
		out.status = 0
		return out, fmt.Errorf("empty token")
	}
	// The service echoes the TTL it granted; never assume more than that.
	if s := resp.Header.Get(TokenTTLHeader); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			out.ttl = min(out.ttl, time.Duration(secs)*time.Second)
		}
	}
	return out, nil
}
