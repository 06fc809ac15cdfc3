package metadata_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lstoll/metadata-query/internal/metadata"
)

func TestTokenReusedAcrossCalls(t *testing.T) {
	env := newTestEnv(t, instanceFixture)
	p := metadata.NewTokenProvider(env.options())
	ctx := context.Background()

	first, err := p.Token(ctx)
	require.NoError(t, err)
	second, err := p.Token(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, env.imds.TokenRequests())
	assert.Equal(t, metadata.DefaultTokenTTL, first.TTL)
}

func TestTokenRefreshedWithinSafetyMargin(t *testing.T) {
	env := newTestEnv(t, instanceFixture)
	opts := env.options()
	opts.TokenTTL = time.Minute
	opts.SafetyMargin = 5 * time.Second
	p := metadata.NewTokenProvider(opts)
	ctx := context.Background()

	first, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, first.TTL)

	env.clock.Step(54 * time.Second)
	tok, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Value, tok.Value, "token outside the margin must be reused")

	env.clock.Step(2 * time.Second)
	tok, err = p.Token(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.Value, tok.Value, "token inside the margin must be replaced")
	assert.Equal(t, 2, env.imds.TokenRequests())
}

func TestTokenTTLClamped(t *testing.T) {
	env := newTestEnv(t, instanceFixture)
	opts := env.options()
	opts.TokenTTL = 48 * time.Hour
	tok, err := metadata.NewTokenProvider(opts).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metadata.MaxTokenTTL, tok.TTL)
	assert.Equal(t, env.clock.Now().Add(metadata.MaxTokenTTL), tok.ExpiresAt())
}

func TestTokenConcurrentCallersShareIssuance(t *testing.T) {
	env := newTestEnv(t, instanceFixture)
	p := metadata.NewTokenProvider(env.options())

	var wg sync.WaitGroup
	values := make([]string, 16)
	for i := range values {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := p.Token(context.Background())
			assert.NoError(t, err)
			values[i] = tok.Value
		}()
	}
	wg.Wait()

	for _, v := range values {
		assert.Equal(t, values[0], v)
	}
	assert.Equal(t, 1, env.imds.TokenRequests())
}

func TestTokenRetriesServerErrors(t *testing.T) {
	env := newTestEnv(t, instanceFixture)
	env.imds.FailToken(http.StatusInternalServerError, http.StatusServiceUnavailable)
	tok, err := metadata.NewTokenProvider(env.options()).Token(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Value)
	assert.Equal(t, 3, env.imds.TokenRequests())
}

func TestTokenRetryExhausted(t *testing.T) {
	env := newTestEnv(t, instanceFixture)
	env.imds.FailToken(http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)
	opts := env.options()
	opts.RetryBase = 10 * time.Millisecond
	opts.MaxAttempts = 3

	start := time.Now()
	_, err := metadata.NewTokenProvider(opts).Token(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, metadata.ErrAuth)
	var authErr *metadata.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, 3, authErr.Attempts)
	assert.Equal(t, http.StatusInternalServerError, authErr.Status)
	assert.Equal(t, 3, env.imds.TokenRequests())
	// 10ms before the second attempt, 20ms before the third.
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestTokenTerminalStatusNotRetried(t *testing.T) {
	env := newTestEnv(t, instanceFixture)
	env.imds.FailToken(http.StatusForbidden)
	_, err := metadata.NewTokenProvider(env.options()).Token(context.Background())

	var authErr *metadata.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, 1, authErr.Attempts)
	assert.Equal(t, http.StatusForbidden, authErr.Status)
	assert.Equal(t, 1, env.imds.TokenRequests())
}

func TestTokenUnreachable(t *testing.T) {
	opts := metadata.Options{
		// Nothing listens on port 1.
		BaseURL:     "http://127.0.0.1:1",
		RetryBase:   time.Millisecond,
		MaxAttempts: 2,
	}
	_, err := metadata.NewTokenProvider(opts).Token(context.Background())

	var authErr *metadata.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, 2, authErr.Attempts)
	assert.Equal(t, 0, authErr.Status)
}

func TestTokenInvalidateOnlyCurrent(t *testing.T) {
	env := newTestEnv(t, instanceFixture)
	p := metadata.NewTokenProvider(env.options())
	ctx := context.Background()

	first, err := p.Token(ctx)
	require.NoError(t, err)
	p.Invalidate(metadata.Token{Value: "someone-elses"})
	again, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Value, again.Value)

	p.Invalidate(first)
	fresh, err := p.Token(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.Value, fresh.Value)
	assert.Equal(t, 2, env.imds.TokenRequests())
}

func TestTokenValidAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := metadata.Token{Value: "t", TTL: time.Minute, IssuedAt: now}

	assert.True(t, tok.ValidAt(now, 5*time.Second))
	assert.True(t, tok.ValidAt(now.Add(54*time.Second), 5*time.Second))
	assert.False(t, tok.ValidAt(now.Add(55*time.Second), 5*time.Second))
	assert.False(t, metadata.Token{}.ValidAt(now, 0))
}
