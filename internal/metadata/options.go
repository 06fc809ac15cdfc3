package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/lstoll/metadata-query/internal/metrics"
)

// Options configures a Client and the components it is built from. Zero
// values select the package defaults.
type Options struct {
	// BaseURL is the scheme and host of the metadata service, e.g.
	// http://169.254.169.254.
	BaseURL    string
	HTTPClient *http.Client

	// TokenTTL is the lifetime requested for session tokens, clamped to
	// MinTokenTTL..MaxTokenTTL.
	TokenTTL time.Duration
	// SafetyMargin is how long before expiry a cached token stops being used.
	SafetyMargin time.Duration

	// RequestTimeout bounds each individual HTTP attempt.
	RequestTimeout time.Duration
	// Deadline bounds a whole FetchAll, FetchKey or ListKeys call.
	Deadline time.Duration

	// MaxAttempts, RetryBase and RetryFactor shape the exponential backoff for
	// transient failures.
	MaxAttempts int
	RetryBase   time.Duration
	RetryFactor float64

	// Concurrency is the number of fetches a walk keeps in flight.
	Concurrency int
	// MaxDepth is how many levels below the walk root are followed before the
	// walk fails with a TraversalError.
	MaxDepth int
	// RequestsPerSecond paces metadata reads. Zero means unlimited.
	RequestsPerSecond float64

	// Separator joins path segments in flattened result keys.
	Separator string

	Logger  logr.Logger
	Clock   clock.PassiveClock
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimSuffix(o.BaseURL, "/")
	if o.HTTPClient == nil {
		// Proxies must never see metadata traffic.
		o.HTTPClient = &http.Client{Transport: &http.Transport{Proxy: nil}}
	}
	if o.TokenTTL == 0 {
		o.TokenTTL = DefaultTokenTTL
	}
	o.TokenTTL = min(max(o.TokenTTL, MinTokenTTL), MaxTokenTTL)
	if o.SafetyMargin == 0 {
		o.SafetyMargin = DefaultSafetyMargin
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Deadline == 0 {
		o.Deadline = DefaultDeadline
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBase == 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryFactor == 0 {
		o.RetryFactor = DefaultRetryFactor
	}
	if o.Concurrency == 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxDepth == 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.Separator == "" {
		o.Separator = "/"
	}
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return o
}

func (o Options) validate() error {
	u, err := url.Parse(o.BaseURL)
	if err != nil {
		return fmt.Errorf("base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base url %q: scheme must be http or https", o.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("base url %q: missing host", o.BaseURL)
	}
	if u.Path != "" || u.RawQuery != "" {
		return fmt.Errorf("base url %q: must not carry a path or query", o.BaseURL)
	}
	switch {
	case o.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1, got %d", o.MaxAttempts)
	case o.Concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1, got %d", o.Concurrency)
	case o.MaxDepth < 1:
		return fmt.Errorf("max depth must be at least 1, got %d", o.MaxDepth)
	case o.RequestsPerSecond < 0:
		return fmt.Errorf("requests per second must not be negative")
	case o.SafetyMargin < 0 || o.RequestTimeout < 0 || o.Deadline < 0 || o.RetryBase < 0:
		return fmt.Errorf("durations must not be negative")
	case o.RetryFactor < 1:
		return fmt.Errorf("retry factor must be at least 1, got %v", o.RetryFactor)
	}
	return nil
}

func (o Options) backoff() wait.Backoff {
	return wait.Backoff{
		Duration: o.RetryBase,
		Factor:   o.RetryFactor,
		Steps:    o.MaxAttempts,
	}
}

func (o Options) limiter() *rate.Limiter {
	if o.RequestsPerSecond == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(o.RequestsPerSecond), max(1, int(o.RequestsPerSecond)))
}

// retry calls fn until it reports done, returns an error, or the backoff runs
// out of steps. exhausted is true only in the last case.
func retry(ctx context.Context, b wait.Backoff, fn func(ctx context.Context, attempt int) (bool, error)) (attempts int, exhausted bool, err error) {
	var stopped error
	err = wait.ExponentialBackoffWithContext(ctx, b, func(ctx context.Context) (bool, error) {
		attempts++
		done, err := fn(ctx, attempts)
		stopped = err
		return done, err
	})
	switch {
	case err == nil:
		return attempts, false, nil
	case stopped != nil:
		return attempts, false, stopped
	case ctx.Err() != nil:
		return attempts, false, ctx.Err()
	}
	return attempts, true, err
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
