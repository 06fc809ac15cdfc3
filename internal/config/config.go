// Package config holds the metadata-query command line configuration. Every
// flag can also be set from a METADATA_QUERY_* environment variable.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/lstoll/metadata-query/internal/metadata"
	"github.com/lstoll/metadata-query/internal/metrics"
)

// EnvPrefix is prepended to a flag's upper-cased name to form its variable.
const EnvPrefix = "METADATA_QUERY_"

// EndpointEnv is the AWS SDK's endpoint override, used when no base URL is
// configured otherwise.
const EndpointEnv = "AWS_EC2_METADATA_SERVICE_ENDPOINT"

// Output formats and layouts.
const (
	FormatJSON   = "json"
	FormatRaw    = "raw"
	LayoutFlat   = "flat"
	LayoutNested = "nested"
)

type Config struct {
	Key         string
	List        bool
	Format      string
	Layout      string
	Pretty      bool
	Separator   string
	Root        string
	LogLevel    string
	MetricsFile string

	BaseURL        string
	TokenTTL       time.Duration
	SafetyMargin   time.Duration
	RequestTimeout time.Duration
	Timeout        time.Duration
	Retries        int
	RetryBase      time.Duration
	Concurrency    int
	MaxDepth       int
	RPS            float64
}

func Default() Config {
	return Config{
		Format:         FormatJSON,
		Layout:         LayoutFlat,
		Separator:      "/",
		LogLevel:       "info",
		BaseURL:        metadata.DefaultBaseURL,
		TokenTTL:       metadata.DefaultTokenTTL,
		SafetyMargin:   metadata.DefaultSafetyMargin,
		RequestTimeout: metadata.DefaultRequestTimeout,
		Timeout:        metadata.DefaultDeadline,
		Retries:        metadata.DefaultMaxAttempts,
		RetryBase:      metadata.DefaultRetryBase,
		Concurrency:    metadata.DefaultConcurrency,
		MaxDepth:       metadata.DefaultMaxDepth,
	}
}

// BindFlags registers c's fields on fs, using the current values as defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Key, "key", "k", c.Key, "Fetch a single key instead of walking the whole tree")
	fs.BoolVarP(&c.List, "list", "l", c.List, "List available keys without fetching values")
	fs.StringVarP(&c.Format, "format", "f", c.Format, "Output format: json or raw (raw needs --key naming a value)")
	fs.StringVar(&c.Layout, "layout", c.Layout, "Output layout for a full walk: flat or nested")
	fs.BoolVar(&c.Pretty, "pretty", c.Pretty, "Indent JSON output")
	fs.StringVar(&c.Separator, "separator", c.Separator, "Separator joining path segments in flat output keys")
	fs.StringVar(&c.Root, "root", c.Root, "Walk or resolve below this meta-data path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error or off")
	fs.StringVar(&c.MetricsFile, "metrics-file", c.MetricsFile, "Write run metrics to this file in node exporter textfile format")

	fs.StringVar(&c.BaseURL, "base-url", c.BaseURL, "Metadata service base URL (also "+EndpointEnv+")")
	fs.DurationVar(&c.TokenTTL, "token-ttl", c.TokenTTL, "Session token lifetime to request (1s to 6h)")
	fs.DurationVar(&c.SafetyMargin, "token-safety-margin", c.SafetyMargin, "Stop using a cached token this long before it expires")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "Timeout for each HTTP request")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "Deadline for the whole operation")
	fs.IntVar(&c.Retries, "retries", c.Retries, "Attempts per request before giving up on transient failures")
	fs.DurationVar(&c.RetryBase, "retry-base", c.RetryBase, "Delay before the first retry; doubles on each further attempt")
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "Requests kept in flight during a walk")
	fs.IntVar(&c.MaxDepth, "max-depth", c.MaxDepth, "Directory levels followed below the root")
	fs.Float64Var(&c.RPS, "rps", c.RPS, "Limit metadata requests per second (0 is unlimited)")
}

// EnvName is the variable that sets the named flag.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

var digits = regexp.MustCompile(`^[0-9]+$`)

// ApplyEnv sets every flag not given on the command line from its
// environment variable. Duration variables also accept a bare number of
// seconds. Call after fs.Parse.
func ApplyEnv(fs *pflag.FlagSet, lookupEnv func(string) (string, bool)) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		v, ok := lookupEnv(EnvName(f.Name))
		if !ok || v == "" {
			if f.Name != "base-url" {
				return
			}
			if v, ok = lookupEnv(EndpointEnv); !ok || v == "" {
				return
			}
		}
		if f.Value.Type() == "duration" && digits.MatchString(v) {
			v += "s"
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvName(f.Name), err))
		}
	})
	return utilerrors.NewAggregate(errs)
}

// Validate reports every invalid value or flag combination at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Format {
	case FormatJSON, FormatRaw:
	default:
		errs = append(errs, fmt.Errorf("--format must be %s or %s, got %q", FormatJSON, FormatRaw, c.Format))
	}
	switch c.Layout {
	case LayoutFlat, LayoutNested:
	default:
		errs = append(errs, fmt.Errorf("--layout must be %s or %s, got %q", LayoutFlat, LayoutNested, c.Layout))
	}
	if c.List && c.Key != "" {
		errs = append(errs, fmt.Errorf("--list and --key are mutually exclusive"))
	}
	if c.Format == FormatRaw && c.Key == "" {
		errs = append(errs, fmt.Errorf("--format raw requires --key"))
	}
	if c.Layout == LayoutNested && (c.Key != "" || c.List) {
		errs = append(errs, fmt.Errorf("--layout nested only applies to a full walk"))
	}
	if c.Separator == "" {
		errs = append(errs, fmt.Errorf("--separator must not be empty"))
	}
	if _, err := metadata.ParsePath(c.Root); err != nil {
		errs = append(errs, fmt.Errorf("--root: %w", err))
	}
	if c.Key != "" {
		if _, err := metadata.ParsePath(c.Key); err != nil {
			errs = append(errs, fmt.Errorf("--key: %w", err))
		}
	}
	if c.TokenTTL < metadata.MinTokenTTL || c.TokenTTL > metadata.MaxTokenTTL {
		errs = append(errs, fmt.Errorf("--token-ttl must be between %s and %s, got %s", metadata.MinTokenTTL, metadata.MaxTokenTTL, c.TokenTTL))
	}
	if c.SafetyMargin < 0 {
		errs = append(errs, fmt.Errorf("--token-safety-margin must not be negative"))
	}
	if c.RetryBase < 0 {
		errs = append(errs, fmt.Errorf("--retry-base must not be negative"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--request-timeout must be positive"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("--timeout must be positive"))
	}
	if c.Retries < 1 {
		errs = append(errs, fmt.Errorf("--retries must be at least 1"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("--concurrency must be at least 1"))
	}
	if c.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("--max-depth must be at least 1"))
	}
	if c.RPS < 0 {
		errs = append(errs, fmt.Errorf("--rps must not be negative"))
	}
	return utilerrors.NewAggregate(errs)
}

// RootPath is the validated --root.
func (c Config) RootPath() metadata.Path {
	p, _ := metadata.ParsePath(c.Root)
	return p
}

// Options converts c into client options.
func (c Config) Options(log logr.Logger, m *metrics.Metrics) metadata.Options {
	return metadata.Options{
		BaseURL:           c.BaseURL,
		TokenTTL:          c.TokenTTL,
		SafetyMargin:      c.SafetyMargin,
		RequestTimeout:    c.RequestTimeout,
		Deadline:          c.Timeout,
		MaxAttempts:       c.Retries,
		RetryBase:         c.RetryBase,
		Concurrency:       c.Concurrency,
		MaxDepth:          c.MaxDepth,
		RequestsPerSecond: c.RPS,
		Separator:         c.Separator,
		Logger:            log,
		Metrics:           m,
	}
}
