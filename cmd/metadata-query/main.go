// metadata-query reads the instance metadata service over IMDSv2 and prints
// what it finds as JSON: the whole tree, one key, or the list of keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/lstoll/metadata-query/internal/config"
	"github.com/lstoll/metadata-query/internal/logging"
	"github.com/lstoll/metadata-query/internal/metadata"
	"github.com/lstoll/metadata-query/internal/metrics"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv)
	stop()
	os.Exit(code)
}

// usageError marks bad flags or configuration.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookupEnv func(string) (string, bool)) int {
	cfg := config.Default()
	cmd := newCommand(&cfg, stdout, stderr, lookupEnv)
	// cobra falls back to os.Args for a nil slice.
	cmd.SetArgs(append([]string{}, args...))
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "metadata-query: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	var ue usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ue):
		return exitUsage
	}
	return exitFailure
}

func newCommand(cfg *config.Config, stdout, stderr io.Writer, lookupEnv func(string) (string, bool)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata-query",
		Short: "Query the instance metadata service",
		Long: `Query the instance metadata service using IMDSv2 session tokens.

Without flags the whole meta-data tree is walked and printed as one JSON object
keyed by path. Paths that fail are reported on stderr; the command still
succeeds if anything was retrieved.

Every flag can also be set with METADATA_QUERY_<FLAG>, e.g.
METADATA_QUERY_BASE_URL or METADATA_QUERY_TOKEN_TTL.

Examples:
  # Everything, flattened
  metadata-query

  # One value
  metadata-query --key instance-id --format raw

  # A directory, below a root
  metadata-query --root placement --key region

  # Available keys only
  metadata-query --list
`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unexpected arguments %q", args)}
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ApplyEnv(cmd.Flags(), lookupEnv); err != nil {
				return usageError{err}
			}
			if err := cfg.Validate(); err != nil {
				return usageError{err}
			}
			return query(cmd.Context(), *cfg, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	cmd.Flags().SortFlags = false
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func query(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) error {
	log, err := logging.New(stderr, cfg.LogLevel)
	if err != nil {
		return usageError{err}
	}
	var m *metrics.Metrics
	if cfg.MetricsFile != "" {
		m = metrics.New()
		defer func() {
			if werr := m.WriteTextfile(cfg.MetricsFile); werr != nil {
				log.Error(werr, "writing metrics", "path", cfg.MetricsFile)
			}
		}()
	}

	client, err := metadata.NewClient(cfg.Options(log, m))
	if err != nil {
		return usageError{err}
	}
	root := cfg.RootPath()

	switch {
	case cfg.List:
		keys, failures, err := client.ListKeys(ctx, root)
		if err != nil {
			return err
		}
		reportFailures(stderr, log, failures)
		return metadata.WriteKeyList(stdout, keys, cfg.Pretty)

	case cfg.Key != "":
		res, err := client.FetchKey(ctx, cfg.Key, root)
		if err != nil {
			return err
		}
		reportFailures(stderr, log, res.Failures)
		if cfg.Format == config.FormatRaw {
			if !res.Leaf {
				return usageError{fmt.Errorf("--format raw: key %q is a directory", cfg.Key)}
			}
			_, err := fmt.Fprintln(stdout, res.Nodes[0].Value)
			return err
		}
		return res.Tree.WriteJSON(stdout, cfg.Pretty)
	}

	res, err := client.FetchAll(ctx, root)
	if err != nil {
		return err
	}
	reportFailures(stderr, log, res.Failures)
	if cfg.Layout == config.LayoutNested {
		return metadata.WriteNestedJSON(stdout, metadata.Nest(root, res.Nodes), cfg.Pretty)
	}
	return res.Tree.WriteJSON(stdout, cfg.Pretty)
}

// reportFailures writes one line per failed path to stderr whatever the log
// level, so a partial result is never silent.
func reportFailures(stderr io.Writer, log logr.Logger, failures []metadata.Failure) {
	for _, f := range failures {
		fmt.Fprintf(stderr, "metadata-query: could not retrieve path %s: %v\n", f.Path.String(), f.Err)
		log.V(1).Info("path failed", "path", f.Path.String(), "error", f.Err.Error())
	}
}
