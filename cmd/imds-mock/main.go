// imds-mock serves a YAML fixture over the IMDSv2 protocol for local
// development against metadata-query --base-url.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lstoll/metadata-query/internal/logging"
	"github.com/lstoll/metadata-query/internal/mockimds"
)

func main() {
	var (
		fixture  string
		listen   string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "imds-mock",
		Short: "Serve a metadata fixture over IMDSv2",
		Long: `Serve a metadata fixture over IMDSv2.

The fixture is a YAML mapping. Nested mappings are directories, scalars are
values and sequences of scalars are newline-joined values. Key order is
preserved in listings.

  metadata-query --base-url http://127.0.0.1:1338
`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := logging.New(os.Stderr, logLevel)
			if err != nil {
				return err
			}
			tree := mockimds.NewTree()
			if fixture != "" {
				if tree, err = mockimds.LoadTree(fixture); err != nil {
					return err
				}
			}
			log.Info("loaded fixture", "leaves", len(tree.Leaves()))
			srv := mockimds.NewServer(tree,
				mockimds.WithListenAddr(listen),
				mockimds.WithLogger(log.WithName("imds")),
			)
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&fixture, "fixture", os.Getenv("IMDS_MOCK_FIXTURE"), "YAML fixture to serve")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:1338", "Address to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error or off")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
