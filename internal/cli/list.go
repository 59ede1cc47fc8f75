package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/post-goat/internal/abtest"
	"github.com/headline-goat/post-goat/internal/store"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		state string
		brand string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tests",
		Long:  `List the owner's A/B tests, newest first, with their status and totals.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				tests, err := e.service.ListTests(ctx, opts.owner, abtest.ListOptions{
					State:   store.TestState(state),
					BrandID: brand,
					Limit:   limit,
				})
				if err != nil {
					return fmt.Errorf("failed to list tests: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(tests) == 0 {
					fmt.Fprintln(out, "No tests yet.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Create one with:")
					fmt.Fprintln(out, `  post-goat create <name> --variation "A=..." --variation "B=..."`)
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATE\tGOAL\tVARIATIONS\tIMPRESSIONS\tENGAGEMENTS\tCREATED")

				for _, test := range tests {
					var engagements int64
					for _, v := range test.Variations {
						engagements += v.Engagements
					}

					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						test.ID,
						test.Name,
						strings.ToUpper(string(test.State)),
						test.GoalMetric,
						len(test.Variations),
						formatNumber(test.TotalImpressions()),
						formatNumber(engagements),
						test.CreatedAt.Format("2006-01-02"),
					)
				}

				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only tests in this state (draft, running, paused, completed, cancelled)")
	cmd.Flags().StringVar(&brand, "brand", "", "only tests of this brand")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tests (default 50, at most 200)")

	return cmd
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
