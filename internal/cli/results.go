package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/post-goat/internal/abtest"
)

func newResultsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "results <test-id>",
		Short: "Show detailed results for a test",
		Long:  `Show per-variation counters, goal metric with confidence interval, and significance against the control.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				details, err := e.service.GetTestDetails(ctx, opts.owner, args[0])
				if err != nil {
					return fmt.Errorf("failed to get test: %w", err)
				}

				printResults(cmd.OutOrStdout(), details)
				return nil
			})
		},
	}
}

func printResults(w io.Writer, d *abtest.TestDetails) {
	test := d.Test

	// Print header
	fmt.Fprintf(w, "TEST: %s (%s)\n", test.Name, test.ID)
	fmt.Fprintf(w, "STATE: %s\n", test.State)
	fmt.Fprintf(w, "GOAL: %s at %.0f%% confidence\n", test.GoalMetric, test.ConfidenceLevel*100)
	fmt.Fprintf(w, "CREATED: %s\n", test.CreatedAt.Format("2006-01-02"))
	fmt.Fprintf(w, "IMPRESSIONS: %s (min sample reached: %t)\n", formatNumber(d.TotalImpressions), d.MinSampleReached)
	fmt.Fprintln(w)

	// Print table header
	fmt.Fprintln(w, "VARIATION         IMPR     ENG      CLICKS   CONV     GOAL     CI                P-VALUE")
	fmt.Fprintln(w, strings.Repeat("─", 92))

	for _, v := range d.Variations {
		indicator := ""
		switch {
		case test.WinnerVariationID != nil && *test.WinnerVariationID == v.ID:
			indicator = " ← WINNER"
		case v.Leading && len(d.Variations) > 1:
			indicator = " ← LEADING"
		}

		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower, v.CIUpper)
		if v.Impressions == 0 {
			ciStr = "N/A"
		}

		pStr := formatPValue(v.PValue)
		if v.IsControl {
			pStr = "control"
		}

		name := truncateName(v.Name, 16)

		fmt.Fprintf(w, "%-16s  %-7s  %-7s  %-7s  %-7s  %-7s  %-16s  %s%s\n",
			name,
			formatNumber(v.Impressions),
			formatNumber(v.Engagements),
			formatNumber(v.Clicks),
			formatNumber(v.Conversions),
			formatPercent(v.GoalValue),
			ciStr,
			pStr,
			indicator,
		)
	}

	fmt.Fprintln(w)

	// Print significance message
	confPct := test.ConfidenceLevel * 100
	switch {
	case d.Significance.IsSignificant:
		fmt.Fprintf(w, "Statistical significance: p = %s, significant at %.0f%% confidence\n", formatPValue(d.Significance.PValue), confPct)
	case d.Significance.PValue != nil:
		fmt.Fprintf(w, "Statistical significance: p = %s, not yet significant at %.0f%% confidence\n", formatPValue(d.Significance.PValue), confPct)
	default:
		fmt.Fprintln(w, "Statistical significance: Not enough data to determine a winner")
	}
}

// truncateName shortens name to at most width runes, ending in "...".
func truncateName(name string, width int) string {
	runes := []rune(name)
	if len(runes) <= width {
		return name
	}
	return string(runes[:width-3]) + "..."
}

// formatPercent renders a rate already expressed in percent.
func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate)
}

func formatPValue(p *float64) string {
	if p == nil {
		return "n/a"
	}
	if *p < 0.0001 {
		return "<0.0001"
	}
	return fmt.Sprintf("%.4f", *p)
}
