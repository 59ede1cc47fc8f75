package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/post-goat/internal/abtest"
	"github.com/headline-goat/post-goat/internal/store"
)

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		variations  []string
		description string
		testType    string
		brand       string
		goal        string
		minSample   int
		confidence  float64
		autoEnd     bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new A/B test",
		Long: `Create a draft A/B test with two or more content variations.

Each --variation is "Name=content" or plain content (named A, B, ...).
The first variation is the control. Traffic is split evenly.

Examples:
  post-goat create launch --variation "Short=New drop is live" --variation "Long=We spent a year on this..."
  post-goat create cta --variation "Shop now" --variation "Would you wear this?" --goal click_rate --auto-end`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(variations) < 2 {
				return fmt.Errorf("need at least 2 variations. Example: --variation \"A=...\" --variation \"B=...\"")
			}

			in := abtest.CreateTestInput{
				OwnerID:               opts.owner,
				Name:                  args[0],
				Description:           description,
				TestType:              testType,
				GoalMetric:            store.GoalMetric(goal),
				MinSampleSize:         minSample,
				ConfidenceLevel:       confidence,
				AutoEndOnSignificance: autoEnd,
			}
			if brand != "" {
				in.BrandID = &brand
			}
			for _, raw := range variations {
				in.Variations = append(in.Variations, parseVariation(raw))
			}

			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				test, err := e.service.CreateTest(ctx, in)
				if err != nil {
					return fmt.Errorf("failed to create test: %w", err)
				}

				printCreated(cmd.OutOrStdout(), test)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&variations, "variation", nil, `variation as "Name=content" or content (repeatable, at least 2)`)
	cmd.Flags().StringVar(&description, "description", "", "test description")
	cmd.Flags().StringVar(&testType, "type", "", "test type label, e.g. caption or hashtag")
	cmd.Flags().StringVar(&brand, "brand", "", "brand the test belongs to")
	addEngineFlags(cmd, &goal, &minSample, &confidence, &autoEnd)

	return cmd
}

// addEngineFlags registers the statistical settings shared by create commands.
// Zero values fall back to the engine defaults from config.
func addEngineFlags(cmd *cobra.Command, goal *string, minSample *int, confidence *float64, autoEnd *bool) {
	cmd.Flags().StringVar(goal, "goal", "", "goal metric: engagement_rate, click_rate or conversion_rate")
	cmd.Flags().IntVar(minSample, "min-sample", 0, "minimum impressions per variation before auto-end")
	cmd.Flags().Float64Var(confidence, "confidence", 0, "confidence level, e.g. 0.95")
	cmd.Flags().BoolVar(autoEnd, "auto-end", false, "complete the test automatically once significant")
}

func parseVariation(raw string) abtest.VariationInput {
	name, content, ok := strings.Cut(raw, "=")
	if !ok {
		return abtest.VariationInput{Content: strings.TrimSpace(raw)}
	}
	return abtest.VariationInput{
		Name:    strings.TrimSpace(name),
		Content: strings.TrimSpace(content),
	}
}

func printCreated(w io.Writer, test *store.Test) {
	fmt.Fprintf(w, "Created test '%s' (%s) with %d variations:\n", test.Name, test.ID, len(test.Variations))
	for _, v := range test.Variations {
		control := ""
		if v.IsControl {
			control = " [control]"
		}
		fmt.Fprintf(w, "  %s  %-16s %3d%%%s\n", v.ID, v.Name, v.TrafficPercent, control)
	}
	fmt.Fprintf(w, "Goal: %s, min sample: %d, confidence: %.0f%%, auto-end: %t\n",
		test.GoalMetric, test.MinSampleSize, test.ConfidenceLevel*100, test.AutoEndOnSignificance)
	fmt.Fprintf(w, "\nStart it with: post-goat start %s\n", test.ID)
}
