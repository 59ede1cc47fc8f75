package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newTrackCmd records a single event, the same way the /b beacon does.
func newTrackCmd(opts *rootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "track <test-id> <variation-id> <impression|engagement|click|conversion>",
		Short: "Record a tracking event",
		Long: `Record one tracking event against a variation. Events for tests that
are not running or paused are ignored.

Example:
  post-goat track 3f1c... 9a2b... engagement --kind like`,
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"impression", "engagement", "click", "conversion"},
		RunE: func(cmd *cobra.Command, args []string) error {
			testID, variationID, event := args[0], args[1], args[2]

			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				var err error
				switch event {
				case "impression":
					err = e.service.RecordImpression(ctx, testID, variationID)
				case "engagement":
					err = e.service.RecordEngagement(ctx, testID, variationID, kind)
				case "click":
					err = e.service.RecordClick(ctx, testID, variationID)
				case "conversion":
					err = e.service.RecordConversion(ctx, testID, variationID)
				default:
					return fmt.Errorf("invalid event type %q", event)
				}
				if err != nil {
					return fmt.Errorf("failed to record %s: %w", event, err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for variation %s\n", event, variationID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "engagement kind, e.g. like, comment, share")
	return cmd
}

func newAssignCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <test-id> <identifier>",
		Short: "Show which variation an identifier is served",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				a, err := e.service.GetVariationForUser(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("failed to assign variation: %w", err)
				}

				out := cmd.OutOrStdout()
				if a == nil {
					fmt.Fprintln(out, "No variation: test is unknown or not running.")
					return nil
				}
				fmt.Fprintf(out, "%s -> %s (%s)\n", args[1], a.VariationName, a.VariationID)
				if a.Content != "" {
					fmt.Fprintf(out, "Content: %s\n", a.Content)
				}
				return nil
			})
		},
	}
}
