package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/headline-goat/post-goat/internal/store"
)

type transitionFunc func(ctx context.Context, e *env, ownerID, testID string) (*store.Test, error)

// newTransitionCmd builds the start/pause/resume/cancel commands, which only
// differ in the service call and the message printed.
func newTransitionCmd(opts *rootOptions, use, short, done string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <test-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				test, err := fn(ctx, e, opts.owner, args[0])
				if err != nil {
					return fmt.Errorf("failed to %s test: %w", use, err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Test '%s' %s (state: %s)\n", test.Name, done, test.State)
				return nil
			})
		},
	}
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	return newTransitionCmd(opts, "start", "Start a draft test", "started",
		func(ctx context.Context, e *env, ownerID, testID string) (*store.Test, error) {
			return e.service.Start(ctx, ownerID, testID)
		})
}

func newPauseCmd(opts *rootOptions) *cobra.Command {
	return newTransitionCmd(opts, "pause", "Pause a running test", "paused",
		func(ctx context.Context, e *env, ownerID, testID string) (*store.Test, error) {
			return e.service.Pause(ctx, ownerID, testID)
		})
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return newTransitionCmd(opts, "resume", "Resume a paused test", "resumed",
		func(ctx context.Context, e *env, ownerID, testID string) (*store.Test, error) {
			return e.service.Resume(ctx, ownerID, testID)
		})
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return newTransitionCmd(opts, "cancel", "Cancel a test without declaring a winner", "cancelled",
		func(ctx context.Context, e *env, ownerID, testID string) (*store.Test, error) {
			return e.service.Cancel(ctx, ownerID, testID)
		})
}

func newEndCmd(opts *rootOptions) *cobra.Command {
	var winner string

	cmd := &cobra.Command{
		Use:   "end <test-id>",
		Short: "Complete a test and declare a winner",
		Long: `Complete a running or paused test.

Without --winner the variation leading on the test's goal metric wins.

Example:
  post-goat end 3f1c... --winner 9a2b...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var winnerID *string
			if winner != "" {
				winnerID = &winner
			}

			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				test, err := e.service.End(ctx, opts.owner, args[0], winnerID)
				if err != nil {
					return fmt.Errorf("failed to end test: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Test '%s' completed.\n", test.Name)
				if test.WinnerVariationID != nil {
					if v := test.Variation(*test.WinnerVariationID); v != nil {
						fmt.Fprintf(out, "Winner: %s (%s)\n", v.Name, v.ID)
					}
				}
				fmt.Fprintf(out, "Significant: %t, p-value: %s\n", test.IsSignificant, formatPValue(test.PValue))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&winner, "winner", "w", "", "winning variation id (default: leader on the goal metric)")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <test-id>",
		Short: "Delete a test and all its variations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				prompt := promptui.Prompt{
					Label:     fmt.Sprintf("Delete test %s and all its data", args[0]),
					IsConfirm: true,
				}
				if _, err := prompt.Run(); err != nil {
					if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
						fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
						return nil
					}
					return err
				}
			}

			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				if err := e.service.Delete(ctx, opts.owner, args[0]); err != nil {
					return fmt.Errorf("failed to delete test: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Deleted test %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newSplitCmd(opts *rootOptions) *cobra.Command {
	var assignments []string

	cmd := &cobra.Command{
		Use:   "split <test-id>",
		Short: "Change the traffic split of a test",
		Long: `Change traffic percentages of one or more variations. Variations not
named keep their current share; the result must sum to 100.

Example:
  post-goat split 3f1c... --set 9a2b...=70 --set 7c4d...=30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			split, err := parseSplit(assignments)
			if err != nil {
				return err
			}

			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				test, err := e.service.UpdateTrafficSplit(ctx, opts.owner, args[0], split)
				if err != nil {
					return fmt.Errorf("failed to update traffic split: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Traffic split for '%s':\n", test.Name)
				for _, v := range test.Variations {
					fmt.Fprintf(out, "  %-16s %3d%%\n", v.Name, v.TrafficPercent)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&assignments, "set", nil, "variation-id=percent (repeatable)")
	cmd.MarkFlagRequired("set")
	return cmd
}

func parseSplit(assignments []string) (map[string]int, error) {
	split := make(map[string]int, len(assignments))
	for _, a := range assignments {
		id, raw, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("invalid --set %q: want variation-id=percent", a)
		}
		pct, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%")))
		if err != nil {
			return nil, fmt.Errorf("invalid percent in --set %q", a)
		}
		split[strings.TrimSpace(id)] = pct
	}
	return split, nil
}

func newAutoEndCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "autoend <test-id> <on|off>",
		Short:     "Toggle automatic completion on significance",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[1] {
			case "on", "true":
				enabled = true
			case "off", "false":
			default:
				return fmt.Errorf("invalid value %q: want on or off", args[1])
			}

			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				test, err := e.service.SetAutoEnd(ctx, opts.owner, args[0], enabled)
				if err != nil {
					return fmt.Errorf("failed to set auto-end: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Auto-end for '%s': %t\n", test.Name, test.AutoEndOnSignificance)
				return nil
			})
		},
	}
}
