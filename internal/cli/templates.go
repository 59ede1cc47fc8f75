package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/headline-goat/post-goat/internal/abtest"
	"github.com/headline-goat/post-goat/internal/store"
)

func newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the built-in test templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tVARIATIONS\tDESCRIPTION")
			for _, t := range abtest.Templates() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Name, t.TestType, len(t.Variations), t.Description)
			}
			return w.Flush()
		},
	}
}

func newCreateFromTemplateCmd(opts *rootOptions) *cobra.Command {
	var (
		templateID string
		content    string
		brand      string
		goal       string
		minSample  int
		confidence float64
		autoEnd    bool
	)

	cmd := &cobra.Command{
		Use:   "create-from-template <name>",
		Short: "Create a test from a built-in template",
		Long: `Create a draft test with one variation per template arm. Every
variation starts from --content and carries the arm's rewrite instruction.

Without --template an interactive picker is shown.

Example:
  post-goat create-from-template spring-drop --template caption_tone --content "Spring collection is here"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if templateID == "" {
				picked, err := promptTemplate(abtest.Templates())
				if err != nil {
					return err
				}
				templateID = picked
			}

			in := abtest.CreateFromTemplateInput{
				OwnerID:               opts.owner,
				TemplateID:            templateID,
				Name:                  args[0],
				BaseContent:           content,
				GoalMetric:            store.GoalMetric(goal),
				MinSampleSize:         minSample,
				ConfidenceLevel:       confidence,
				AutoEndOnSignificance: autoEnd,
			}
			if brand != "" {
				in.BrandID = &brand
			}

			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				test, err := e.service.CreateFromTemplate(ctx, in)
				if err != nil {
					return fmt.Errorf("failed to create test: %w", err)
				}

				printCreated(cmd.OutOrStdout(), test)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&templateID, "template", "t", "", "template id (see 'post-goat templates')")
	cmd.Flags().StringVar(&content, "content", "", "base content every variation starts from")
	cmd.Flags().StringVar(&brand, "brand", "", "brand the test belongs to")
	addEngineFlags(cmd, &goal, &minSample, &confidence, &autoEnd)

	return cmd
}

func promptTemplate(templates []abtest.Template) (string, error) {
	prompt := promptui.Select{
		Label: "Template",
		Items: templates,
		Size:  len(templates),
		Templates: &promptui.SelectTemplates{
			Active:   "▸ {{ .Name | cyan }} ({{ .ID }})",
			Inactive: "  {{ .Name }} ({{ .ID }})",
			Selected: "Template: {{ .Name }}",
			Details:  "{{ .Description }}",
		},
	}

	idx, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return "", fmt.Errorf("cancelled")
		}
		return "", err
	}
	return templates[idx].ID, nil
}
