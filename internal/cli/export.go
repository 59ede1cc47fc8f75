package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/headline-goat/post-goat/internal/abtest"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <test-id>",
		Short: "Export a test's results snapshot",
		Long: `Export per-variation counters, rates and significance in CSV or JSON format.

Examples:
  post-goat export 3f1c... --format csv > results.csv
  post-goat export 3f1c... --format json > results.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				details, err := e.service.GetTestDetails(ctx, opts.owner, args[0])
				if err != nil {
					return fmt.Errorf("failed to get test: %w", err)
				}

				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), details)
				}
				return exportJSON(cmd.OutOrStdout(), details)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	return cmd
}

var csvHeader = []string{
	"variation_id", "name", "is_control", "traffic_percent",
	"impressions", "engagements", "clicks", "conversions",
	"engagement_rate", "click_rate", "conversion_rate",
	"goal_value", "ci_lower", "ci_upper", "p_value", "significant",
}

func exportCSV(out io.Writer, d *abtest.TestDetails) error {
	w := csv.NewWriter(out)

	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, v := range d.Variations {
		pValue := ""
		if v.PValue != nil {
			pValue = formatFloat(*v.PValue)
		}

		row := []string{
			v.ID,
			v.Name,
			strconv.FormatBool(v.IsControl),
			strconv.Itoa(v.TrafficPercent),
			strconv.FormatInt(v.Impressions, 10),
			strconv.FormatInt(v.Engagements, 10),
			strconv.FormatInt(v.Clicks, 10),
			strconv.FormatInt(v.Conversions, 10),
			formatFloat(v.EngagementRate),
			formatFloat(v.ClickRate),
			formatFloat(v.ConversionRate),
			formatFloat(v.GoalValue),
			formatFloat(v.CILower),
			formatFloat(v.CIUpper),
			pValue,
			strconv.FormatBool(v.Significant),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

type jsonExport struct {
	TestID           string          `json:"test_id"`
	Name             string          `json:"name"`
	State            string          `json:"state"`
	GoalMetric       string          `json:"goal_metric"`
	ConfidenceLevel  float64         `json:"confidence_level"`
	TotalImpressions int64           `json:"total_impressions"`
	MinSampleReached bool            `json:"min_sample_reached"`
	IsSignificant    bool            `json:"is_significant"`
	PValue           *float64        `json:"p_value"`
	WinnerID         *string         `json:"winner_variation_id"`
	Variations       []jsonVariation `json:"variations"`
}

type jsonVariation struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	IsControl      bool     `json:"is_control"`
	TrafficPercent int      `json:"traffic_percent"`
	Impressions    int64    `json:"impressions"`
	Engagements    int64    `json:"engagements"`
	Clicks         int64    `json:"clicks"`
	Conversions    int64    `json:"conversions"`
	EngagementRate float64  `json:"engagement_rate"`
	ClickRate      float64  `json:"click_rate"`
	ConversionRate float64  `json:"conversion_rate"`
	GoalValue      float64  `json:"goal_value"`
	CILower        float64  `json:"ci_lower"`
	CIUpper        float64  `json:"ci_upper"`
	PValue         *float64 `json:"p_value"`
	Significant    bool     `json:"significant"`
}

func exportJSON(out io.Writer, d *abtest.TestDetails) error {
	export := jsonExport{
		TestID:           d.Test.ID,
		Name:             d.Test.Name,
		State:            string(d.Test.State),
		GoalMetric:       string(d.Test.GoalMetric),
		ConfidenceLevel:  d.Test.ConfidenceLevel,
		TotalImpressions: d.TotalImpressions,
		MinSampleReached: d.MinSampleReached,
		IsSignificant:    d.Significance.IsSignificant,
		PValue:           d.Significance.PValue,
		WinnerID:         d.Test.WinnerVariationID,
		Variations:       make([]jsonVariation, len(d.Variations)),
	}

	for i, v := range d.Variations {
		export.Variations[i] = jsonVariation{
			ID:             v.ID,
			Name:           v.Name,
			IsControl:      v.IsControl,
			TrafficPercent: v.TrafficPercent,
			Impressions:    v.Impressions,
			Engagements:    v.Engagements,
			Clicks:         v.Clicks,
			Conversions:    v.Conversions,
			EngagementRate: v.EngagementRate,
			ClickRate:      v.ClickRate,
			ConversionRate: v.ConversionRate,
			GoalValue:      v.GoalValue,
			CILower:        v.CILower,
			CIUpper:        v.CIUpper,
			PValue:         v.PValue,
			Significant:    v.Significant,
		}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
