package abtest

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/headline-goat/post-goat/internal/store"
)

type Template struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	TestType    string              `json:"test_type"`
	Variations  []TemplateVariation `json:"variations"`
}

// TemplateVariation pairs a variation name with the instruction handed to
// content generation for that arm.
type TemplateVariation struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
}

var templates = []Template{
	{
		ID:          "caption_length",
		Name:        "Caption Length",
		Description: "Short punchy captions against longer storytelling captions",
		TestType:    "caption",
		Variations: []TemplateVariation{
			{Name: "Short", Instruction: "Rewrite as a single punchy sentence under 100 characters."},
			{Name: "Long", Instruction: "Rewrite as a 3-4 sentence story that builds to the key message."},
		},
	},
	{
		ID:          "caption_tone",
		Name:        "Caption Tone",
		Description: "Professional, casual and playful tones for the same message",
		TestType:    "caption",
		Variations: []TemplateVariation{
			{Name: "Professional", Instruction: "Rewrite in a confident, professional tone."},
			{Name: "Casual", Instruction: "Rewrite in a friendly, conversational tone."},
			{Name: "Playful", Instruction: "Rewrite in a playful tone with light humour."},
		},
	},
	{
		ID:          "hashtag_count",
		Name:        "Hashtag Volume",
		Description: "Few targeted hashtags against a broad hashtag set",
		TestType:    "hashtag",
		Variations: []TemplateVariation{
			{Name: "Few Hashtags", Instruction: "Append 2-3 highly relevant hashtags."},
			{Name: "Many Hashtags", Instruction: "Append 10-15 hashtags mixing niche and popular tags."},
		},
	},
	{
		ID:          "cta_style",
		Name:        "Call To Action",
		Description: "Direct call to action against a question-led prompt",
		TestType:    "cta",
		Variations: []TemplateVariation{
			{Name: "Direct CTA", Instruction: "End with a direct call to action such as 'Shop now' or 'Sign up today'."},
			{Name: "Question CTA", Instruction: "End with a question that invites replies."},
		},
	},
	{
		ID:          "emoji_usage",
		Name:        "Emoji Usage",
		Description: "Plain text against emoji-rich copy",
		TestType:    "caption",
		Variations: []TemplateVariation{
			{Name: "No Emoji", Instruction: "Do not use any emoji."},
			{Name: "Emoji Rich", Instruction: "Use 3-5 emoji that reinforce the message."},
		},
	},
	{
		ID:          "posting_time",
		Name:        "Posting Time",
		Description: "Morning, midday and evening publishing slots for identical content",
		TestType:    "posting_time",
		Variations: []TemplateVariation{
			{Name: "Morning", Instruction: "Schedule between 07:00 and 09:00 local time."},
			{Name: "Midday", Instruction: "Schedule between 11:30 and 13:30 local time."},
			{Name: "Evening", Instruction: "Schedule between 18:00 and 21:00 local time."},
		},
	},
}

// ListTemplates returns the built-in template catalog.
func (s *Service) ListTemplates() []Template {
	return Templates()
}

// Templates returns a copy of the built-in template catalog.
func Templates() []Template {
	out := make([]Template, len(templates))
	for i, t := range templates {
		t.Variations = append([]TemplateVariation(nil), t.Variations...)
		out[i] = t
	}
	return out
}

func templateByID(id string) (Template, bool) {
	for _, t := range templates {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

type CreateFromTemplateInput struct {
	OwnerID     string
	TemplateID  string
	Name        string
	BrandID     *string
	BaseContent string
	// GoalMetric, MinSampleSize and ConfidenceLevel fall back to the engine
	// defaults when zero.
	GoalMetric            store.GoalMetric
	MinSampleSize         int
	ConfidenceLevel       float64
	AutoEndOnSignificance bool
}

// CreateFromTemplate builds one variation per template arm, pairing the base
// content with the arm's instruction, and creates the test.
func (s *Service) CreateFromTemplate(ctx context.Context, in CreateFromTemplateInput) (*store.Test, error) {
	tpl, ok := templateByID(in.TemplateID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTemplate, "%q", in.TemplateID)
	}

	variations := make([]VariationInput, len(tpl.Variations))
	for i, tv := range tpl.Variations {
		variations[i] = VariationInput{
			Name:    tv.Name,
			Content: in.BaseContent,
			ContentData: map[string]any{
				"template_id":  tpl.ID,
				"instruction":  tv.Instruction,
				"base_content": in.BaseContent,
			},
		}
	}

	return s.CreateTest(ctx, CreateTestInput{
		OwnerID:               in.OwnerID,
		BrandID:               in.BrandID,
		Name:                  in.Name,
		Description:           tpl.Description,
		TestType:              tpl.TestType,
		Variations:            variations,
		GoalMetric:            in.GoalMetric,
		MinSampleSize:         in.MinSampleSize,
		ConfidenceLevel:       in.ConfidenceLevel,
		AutoEndOnSignificance: in.AutoEndOnSignificance,
	})
}
