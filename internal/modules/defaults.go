package modules

import (
	"context"
	"fmt"

	"github.com/BZM2000/ai-toolkit/internal/engine"
	"github.com/BZM2000/ai-toolkit/internal/store"
)

// All constructs every installed module against the shared deps.
func All(deps Deps) []*engine.Module {
	return []*engine.Module{
		NewSummarizer(deps),
		NewTranslator(deps),
		NewGrader(deps),
		NewExtractor(deps),
		NewReviewer(deps),
	}
}

type defaultConfig struct {
	models  string
	prompts string
}

// defaultConfigs seeds module_configs on first boot. Admins edit these rows
// afterwards; seeding never overwrites an existing row.
var defaultConfigs = map[string]defaultConfig{
	KeySummarizer: {
		models: `{
			"summary": "openrouter/google/gemini-2.5-flash",
			"translation": "openrouter/google/gemini-2.5-pro"
		}`,
		prompts: `{
			"system": "You are an expert academic editor. Summarize documents faithfully, preserving key findings, methods, and caveats.",
			"user": "Summarize the following document in structured markdown with sections for background, methods, findings, and limitations.",
			"translation": "You are a professional academic translator. Translate into Chinese, preserving citations, numbers, and markdown structure. Honor these glossary terms:\n{{GLOSSARY}}",
			"glossary": []
		}`,
	},
	KeyTranslator: {
		models: `{"translation": "openrouter/google/gemini-2.5-pro"}`,
		prompts: `{
			"system": "You are a professional translator. Translate the user's text from {source} to {target}. Preserve paragraph structure, technical terminology, and inline formatting. Output only the translation."
		}`,
	},
	KeyGrader: {
		models: `{
			"grading": "openrouter/anthropic/claude-sonnet-4",
			"keyword": "openrouter/google/gemini-2.5-flash"
		}`,
		prompts: `{
			"system": "You are a rigorous journal referee. Grade manuscripts on novelty, soundness, and clarity.",
			"user": "Grade the attached manuscript on a 0-100 scale. End your response with a line of the exact form 'SCORE: <number>'.",
			"keyword": "You classify academic manuscripts. Pick the single best-fitting main topic and up to five peripheral topics from this list: {{KEYWORDS}}",
			"topics": [],
			"journals": []
		}`,
	},
	KeyExtractor: {
		models: `{"extraction": "openrouter/google/gemini-2.5-flash"}`,
		prompts: `{
			"system": "You extract content from media files. For audio, produce a clean transcript. For documents and images, produce structured markdown of everything legible."
		}`,
	},
	KeyReviewer: {
		models: `{
			"review": "openrouter/google/gemini-2.5-pro",
			"meta": "openrouter/anthropic/claude-sonnet-4",
			"fact_check": "openrouter/anthropic/claude-sonnet-4"
		}`,
		prompts: `{
			"review_system": "You are a peer reviewer. Write a full review: summary, strengths, weaknesses, and a recommendation.",
			"meta_system": "You are an area chair synthesizing several independent reviews into a single balanced meta-review.",
			"fact_system": "You verify review claims against the manuscript itself. List each questionable claim with a correction."
		}`,
	},
}

// SeedConfigs inserts missing module config rows.
func SeedConfigs(ctx context.Context, st store.Store) error {
	for key, cfg := range defaultConfigs {
		if err := st.EnsureModuleConfig(ctx, key, []byte(cfg.models), []byte(cfg.prompts)); err != nil {
			return fmt.Errorf("seeding %s config: %w", key, err)
		}
	}
	return nil
}
