package modules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BZM2000/ai-toolkit/internal/engine"
	"github.com/BZM2000/ai-toolkit/internal/retry"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

const (
	summarizerAttemptCap     = 3
	summarizerConcurrencyCap = 5
	summarizerRetryStep      = 1500 * time.Millisecond
)

// SummarizerPayload is the submission body for document summarization. The
// files are uploaded first; Paths point into the storage root. Translate adds
// a second round that renders each summary into Chinese using the configured
// glossary.
type SummarizerPayload struct {
	Documents    []FileRef `json:"documents" validate:"required,min=1,max=10,dive"`
	Instructions string    `json:"instructions" validate:"max=2000"`
	Translate    bool      `json:"translate"`
}

type summarizerModels struct {
	Summary     string `json:"summary"`
	Translation string `json:"translation"`
}

// glossaryTerm is one admin-curated EN -> CN term pair enforced during
// summary translation.
type glossaryTerm struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type summarizerPrompts struct {
	System      string         `json:"system"`
	User        string         `json:"user"`
	Translation string         `json:"translation"`
	Glossary    []glossaryTerm `json:"glossary"`
}

// glossaryPlaceholder marks where the term list lands in the translation
// prompt. Prompts without the marker get the list appended.
const glossaryPlaceholder = "{{GLOSSARY}}"

type summarizerRunner struct {
	deps Deps
}

// NewSummarizer builds the summarizer module: one item per document in round
// one, plus one translation item per document in round two when requested.
// Every item must succeed for the job to complete.
func NewSummarizer(deps Deps) *engine.Module {
	return &engine.Module{
		Key:            KeySummarizer,
		Label:          "Document Summarizer",
		UnitLabel:      "documents",
		AttemptCap:     summarizerAttemptCap,
		ConcurrencyCap: summarizerConcurrencyCap,
		RetryDelay:     retry.Linear(summarizerRetryStep),
		Threshold:      engine.AllMustSucceed(),
		Runner:         &summarizerRunner{deps: deps},
	}
}

func (r *summarizerRunner) Plan(ctx context.Context, job *models.Job) (*engine.Plan, error) {
	var payload SummarizerPayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return nil, err
	}

	plan := &engine.Plan{
		Units:        int64(len(payload.Documents)),
		StatusDetail: fmt.Sprintf("summarizing %d document(s)", len(payload.Documents)),
	}
	for i := range payload.Documents {
		plan.Items = append(plan.Items, engine.ItemSpec{
			Round: 1, Ordinal: i, Label: payload.Documents[i].Filename,
		})
		plan.EstimatedTokens += estimateTokens(8000)
	}
	if payload.Translate {
		for i := range payload.Documents {
			plan.Items = append(plan.Items, engine.ItemSpec{
				Round: 2, Ordinal: i,
				Label: payload.Documents[i].Filename + " (translation)",
			})
			plan.EstimatedTokens += estimateTokens(4000)
		}
	}
	return plan, nil
}

func (r *summarizerRunner) RunItem(ctx context.Context, ic engine.ItemContext) (*engine.ItemResult, error) {
	var payload SummarizerPayload
	if err := decodePayload(ic.Job.Payload, &payload); err != nil {
		return nil, retry.Permanent(err)
	}
	if ic.Item.Ordinal >= len(payload.Documents) {
		return nil, retry.Permanent(fmt.Errorf("item ordinal %d out of range", ic.Item.Ordinal))
	}

	var modelCfg summarizerModels
	var prompts summarizerPrompts
	if err := loadConfig(ctx, r.deps.Store, KeySummarizer, &modelCfg, &prompts); err != nil {
		return nil, err
	}

	if ic.Item.Round == 2 {
		return r.runTranslation(ctx, ic, modelCfg, prompts)
	}
	return r.runSummary(ctx, ic, payload, modelCfg, prompts)
}

func (r *summarizerRunner) runSummary(ctx context.Context, ic engine.ItemContext, payload SummarizerPayload, modelCfg summarizerModels, prompts summarizerPrompts) (*engine.ItemResult, error) {
	doc := payload.Documents[ic.Item.Ordinal]

	text, att, err := attachmentFor(r.deps.Storage, doc)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	userPrompt := prompts.User
	if payload.Instructions != "" {
		userPrompt += "\n\nAdditional instructions: " + payload.Instructions
	}
	if text != "" {
		userPrompt += "\n\n---\n\n" + text
	}

	req := models.LLMRequest{
		Model: modelCfg.Summary,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: prompts.System},
			{Role: models.RoleUser, Content: userPrompt},
		},
	}
	if att != nil {
		req.Attachments = []models.Attachment{*att}
	}

	resp, err := r.deps.LLM.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	rel, err := r.deps.Storage.WriteArtifact(ic.Job.ID,
		fmt.Sprintf("summary_%d.md", ic.Item.Ordinal), []byte(resp.Text))
	if err != nil {
		return nil, retry.Permanent(err)
	}

	return &engine.ItemResult{
		Output:     resp.Text,
		OutputPath: rel,
		Tokens:     resp.Usage.TotalTokens,
	}, nil
}

// runTranslation renders one round-one summary into Chinese, holding the
// configured glossary terms.
func (r *summarizerRunner) runTranslation(ctx context.Context, ic engine.ItemContext, modelCfg summarizerModels, prompts summarizerPrompts) (*engine.ItemResult, error) {
	summary := ic.Prior[1][ic.Item.Ordinal]
	if summary == "" {
		return nil, retry.Permanent(fmt.Errorf("no summary produced for ordinal %d", ic.Item.Ordinal))
	}

	req := models.LLMRequest{
		Model: modelCfg.Translation,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: buildTranslationPrompt(prompts)},
			{Role: models.RoleUser, Content: "Translate the following text to Chinese while adhering to the glossary:\n\n" + summary},
		},
	}

	resp, err := r.deps.LLM.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	rel, err := r.deps.Storage.WriteArtifact(ic.Job.ID,
		fmt.Sprintf("translation_%d.md", ic.Item.Ordinal), []byte(resp.Text))
	if err != nil {
		return nil, retry.Permanent(err)
	}

	return &engine.ItemResult{
		Output:     resp.Text,
		OutputPath: rel,
		Tokens:     resp.Usage.TotalTokens,
	}, nil
}

// buildTranslationPrompt substitutes the glossary term list into the
// translation system prompt.
func buildTranslationPrompt(prompts summarizerPrompts) string {
	lines := make([]string, 0, len(prompts.Glossary))
	for _, term := range prompts.Glossary {
		src, dst := strings.TrimSpace(term.Source), strings.TrimSpace(term.Target)
		if src == "" || dst == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- EN: %s -> CN: %s", src, dst))
	}
	block := strings.Join(lines, "\n")
	if block == "" {
		block = "- (no glossary terms configured)"
	}

	if strings.Contains(prompts.Translation, glossaryPlaceholder) {
		return strings.ReplaceAll(prompts.Translation, glossaryPlaceholder, block)
	}
	return strings.TrimRight(prompts.Translation, " \n") + "\n" + block
}

func (r *summarizerRunner) Finalize(ctx context.Context, fc engine.FinalizeContext) (*engine.FinalizeResult, error) {
	var payload SummarizerPayload
	if err := decodePayload(fc.Job.Payload, &payload); err != nil {
		return nil, err
	}

	var sb strings.Builder
	for i, doc := range payload.Documents {
		if i > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&sb, "# %s\n\n", doc.Filename)
		sb.WriteString(fc.Outputs[1][i])
		if payload.Translate {
			fmt.Fprintf(&sb, "\n\n## 中文译文\n\n")
			sb.WriteString(fc.Outputs[2][i])
		}
	}

	rel, err := r.deps.Storage.WriteArtifact(fc.Job.ID, "summaries.md", []byte(sb.String()))
	if err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("summarized %d document(s)", len(payload.Documents))
	if payload.Translate {
		detail = fmt.Sprintf("summarized and translated %d document(s)", len(payload.Documents))
	}
	return &engine.FinalizeResult{
		OutputPath: rel,
		Detail:     detail,
	}, nil
}
