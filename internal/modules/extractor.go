package modules

import (
	"context"
	"time"

	"github.com/BZM2000/ai-toolkit/internal/engine"
	"github.com/BZM2000/ai-toolkit/internal/retry"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

const (
	extractorAttemptCap = 3
	extractorRetryStep  = 1500 * time.Millisecond
)

// ExtractorPayload is the submission body for media extraction: transcribe
// audio or pull structured information out of a PDF or image.
type ExtractorPayload struct {
	Media        FileRef `json:"media" validate:"required"`
	Instructions string  `json:"instructions" validate:"max=2000"`
}

type extractorModels struct {
	Extraction string `json:"extraction"`
}

type extractorPrompts struct {
	System string `json:"system"`
}

type extractorRunner struct {
	deps Deps
}

// NewExtractor builds the extractor module: a single item with no intra-job
// concurrency.
func NewExtractor(deps Deps) *engine.Module {
	return &engine.Module{
		Key:            KeyExtractor,
		Label:          "Media Extractor",
		UnitLabel:      "files",
		AttemptCap:     extractorAttemptCap,
		ConcurrencyCap: 1,
		RetryDelay:     retry.Linear(extractorRetryStep),
		Threshold:      engine.AllMustSucceed(),
		Runner:         &extractorRunner{deps: deps},
	}
}

func (r *extractorRunner) Plan(ctx context.Context, job *models.Job) (*engine.Plan, error) {
	var payload ExtractorPayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return nil, err
	}
	return &engine.Plan{
		Units:           1,
		EstimatedTokens: estimateTokens(10000),
		StatusDetail:    "extracting " + payload.Media.Filename,
		Items: []engine.ItemSpec{
			{Round: 1, Ordinal: 0, Label: payload.Media.Filename},
		},
	}, nil
}

func (r *extractorRunner) RunItem(ctx context.Context, ic engine.ItemContext) (*engine.ItemResult, error) {
	var payload ExtractorPayload
	if err := decodePayload(ic.Job.Payload, &payload); err != nil {
		return nil, retry.Permanent(err)
	}

	var modelCfg extractorModels
	var prompts extractorPrompts
	if err := loadConfig(ctx, r.deps.Store, KeyExtractor, &modelCfg, &prompts); err != nil {
		return nil, err
	}

	text, att, err := attachmentFor(r.deps.Storage, payload.Media)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	userPrompt := "Extract the content of the attached file."
	if payload.Instructions != "" {
		userPrompt = payload.Instructions
	}
	if text != "" {
		userPrompt += "\n\n---\n\n" + text
	}

	req := models.LLMRequest{
		Model: modelCfg.Extraction,
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

	rel, err := r.deps.Storage.WriteArtifact(ic.Job.ID, "extraction.md", []byte(resp.Text))
	if err != nil {
		return nil, retry.Permanent(err)
	}

	return &engine.ItemResult{
		Output:     resp.Text,
		OutputPath: rel,
		Tokens:     resp.Usage.TotalTokens,
	}, nil
}

func (r *extractorRunner) Finalize(ctx context.Context, fc engine.FinalizeContext) (*engine.FinalizeResult, error) {
	var payload ExtractorPayload
	if err := decodePayload(fc.Job.Payload, &payload); err != nil {
		return nil, err
	}
	result := &engine.FinalizeResult{Detail: "extracted " + payload.Media.Filename}
	if len(fc.Items) > 0 && fc.Items[0].OutputPath != nil {
		result.OutputPath = *fc.Items[0].OutputPath
	}
	return result, nil
}
