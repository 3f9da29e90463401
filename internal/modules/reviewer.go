package modules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BZM2000/ai-toolkit/internal/engine"
	"github.com/BZM2000/ai-toolkit/internal/retry"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

const (
	// Round 1 runs reviewerSlots independent reviews; at least
	// reviewerMinRound1 of them must land for the meta-review to proceed.
	// Round 2 synthesizes them, round 3 fact-checks the synthesis.
	reviewerSlots       = 8
	reviewerMinRound1   = 4
	reviewerAttemptCap  = 3
	reviewerRetryDelay  = 1500 * time.Millisecond
	reviewerMetaRound   = 2
	reviewerFactRound   = 3
)

// ReviewerPayload is the submission body for manuscript review.
type ReviewerPayload struct {
	Manuscript FileRef `json:"manuscript" validate:"required"`
	Venue      string  `json:"venue" validate:"max=200"`
}

type reviewerModels struct {
	Review    string `json:"review"`
	Meta      string `json:"meta"`
	FactCheck string `json:"fact_check"`
}

type reviewerPrompts struct {
	ReviewSystem string `json:"review_system"`
	MetaSystem   string `json:"meta_system"`
	FactSystem   string `json:"fact_system"`
}

type reviewerRunner struct {
	deps Deps
}

// NewReviewer builds the reviewer module. Round 1 tolerates slot failures
// down to the gate minimum; the meta and fact-check rounds must succeed.
func NewReviewer(deps Deps) *engine.Module {
	return &engine.Module{
		Key:            KeyReviewer,
		Label:          "Manuscript Reviewer",
		UnitLabel:      "manuscripts",
		AttemptCap:     reviewerAttemptCap,
		ConcurrencyCap: reviewerSlots,
		RetryDelay:     retry.Fixed(reviewerRetryDelay),
		Threshold:      engine.AllInRounds(reviewerMetaRound, reviewerFactRound),
		RoundGate:      engine.MinSuccessesInRound(1, reviewerMinRound1),
		Runner:         &reviewerRunner{deps: deps},
	}
}

func (r *reviewerRunner) Plan(ctx context.Context, job *models.Job) (*engine.Plan, error) {
	var payload ReviewerPayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return nil, err
	}

	plan := &engine.Plan{
		Units:        1,
		StatusDetail: fmt.Sprintf("running %d independent reviews", reviewerSlots),
	}
	for i := 0; i < reviewerSlots; i++ {
		plan.Items = append(plan.Items, engine.ItemSpec{
			Round: 1, Ordinal: i, Label: fmt.Sprintf("review %d", i+1),
		})
		plan.EstimatedTokens += estimateTokens(8000)
	}
	plan.Items = append(plan.Items,
		engine.ItemSpec{Round: reviewerMetaRound, Ordinal: 0, Label: "meta-review"},
		engine.ItemSpec{Round: reviewerFactRound, Ordinal: 0, Label: "fact-check"},
	)
	plan.EstimatedTokens += 2 * estimateTokens(8000)
	return plan, nil
}

// collectRound joins a round's outputs in ordinal order, labeling each one.
func collectRound(outputs map[int]string, label string) string {
	ordinals := make([]int, 0, len(outputs))
	for o := range outputs {
		ordinals = append(ordinals, o)
	}
	sort.Ints(ordinals)

	var sb strings.Builder
	for _, o := range ordinals {
		fmt.Fprintf(&sb, "## %s %d\n\n%s\n\n", label, o+1, outputs[o])
	}
	return sb.String()
}

func (r *reviewerRunner) RunItem(ctx context.Context, ic engine.ItemContext) (*engine.ItemResult, error) {
	var payload ReviewerPayload
	if err := decodePayload(ic.Job.Payload, &payload); err != nil {
		return nil, retry.Permanent(err)
	}

	var modelCfg reviewerModels
	var prompts reviewerPrompts
	if err := loadConfig(ctx, r.deps.Store, KeyReviewer, &modelCfg, &prompts); err != nil {
		return nil, err
	}

	text, att, err := attachmentFor(r.deps.Storage, payload.Manuscript)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	var model, system, user string
	switch ic.Item.Round {
	case 1:
		model = modelCfg.Review
		system = prompts.ReviewSystem
		user = fmt.Sprintf("You are reviewer %d of %d. Review the attached manuscript independently.",
			ic.Item.Ordinal+1, reviewerSlots)
	case reviewerMetaRound:
		model = modelCfg.Meta
		system = prompts.MetaSystem
		user = "Synthesize the following independent reviews into one coherent meta-review.\n\n" +
			collectRound(ic.Prior[1], "Review")
	case reviewerFactRound:
		model = modelCfg.FactCheck
		system = prompts.FactSystem
		user = "Check the following meta-review against the attached manuscript and flag any claims it gets wrong.\n\n" +
			ic.Prior[reviewerMetaRound][0]
	default:
		return nil, retry.Permanent(fmt.Errorf("unexpected round %d", ic.Item.Round))
	}

	if payload.Venue != "" {
		user += "\n\nTarget venue: " + payload.Venue
	}
	if text != "" {
		user += "\n\n---\n\n" + text
	}

	req := models.LLMRequest{
		Model: model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: user},
		},
	}
	if att != nil {
		req.Attachments = []models.Attachment{*att}
	}

	resp, err := r.deps.LLM.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	return &engine.ItemResult{
		Output: resp.Text,
		Tokens: resp.Usage.TotalTokens,
	}, nil
}

func (r *reviewerRunner) Finalize(ctx context.Context, fc engine.FinalizeContext) (*engine.FinalizeResult, error) {
	var sb strings.Builder
	sb.WriteString("# Review Report\n\n## Meta-Review\n\n")
	sb.WriteString(fc.Outputs[reviewerMetaRound][0])
	sb.WriteString("\n\n## Fact-Check Notes\n\n")
	sb.WriteString(fc.Outputs[reviewerFactRound][0])
	sb.WriteString("\n\n# Individual Reviews\n\n")
	sb.WriteString(collectRound(fc.Outputs[1], "Review"))

	rel, err := r.deps.Storage.WriteArtifact(fc.Job.ID, "review_report.md", []byte(sb.String()))
	if err != nil {
		return nil, err
	}

	succeeded := 0
	for _, it := range fc.Items {
		if it.Round == 1 && it.Status == models.JobStatusCompleted {
			succeeded++
		}
	}
	return &engine.FinalizeResult{
		OutputPath: rel,
		Detail:     fmt.Sprintf("meta-review from %d of %d reviews", succeeded, reviewerSlots),
	}, nil
}
