package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BZM2000/ai-toolkit/internal/engine"
	"github.com/BZM2000/ai-toolkit/internal/retry"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

const (
	// The grader runs the same manuscript through the model graderRuns
	// times and reports the interquartile mean, which needs at least
	// graderMinValidRuns scores to be meaningful.
	graderRuns           = 12
	graderMinValidRuns   = 8
	graderAttemptCap     = 2
	graderConcurrencyCap = 3
	graderRetryDelay     = 500 * time.Millisecond

	// Journal recommendation knobs: the main keyword weighs double, and at
	// most graderMaxRecommendations journals make the report.
	graderMaxRecommendations  = 12
	graderMainKeywordWeight   = 2
	graderPeriphKeywordWeight = 1
	graderKeywordExcerptBytes = 10000
)

// GraderPayload is the submission body for manuscript grading.
type GraderPayload struct {
	Manuscript FileRef `json:"manuscript" validate:"required"`
	Field      string  `json:"field" validate:"max=200"`
}

type graderModels struct {
	Grading string `json:"grading"`
	Keyword string `json:"keyword"`
}

// journalReference is one admin-curated venue the grader may recommend.
// TopicScores rate how central each configured topic is to the venue, 0-3.
type journalReference struct {
	Name          string         `json:"name"`
	ReferenceMark string         `json:"reference_mark"`
	LowBound      float64        `json:"low_bound"`
	TopicScores   map[string]int `json:"topic_scores"`
}

type graderPrompts struct {
	System   string             `json:"system"`
	User     string             `json:"user"`
	Keyword  string             `json:"keyword"`
	Topics   []string           `json:"topics"`
	Journals []journalReference `json:"journals"`
}

// keywordPlaceholder marks where the topic list lands in the keyword
// selection prompt.
const keywordPlaceholder = "{{KEYWORDS}}"

type graderRunner struct {
	deps Deps
}

// NewGrader builds the grader module: twelve independent grading runs, of
// which at least eight must yield a parseable score, plus one keyword
// selection pass feeding the journal recommendations.
func NewGrader(deps Deps) *engine.Module {
	return &engine.Module{
		Key:            KeyGrader,
		Label:          "Manuscript Grader",
		UnitLabel:      "manuscripts",
		AttemptCap:     graderAttemptCap,
		ConcurrencyCap: graderConcurrencyCap,
		RetryDelay:     retry.Fixed(graderRetryDelay),
		Threshold:      engine.AtLeastInRound(1, graderMinValidRuns),
		Runner:         &graderRunner{deps: deps},
	}
}

func (r *graderRunner) Plan(ctx context.Context, job *models.Job) (*engine.Plan, error) {
	var payload GraderPayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return nil, err
	}

	plan := &engine.Plan{
		Units:        1,
		StatusDetail: fmt.Sprintf("grading across %d runs", graderRuns),
	}
	for i := 0; i < graderRuns; i++ {
		plan.Items = append(plan.Items, engine.ItemSpec{
			Round: 1, Ordinal: i, Label: fmt.Sprintf("run %d", i+1),
		})
		plan.EstimatedTokens += estimateTokens(6000)
	}
	plan.Items = append(plan.Items, engine.ItemSpec{
		Round: 2, Ordinal: 0, Label: "keyword selection",
	})
	plan.EstimatedTokens += estimateTokens(4000)
	return plan, nil
}

var scorePattern = regexp.MustCompile(`(?mi)^\s*SCORE:\s*([0-9]+(?:\.[0-9]+)?)\s*$`)

// ParseScore extracts the "SCORE: <n>" line from a grading response. Scores
// outside [0, 100] are malformed.
func ParseScore(text string) (float64, error) {
	match := scorePattern.FindStringSubmatch(text)
	if match == nil {
		return 0, fmt.Errorf("no SCORE line in grading response")
	}
	score, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable score %q", match[1])
	}
	if score < 0 || score > 100 {
		return 0, fmt.Errorf("score %v out of range", score)
	}
	return score, nil
}

// InterquartileMean averages the middle half of the scores, discarding the
// bottom and top quartiles. Fewer than four scores average directly.
func InterquartileMean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)

	q := len(sorted) / 4
	trimmed := sorted[q : len(sorted)-q]

	var sum float64
	for _, s := range trimmed {
		sum += s
	}
	return sum / float64(len(trimmed))
}

func (r *graderRunner) RunItem(ctx context.Context, ic engine.ItemContext) (*engine.ItemResult, error) {
	var payload GraderPayload
	if err := decodePayload(ic.Job.Payload, &payload); err != nil {
		return nil, retry.Permanent(err)
	}

	var modelCfg graderModels
	var prompts graderPrompts
	if err := loadConfig(ctx, r.deps.Store, KeyGrader, &modelCfg, &prompts); err != nil {
		return nil, err
	}

	if ic.Item.Round == 2 {
		return r.runKeywordSelection(ctx, payload, modelCfg, prompts)
	}

	text, att, err := attachmentFor(r.deps.Storage, payload.Manuscript)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	userPrompt := prompts.User
	if payload.Field != "" {
		userPrompt += "\n\nField of study: " + payload.Field
	}
	if text != "" {
		userPrompt += "\n\n---\n\n" + text
	}

	req := models.LLMRequest{
		Model: modelCfg.Grading,
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

	// A response without a parseable score is retried like a failed call.
	score, err := ParseScore(resp.Text)
	if err != nil {
		return nil, err
	}

	return &engine.ItemResult{
		Output: strconv.FormatFloat(score, 'f', -1, 64),
		Detail: fmt.Sprintf("score %.1f", score),
		Tokens: resp.Usage.TotalTokens,
	}, nil
}

// keywordSelection is the model's topic classification of the manuscript.
type keywordSelection struct {
	Main       string   `json:"main_keyword"`
	Peripheral []string `json:"peripheral_keywords"`
}

// runKeywordSelection classifies the manuscript against the configured topic
// list. With no topics configured it completes as a no-op.
func (r *graderRunner) runKeywordSelection(ctx context.Context, payload GraderPayload, modelCfg graderModels, prompts graderPrompts) (*engine.ItemResult, error) {
	topics := make([]string, 0, len(prompts.Topics))
	for _, t := range prompts.Topics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return &engine.ItemResult{Detail: "no journal topics configured"}, nil
	}

	text, att, err := attachmentFor(r.deps.Storage, payload.Manuscript)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	system := strings.ReplaceAll(prompts.Keyword, keywordPlaceholder, strings.Join(topics, ", "))
	user := `Classify the manuscript against the topic list. Answer with JSON of the exact form {"main_keyword": string, "peripheral_keywords": [string]}.`
	if text != "" {
		excerpt := text
		if len(excerpt) > graderKeywordExcerptBytes {
			excerpt = excerpt[:graderKeywordExcerptBytes]
		}
		user += "\n\n---\n\n" + excerpt
	}

	req := models.LLMRequest{
		Model: modelCfg.Keyword,
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

	var sel keywordSelection
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &sel); err != nil {
		return nil, fmt.Errorf("invalid keyword JSON: %w", err)
	}
	normalizeKeywords(&sel)

	out, err := json.Marshal(sel)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	return &engine.ItemResult{
		Output: string(out),
		Detail: fmt.Sprintf("main keyword %q", sel.Main),
		Tokens: resp.Usage.TotalTokens,
	}, nil
}

// normalizeKeywords trims the selection and drops peripherals that repeat
// the main keyword or each other.
func normalizeKeywords(sel *keywordSelection) {
	sel.Main = strings.TrimSpace(sel.Main)
	kept := make([]string, 0, len(sel.Peripheral))
	for _, kw := range sel.Peripheral {
		kw = strings.TrimSpace(kw)
		if kw == "" || strings.EqualFold(kw, sel.Main) {
			continue
		}
		dup := false
		for _, existing := range kept {
			if strings.EqualFold(existing, kw) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, kw)
		}
	}
	sel.Peripheral = kept
}

// journalRecommendation is one venue whose admission bound the manuscript's
// score clears.
type journalRecommendation struct {
	Name              string
	ReferenceMark     string
	LowBound          float64
	AdjustedThreshold float64
	MatchScore        int
}

// adjustLowerBound discounts a journal's admission bound by how well its
// topics match the manuscript's keywords. Match scores under 3 disqualify
// the journal.
func adjustLowerBound(base float64, matchScore int) (float64, bool) {
	switch {
	case matchScore >= 6:
		return base * 0.90, true
	case matchScore >= 5:
		return base * 0.95, true
	case matchScore >= 4:
		return base * 1.00, true
	case matchScore >= 3:
		return base * 1.05, true
	default:
		return 0, false
	}
}

// buildRecommendations scores every configured journal against the keyword
// selection and keeps the highest-threshold venues the overall score clears.
func buildRecommendations(journals []journalReference, sel keywordSelection, overall float64) []journalRecommendation {
	weights := make(map[string]int)
	if main := strings.ToLower(strings.TrimSpace(sel.Main)); main != "" {
		weights[main] = graderMainKeywordWeight
	}
	for _, kw := range sel.Peripheral {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if _, taken := weights[k]; !taken {
			weights[k] = graderPeriphKeywordWeight
		}
	}

	var recs []journalRecommendation
	for _, j := range journals {
		match := 0
		for topic, score := range j.TopicScores {
			match += weights[strings.ToLower(topic)] * score
		}
		adjusted, ok := adjustLowerBound(j.LowBound, match)
		if !ok || overall < adjusted {
			continue
		}
		recs = append(recs, journalRecommendation{
			Name:              j.Name,
			ReferenceMark:     j.ReferenceMark,
			LowBound:          j.LowBound,
			AdjustedThreshold: adjusted,
			MatchScore:        match,
		})
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].AdjustedThreshold < recs[j].AdjustedThreshold
	})
	if len(recs) > graderMaxRecommendations {
		recs = recs[len(recs)-graderMaxRecommendations:]
	}
	return recs
}

func (r *graderRunner) Finalize(ctx context.Context, fc engine.FinalizeContext) (*engine.FinalizeResult, error) {
	var prompts graderPrompts
	if err := loadConfig(ctx, r.deps.Store, KeyGrader, nil, &prompts); err != nil {
		return nil, err
	}

	var scores []float64
	for _, out := range fc.Outputs[1] {
		if s, err := strconv.ParseFloat(out, 64); err == nil {
			scores = append(scores, s)
		}
	}

	mean := InterquartileMean(scores)

	var sel keywordSelection
	if raw := fc.Outputs[2][0]; raw != "" {
		// An unreadable selection just yields no recommendations.
		_ = json.Unmarshal([]byte(raw), &sel)
	}
	recs := buildRecommendations(prompts.Journals, sel, mean)

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Grading Report\n\n")
	fmt.Fprintf(&sb, "Final score (interquartile mean): **%.1f / 100**\n\n", mean)
	fmt.Fprintf(&sb, "Valid runs: %d of %d\n\n## Individual scores\n\n", len(scores), graderRuns)
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	for _, s := range sorted {
		fmt.Fprintf(&sb, "- %.1f\n", s)
	}

	if sel.Main != "" || len(sel.Peripheral) > 0 {
		fmt.Fprintf(&sb, "\n## Keywords\n\n")
		if sel.Main != "" {
			fmt.Fprintf(&sb, "Main: %s\n\n", sel.Main)
		}
		if len(sel.Peripheral) > 0 {
			fmt.Fprintf(&sb, "Peripheral: %s\n", strings.Join(sel.Peripheral, ", "))
		}
	}
	if len(recs) > 0 {
		fmt.Fprintf(&sb, "\n## Journal recommendations\n\n")
		for _, rec := range recs {
			mark := rec.ReferenceMark
			if mark == "" {
				mark = "—"
			}
			fmt.Fprintf(&sb, "- %s (%s): threshold %.2f, match %d\n",
				rec.Name, mark, rec.AdjustedThreshold, rec.MatchScore)
		}
	}

	rel, err := r.deps.Storage.WriteArtifact(fc.Job.ID, "grading_report.md", []byte(sb.String()))
	if err != nil {
		return nil, err
	}
	return &engine.FinalizeResult{
		OutputPath: rel,
		Detail:     fmt.Sprintf("score %.1f from %d valid runs", mean, len(scores)),
	}, nil
}
