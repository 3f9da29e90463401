package modules

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/BZM2000/ai-toolkit/internal/engine"
	"github.com/BZM2000/ai-toolkit/internal/retry"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

const (
	translatorAttemptCap     = 3
	translatorConcurrencyCap = 4
	translatorRetryStep      = 1500 * time.Millisecond

	// Chunk bounds: a chunk closes at 20 paragraphs or 700 equivalent
	// words, whichever comes first. CJK text has no spaces, so each CJK
	// rune counts as one equivalent word.
	chunkMaxParagraphs      = 20
	chunkMaxEquivalentWords = 700
)

// TranslatorPayload is the submission body for document translation.
type TranslatorPayload struct {
	Document   FileRef `json:"document" validate:"required"`
	SourceLang string  `json:"source_lang" validate:"required,max=50"`
	TargetLang string  `json:"target_lang" validate:"required,max=50"`
}

type translatorModels struct {
	Translation string `json:"translation"`
}

type translatorPrompts struct {
	System string `json:"system"`
}

type translatorRunner struct {
	deps Deps
}

// NewTranslator builds the translator module: the document is split into
// chunks translated concurrently; every chunk must succeed.
func NewTranslator(deps Deps) *engine.Module {
	return &engine.Module{
		Key:            KeyTranslator,
		Label:          "Document Translator",
		UnitLabel:      "manuscripts",
		AttemptCap:     translatorAttemptCap,
		ConcurrencyCap: translatorConcurrencyCap,
		RetryDelay:     retry.Linear(translatorRetryStep),
		Threshold:      engine.AllMustSucceed(),
		Runner:         &translatorRunner{deps: deps},
	}
}

// EquivalentWords measures text length for chunking: whitespace-separated
// words plus one per CJK rune.
func EquivalentWords(s string) int {
	words := len(strings.Fields(s))
	cjk := 0
	for _, r := range s {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		}
	}
	return words + cjk
}

// ChunkParagraphs splits text into translation chunks. Paragraphs are
// blank-line separated; a paragraph never splits across chunks, so a single
// paragraph above the word bound becomes its own oversized chunk.
func ChunkParagraphs(text string) []string {
	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []string
	var current []string
	currentWords := 0

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n\n"))
			current = nil
			currentWords = 0
		}
	}

	for _, p := range paragraphs {
		words := EquivalentWords(p)
		if len(current) > 0 &&
			(len(current) >= chunkMaxParagraphs || currentWords+words > chunkMaxEquivalentWords) {
			flush()
		}
		current = append(current, p)
		currentWords += words
	}
	flush()
	return chunks
}

func splitParagraphs(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	var out []string
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *translatorRunner) chunksFor(job *models.Job) (TranslatorPayload, []string, error) {
	var payload TranslatorPayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return payload, nil, err
	}
	text, att, err := attachmentFor(r.deps.Storage, payload.Document)
	if err != nil {
		return payload, nil, err
	}
	if att != nil {
		return payload, nil, fmt.Errorf("translation requires a text document, got %s", payload.Document.Filename)
	}
	chunks := ChunkParagraphs(text)
	if len(chunks) == 0 {
		return payload, nil, fmt.Errorf("document %s contains no translatable text", payload.Document.Filename)
	}
	return payload, chunks, nil
}

func (r *translatorRunner) Plan(ctx context.Context, job *models.Job) (*engine.Plan, error) {
	_, chunks, err := r.chunksFor(job)
	if err != nil {
		return nil, err
	}

	plan := &engine.Plan{
		Units:        1,
		StatusDetail: fmt.Sprintf("translating %d chunk(s)", len(chunks)),
	}
	for i, chunk := range chunks {
		plan.Items = append(plan.Items, engine.ItemSpec{
			Round: 1, Ordinal: i, Label: fmt.Sprintf("chunk %d", i+1),
		})
		plan.EstimatedTokens += estimateTokens(int64(len(chunk)) * 2)
	}
	return plan, nil
}

func (r *translatorRunner) RunItem(ctx context.Context, ic engine.ItemContext) (*engine.ItemResult, error) {
	payload, chunks, err := r.chunksFor(ic.Job)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if ic.Item.Ordinal >= len(chunks) {
		return nil, retry.Permanent(fmt.Errorf("chunk ordinal %d out of range", ic.Item.Ordinal))
	}

	var modelCfg translatorModels
	var prompts translatorPrompts
	if err := loadConfig(ctx, r.deps.Store, KeyTranslator, &modelCfg, &prompts); err != nil {
		return nil, err
	}

	system := strings.NewReplacer(
		"{source}", payload.SourceLang,
		"{target}", payload.TargetLang,
	).Replace(prompts.System)

	resp, err := r.deps.LLM.Execute(ctx, models.LLMRequest{
		Model: modelCfg.Translation,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: chunks[ic.Item.Ordinal]},
		},
	})
	if err != nil {
		return nil, err
	}

	return &engine.ItemResult{
		Output: resp.Text,
		Tokens: resp.Usage.TotalTokens,
	}, nil
}

func (r *translatorRunner) Finalize(ctx context.Context, fc engine.FinalizeContext) (*engine.FinalizeResult, error) {
	round := fc.Outputs[1]
	parts := make([]string, 0, len(round))
	for i := 0; i < len(round); i++ {
		parts = append(parts, round[i])
	}

	rel, err := r.deps.Storage.WriteArtifact(fc.Job.ID, "translation.md",
		[]byte(strings.Join(parts, "\n\n")))
	if err != nil {
		return nil, err
	}
	return &engine.FinalizeResult{
		OutputPath: rel,
		Detail:     fmt.Sprintf("translated %d chunk(s)", len(parts)),
	}, nil
}
