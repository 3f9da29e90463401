package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BZM2000/ai-toolkit/internal/engine"
	"github.com/BZM2000/ai-toolkit/internal/store/storetest"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

func TestAllModulesRegister(t *testing.T) {
	deps := Deps{Store: storetest.New()}
	registry, err := engine.NewRegistry(All(deps)...)
	require.NoError(t, err)

	assert.Equal(t, []string{
		KeyExtractor, KeyGrader, KeyReviewer, KeySummarizer, KeyTranslator,
	}, registry.Keys())
}

func TestSeedConfigsIdempotent(t *testing.T) {
	fs := storetest.New()
	ctx := context.Background()

	require.NoError(t, SeedConfigs(ctx, fs))

	cfg, err := fs.GetModuleConfig(ctx, KeyGrader)
	require.NoError(t, err)
	before := string(cfg.Models)

	// Seeding again never overwrites.
	require.NoError(t, SeedConfigs(ctx, fs))
	cfg, err = fs.GetModuleConfig(ctx, KeyGrader)
	require.NoError(t, err)
	assert.Equal(t, before, string(cfg.Models))
}

func TestSummarizerPlanWithTranslation(t *testing.T) {
	r := &summarizerRunner{}
	payload := `{"documents":[{"filename":"a.txt","path":"jobs/x/a.txt"},{"filename":"b.txt","path":"jobs/x/b.txt"}],"translate":true}`

	plan, err := r.Plan(context.Background(), &models.Job{Payload: json.RawMessage(payload)})
	require.NoError(t, err)

	require.Len(t, plan.Items, 4)
	assert.Equal(t, 1, plan.Items[0].Round)
	assert.Equal(t, 1, plan.Items[1].Round)
	assert.Equal(t, 2, plan.Items[2].Round)
	assert.Equal(t, "a.txt (translation)", plan.Items[2].Label)
	assert.Equal(t, int64(2), plan.Units)
}

func TestSummarizerPlanWithoutTranslation(t *testing.T) {
	r := &summarizerRunner{}
	payload := `{"documents":[{"filename":"a.txt","path":"jobs/x/a.txt"}]}`

	plan, err := r.Plan(context.Background(), &models.Job{Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, 1, plan.Items[0].Round)
}

func TestBuildTranslationPrompt(t *testing.T) {
	prompts := summarizerPrompts{
		Translation: "Use glossary terms:\n{{GLOSSARY}}\nPreserve citations.",
		Glossary: []glossaryTerm{
			{Source: "machine learning", Target: "机器学习"},
			{Source: "  ", Target: "dropped"},
		},
	}
	got := buildTranslationPrompt(prompts)
	assert.Contains(t, got, "- EN: machine learning -> CN: 机器学习")
	assert.NotContains(t, got, "{{GLOSSARY}}")
	assert.NotContains(t, got, "dropped")

	// Without the placeholder the term list is appended.
	got = buildTranslationPrompt(summarizerPrompts{Translation: "Translate faithfully."})
	assert.Equal(t, "Translate faithfully.\n- (no glossary terms configured)", got)
}

func TestEquivalentWords(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"latin words", "one two three", 3},
		{"empty", "", 0},
		{"cjk runes count individually", "机器学习", 5},
		{"mixed", "deep learning 深度学习", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EquivalentWords(tt.text))
		})
	}
}

func TestChunkParagraphsByCount(t *testing.T) {
	var paras []string
	for i := 0; i < 45; i++ {
		paras = append(paras, fmt.Sprintf("Paragraph %d.", i))
	}
	chunks := ChunkParagraphs(strings.Join(paras, "\n\n"))

	// 45 short paragraphs split at the 20-paragraph bound: 20 + 20 + 5.
	require.Len(t, chunks, 3)
	assert.Equal(t, 20, len(strings.Split(chunks[0], "\n\n")))
	assert.Equal(t, 20, len(strings.Split(chunks[1], "\n\n")))
	assert.Equal(t, 5, len(strings.Split(chunks[2], "\n\n")))
}

func TestChunkParagraphsByWords(t *testing.T) {
	big := strings.Repeat("word ", 400)
	text := big + "\n\n" + big + "\n\n" + big

	chunks := ChunkParagraphs(text)
	// 400 words per paragraph: no two fit under the 700-word bound.
	assert.Len(t, chunks, 3)
}

func TestChunkParagraphsOversizedParagraph(t *testing.T) {
	// One paragraph over the bound still forms a chunk on its own.
	chunks := ChunkParagraphs(strings.Repeat("word ", 900))
	assert.Len(t, chunks, 1)
}

func TestChunkParagraphsEmpty(t *testing.T) {
	assert.Nil(t, ChunkParagraphs("  \n\n  \n\n"))
}

func TestChunkParagraphsPreservesContent(t *testing.T) {
	text := "First paragraph.\n\nSecond paragraph.\r\n\r\nThird paragraph."
	chunks := ChunkParagraphs(text)
	joined := strings.Join(chunks, "\n\n")
	assert.Contains(t, joined, "First paragraph.")
	assert.Contains(t, joined, "Second paragraph.")
	assert.Contains(t, joined, "Third paragraph.")
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    float64
		wantErr bool
	}{
		{"plain", "Analysis...\nSCORE: 85", 85, false},
		{"decimal", "SCORE: 72.5", 72.5, false},
		{"leading whitespace", "  SCORE: 60", 60, false},
		{"case insensitive", "score: 44", 44, false},
		{"missing", "great paper, ten out of ten", 0, true},
		{"out of range", "SCORE: 140", 0, true},
		{"embedded mid-line", "the SCORE: 90 overall", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScore(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterquartileMean(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{80}, 80},
		{"three averages directly", []float64{60, 70, 80}, 70},
		{"outliers trimmed", []float64{0, 70, 70, 70, 70, 70, 70, 100}, 70},
		{"twelve runs", []float64{50, 60, 62, 64, 66, 68, 70, 72, 74, 76, 80, 95}, 69},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, InterquartileMean(tt.scores), 0.01)
		})
	}
}

func TestGraderPlanIncludesKeywordSelection(t *testing.T) {
	r := &graderRunner{}
	payload := `{"manuscript":{"filename":"paper.pdf","path":"jobs/x/paper.pdf"}}`

	plan, err := r.Plan(context.Background(), &models.Job{Payload: json.RawMessage(payload)})
	require.NoError(t, err)

	require.Len(t, plan.Items, graderRuns+1)
	last := plan.Items[len(plan.Items)-1]
	assert.Equal(t, 2, last.Round)
	assert.Equal(t, "keyword selection", last.Label)
}

func TestAdjustLowerBound(t *testing.T) {
	tests := []struct {
		name  string
		match int
		want  float64
		ok    bool
	}{
		{"strong match discounts", 6, 63.0, true},
		{"good match", 5, 66.5, true},
		{"neutral match", 4, 70.0, true},
		{"weak match raises", 3, 73.5, true},
		{"too weak disqualifies", 2, 0, false},
		{"no match disqualifies", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := adjustLowerBound(70.0, tt.match)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 0.001)
			}
		})
	}
}

func TestBuildRecommendations(t *testing.T) {
	journals := []journalReference{
		{Name: "Strong Fit", LowBound: 80, TopicScores: map[string]int{"optics": 3}},
		{Name: "Marginal Fit", LowBound: 80, TopicScores: map[string]int{"optics": 1, "imaging": 1}},
		{Name: "No Fit", LowBound: 80, TopicScores: map[string]int{"geology": 3}},
		{Name: "Too Demanding", LowBound: 95, TopicScores: map[string]int{"optics": 3}},
	}
	sel := keywordSelection{Main: "Optics", Peripheral: []string{"Imaging"}}

	recs := buildRecommendations(journals, sel, 75.0)

	// Strong Fit: match 6 -> 72.0, cleared. Marginal Fit: match 3 -> 84.0,
	// not cleared. No Fit: match 0, disqualified. Too Demanding: 85.5, not
	// cleared.
	require.Len(t, recs, 1)
	assert.Equal(t, "Strong Fit", recs[0].Name)
	assert.Equal(t, 6, recs[0].MatchScore)
	assert.InDelta(t, 72.0, recs[0].AdjustedThreshold, 0.001)
}

func TestBuildRecommendationsCapsAtHighestThresholds(t *testing.T) {
	var journals []journalReference
	for i := 0; i < graderMaxRecommendations+3; i++ {
		journals = append(journals, journalReference{
			Name:        fmt.Sprintf("journal-%d", i),
			LowBound:    float64(10 + i),
			TopicScores: map[string]int{"optics": 2},
		})
	}
	sel := keywordSelection{Main: "optics"}

	recs := buildRecommendations(journals, sel, 100.0)

	// All clear their bounds; the three lowest thresholds are dropped.
	require.Len(t, recs, graderMaxRecommendations)
	assert.Equal(t, "journal-3", recs[0].Name)
	assert.Equal(t, fmt.Sprintf("journal-%d", graderMaxRecommendations+2), recs[len(recs)-1].Name)
}

func TestNormalizeKeywords(t *testing.T) {
	sel := keywordSelection{
		Main:       "  Optics ",
		Peripheral: []string{"Imaging", "optics", " imaging ", "", "Lasers"},
	}
	normalizeKeywords(&sel)
	assert.Equal(t, "Optics", sel.Main)
	assert.Equal(t, []string{"Imaging", "Lasers"}, sel.Peripheral)
}
