package llm

import (
	"strings"

	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// ApproximateUsage estimates token usage by whitespace-splitting the prompt
// and completion texts. Used when a provider response carries no usage block
// so that metering never silently records zero for a successful call.
func ApproximateUsage(req models.LLMRequest, completion string) models.TokenUsage {
	var prompt int64
	for _, m := range req.Messages {
		prompt += int64(len(strings.Fields(m.Content)))
	}
	out := int64(len(strings.Fields(completion)))
	return models.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
