package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/BZM2000/ai-toolkit/internal/config"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

const poeBaseURL = "https://api.poe.com/v1"

// PoeProvider implements models.LLMProvider against Poe's OpenAI-compatible
// chat-completions endpoint. Poe accepts image and PDF attachments but has
// no audio input path.
type PoeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewPoeProvider(cfg config.LLMConfig) *PoeProvider {
	return &PoeProvider{
		apiKey:  cfg.PoeAPIKey,
		baseURL: poeBaseURL,
		client:  &http.Client{Timeout: cfg.CallTimeout},
	}
}

// NewPoeProviderWithBaseURL points the provider at a test server.
func NewPoeProviderWithBaseURL(cfg config.LLMConfig, baseURL string) *PoeProvider {
	p := NewPoeProvider(cfg)
	p.baseURL = strings.TrimRight(baseURL, "/")
	return p
}

func (p *PoeProvider) Name() string { return "poe" }

func (p *PoeProvider) Execute(ctx context.Context, req models.LLMRequest) (*models.LLMResponse, error) {
	for _, att := range req.Attachments {
		if att.Kind == models.AttachmentAudio {
			return nil, fmt.Errorf("%w: poe cannot accept audio attachments", ErrUnsupportedInput)
		}
	}
	headers := map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}
	return postChat(ctx, p.client, p.baseURL+"/chat/completions", headers, req, p.Name())
}

var _ models.LLMProvider = (*PoeProvider)(nil)
