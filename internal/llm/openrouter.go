package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BZM2000/ai-toolkit/internal/config"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterProvider implements models.LLMProvider against the OpenRouter
// chat-completions API.
type OpenRouterProvider struct {
	apiKey  string
	referer string
	title   string
	baseURL string
	client  *http.Client
}

func NewOpenRouterProvider(cfg config.LLMConfig) *OpenRouterProvider {
	return &OpenRouterProvider{
		apiKey:  cfg.OpenRouterAPIKey,
		referer: cfg.OpenRouterRefer,
		title:   cfg.OpenRouterTitle,
		baseURL: openRouterBaseURL,
		client:  &http.Client{Timeout: cfg.CallTimeout},
	}
}

// NewOpenRouterProviderWithBaseURL points the provider at a test server.
func NewOpenRouterProviderWithBaseURL(cfg config.LLMConfig, baseURL string) *OpenRouterProvider {
	p := NewOpenRouterProvider(cfg)
	p.baseURL = strings.TrimRight(baseURL, "/")
	return p
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }

type contentPart struct {
	Type       string        `json:"type"`
	Text       string        `json:"text,omitempty"`
	ImageURL   *imageURLPart `json:"image_url,omitempty"`
	File       *filePart     `json:"file,omitempty"`
	InputAudio *audioPart    `json:"input_audio,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

type filePart struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type audioPart struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func dataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// buildWireMessages converts the request into the chat-completions wire
// format. Attachments ride on the final user message as content parts.
func buildWireMessages(req models.LLMRequest) []wireMessage {
	messages := make([]wireMessage, 0, len(req.Messages))
	for i, m := range req.Messages {
		last := i == len(req.Messages)-1
		if !last || m.Role != models.RoleUser || len(req.Attachments) == 0 {
			messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
			continue
		}

		parts := []contentPart{{Type: "text", Text: m.Content}}
		for _, att := range req.Attachments {
			switch att.Kind {
			case models.AttachmentImage:
				parts = append(parts, contentPart{
					Type:     "image_url",
					ImageURL: &imageURLPart{URL: dataURL(att.MimeType, att.Data)},
				})
			case models.AttachmentPDF:
				parts = append(parts, contentPart{
					Type: "file",
					File: &filePart{
						Filename: att.Filename,
						FileData: dataURL(att.MimeType, att.Data),
					},
				})
			case models.AttachmentAudio:
				parts = append(parts, contentPart{
					Type: "input_audio",
					InputAudio: &audioPart{
						Data:   base64.StdEncoding.EncodeToString(att.Data),
						Format: strings.TrimPrefix(att.MimeType, "audio/"),
					},
				})
			}
		}
		messages = append(messages, wireMessage{Role: m.Role, Content: parts})
	}
	return messages
}

// postChat performs a chat-completions round trip shared by providers that
// speak the same wire protocol.
func postChat(ctx context.Context, client *http.Client, url string, headers map[string]string, req models.LLMRequest, providerName string) (*models.LLMResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: buildWireMessages(req),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrProviderRequest, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderRequest, resp.StatusCode, snippet(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, fmt.Errorf("%w: %s", ErrProviderRequest, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	text := parsed.Choices[0].Message.Content
	usage := models.TokenUsage{}
	if parsed.Usage != nil && parsed.Usage.TotalTokens > 0 {
		usage.PromptTokens = parsed.Usage.PromptTokens
		usage.CompletionTokens = parsed.Usage.CompletionTokens
		usage.TotalTokens = parsed.Usage.TotalTokens
	} else {
		usage = ApproximateUsage(req, text)
	}

	return &models.LLMResponse{
		Text:     text,
		Usage:    usage,
		Provider: providerName,
		Model:    req.Model,
		Raw:      raw,
	}, nil
}

func (p *OpenRouterProvider) Execute(ctx context.Context, req models.LLMRequest) (*models.LLMResponse, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}
	if p.referer != "" {
		headers["HTTP-Referer"] = p.referer
	}
	if p.title != "" {
		headers["X-Title"] = p.title
	}
	return postChat(ctx, p.client, p.baseURL+"/chat/completions", headers, req, p.Name())
}

func snippet(b []byte) string {
	const limit = 512
	s := string(b)
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}

var _ models.LLMProvider = (*OpenRouterProvider)(nil)
