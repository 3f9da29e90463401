package mock

import (
	"context"
	"strings"

	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// MockProvider satisfies models.LLMProvider for testing.
type MockProvider struct {
	Name_       string
	ExecuteFunc func(ctx context.Context, req models.LLMRequest) (*models.LLMResponse, error)

	// Calls records every request the provider received, in order.
	Calls []models.LLMRequest
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Execute(ctx context.Context, req models.LLMRequest) (*models.LLMResponse, error) {
	m.Calls = append(m.Calls, req)
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, req)
	}
	return &models.LLMResponse{
		Text:     "mock response",
		Provider: m.Name_,
		Model:    req.Model,
		Usage:    models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// NewMockProvider returns a MockProvider that echoes the last user message.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		ExecuteFunc: func(_ context.Context, req models.LLMRequest) (*models.LLMResponse, error) {
			var lastUser string
			for _, m := range req.Messages {
				if m.Role == models.RoleUser {
					lastUser = m.Content
				}
			}
			text := "mock: " + firstLine(lastUser)
			return &models.LLMResponse{
				Text:     text,
				Provider: "mock",
				Model:    req.Model,
				Usage:    models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}, nil
		},
	}
}

// NewStaticProvider returns a MockProvider that always answers with text.
func NewStaticProvider(text string) *MockProvider {
	return &MockProvider{
		Name_: "mock-static",
		ExecuteFunc: func(_ context.Context, req models.LLMRequest) (*models.LLMResponse, error) {
			return &models.LLMResponse{
				Text:     text,
				Provider: "mock-static",
				Model:    req.Model,
				Usage:    models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns err.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		ExecuteFunc: func(_ context.Context, _ models.LLMRequest) (*models.LLMResponse, error) {
			return nil, err
		},
	}
}

// NewFlakyProvider fails the first failures calls, then succeeds with text.
func NewFlakyProvider(failures int, err error, text string) *MockProvider {
	var calls int
	return &MockProvider{
		Name_: "mock-flaky",
		ExecuteFunc: func(_ context.Context, req models.LLMRequest) (*models.LLMResponse, error) {
			calls++
			if calls <= failures {
				return nil, err
			}
			return &models.LLMResponse{
				Text:     text,
				Provider: "mock-flaky",
				Model:    req.Model,
				Usage:    models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}, nil
		},
	}
}

// NewBlockingProvider returns a MockProvider that blocks until ctx is done.
func NewBlockingProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-blocking",
		ExecuteFunc: func(ctx context.Context, _ models.LLMRequest) (*models.LLMResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var _ models.LLMProvider = (*MockProvider)(nil)
