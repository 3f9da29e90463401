// Package modules implements the tool runners installed into the engine:
// summarizer, translator, grader, extractor, and reviewer. Each runner
// reads its model names and prompts from the module_configs table so admins
// can retune tools without a deploy.
package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/BZM2000/ai-toolkit/internal/storage"
	"github.com/BZM2000/ai-toolkit/internal/store"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// Module keys. These appear in URLs, the jobs table, and usage events.
const (
	KeySummarizer = "summarizer"
	KeyTranslator = "translator"
	KeyGrader     = "grader"
	KeyExtractor  = "extractor"
	KeyReviewer   = "reviewer"
)

// LLMClient is the slice of the llm router the runners need.
type LLMClient interface {
	Execute(ctx context.Context, req models.LLMRequest) (*models.LLMResponse, error)
}

// Deps carries the shared infrastructure into every runner.
type Deps struct {
	Store   store.Store
	Storage *storage.Manager
	LLM     LLMClient
}

var validate = validator.New()

// ErrInvalidPayload wraps any submission payload that fails to decode or
// validate. The HTTP layer maps it to a 400.
var ErrInvalidPayload = errors.New("invalid payload")

// decodePayload unmarshals and validates a submission payload.
func decodePayload(payload json.RawMessage, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// loadConfig reads a module's stored models/prompts JSON into the given
// structs.
func loadConfig(ctx context.Context, st store.Store, moduleKey string, modelsOut, promptsOut any) error {
	cfg, err := st.GetModuleConfig(ctx, moduleKey)
	if err != nil {
		return fmt.Errorf("loading %s config: %w", moduleKey, err)
	}
	if modelsOut != nil {
		if err := json.Unmarshal(cfg.Models, modelsOut); err != nil {
			return fmt.Errorf("parsing %s models config: %w", moduleKey, err)
		}
	}
	if promptsOut != nil {
		if err := json.Unmarshal(cfg.Prompts, promptsOut); err != nil {
			return fmt.Errorf("parsing %s prompts config: %w", moduleKey, err)
		}
	}
	return nil
}

// FileRef points at an uploaded file already saved under the storage root.
type FileRef struct {
	Filename string `json:"filename" validate:"required"`
	Path     string `json:"path" validate:"required"`
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".tex": true, ".csv": true, ".json": true,
}

// attachmentFor loads a stored file either as inline prompt text or as a
// binary attachment, depending on its extension.
func attachmentFor(sm *storage.Manager, ref FileRef) (text string, att *models.Attachment, err error) {
	data, err := sm.ReadArtifact(ref.Path)
	if err != nil {
		return "", nil, fmt.Errorf("reading %s: %w", ref.Filename, err)
	}
	ext := strings.ToLower(filepath.Ext(ref.Filename))
	if textExtensions[ext] {
		return string(data), nil, nil
	}
	kind, mime := classifyBinary(ext)
	return "", &models.Attachment{
		Kind:     kind,
		Filename: ref.Filename,
		MimeType: mime,
		Data:     data,
	}, nil
}

func classifyBinary(ext string) (kind, mime string) {
	switch ext {
	case ".png":
		return models.AttachmentImage, "image/png"
	case ".jpg", ".jpeg":
		return models.AttachmentImage, "image/jpeg"
	case ".webp":
		return models.AttachmentImage, "image/webp"
	case ".mp3":
		return models.AttachmentAudio, "audio/mpeg"
	case ".wav":
		return models.AttachmentAudio, "audio/wav"
	case ".m4a":
		return models.AttachmentAudio, "audio/mp4"
	default:
		return models.AttachmentPDF, "application/pdf"
	}
}

// estimateTokens projects a call's token cost from its text size, roughly
// one token per four bytes, used only for quota admission.
func estimateTokens(byteSize int64) int64 {
	est := byteSize / 4
	if est < 500 {
		est = 500
	}
	return est
}
