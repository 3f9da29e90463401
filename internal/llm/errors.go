package llm

import "errors"

var (
	ErrUnknownProvider   = errors.New("llm: unknown provider")
	ErrProviderRequest   = errors.New("llm: provider request failed")
	ErrMalformedResponse = errors.New("llm: provider returned malformed response")
	ErrUnsupportedInput  = errors.New("llm: provider does not support this input")
)
