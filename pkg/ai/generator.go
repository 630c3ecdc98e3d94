package ai

import (
	"context"
	"encoding/json"

	"ideaforge/pkg/domain"
)

// Prompt carries the system and user halves of one generation request.
type Prompt struct {
	System string
	User   string
}

// Request is one structured-output generation call against a single provider.
type Request struct {
	Model       string
	Temperature float64
	Prompt      Prompt
	// Schema is the JSON schema the provider is asked to conform to. The
	// invoker re-validates the output against it regardless.
	Schema json.RawMessage
}

// Result is a raw provider response plus token accounting.
type Result struct {
	Raw   json.RawMessage
	Usage domain.TokenUsage
}

// StructuredGenerator produces schema-constrained JSON output. All providers
// (Gemini, OpenAI-compatible) implement this interface.
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, req Request) (Result, error)
}
