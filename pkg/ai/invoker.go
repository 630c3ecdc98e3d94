package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"ideaforge/pkg/domain"
)

// DefaultTemperature applies when a provider config leaves it unset.
const DefaultTemperature = 0.7

// ProviderConfig selects one provider leg of an invocation.
type ProviderConfig struct {
	Provider    string
	Model       string
	Temperature *float64
}

func (c ProviderConfig) temperature() float64 {
	if c.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Temperature
}

// InvokeConfig pairs the primary provider with its single fallback.
type InvokeConfig struct {
	Primary  ProviderConfig
	Fallback ProviderConfig
}

// Invoker obtains a schema-conformant result from a generation provider with
// one layer of failover. It persists nothing itself.
type Invoker struct {
	generators map[string]StructuredGenerator
}

// NewInvoker creates an empty provider registry.
func NewInvoker() *Invoker {
	return &Invoker{generators: make(map[string]StructuredGenerator)}
}

// Register adds a named provider backend.
func (i *Invoker) Register(name string, g StructuredGenerator) {
	i.generators[strings.ToLower(strings.TrimSpace(name))] = g
}

// Invoke calls the primary provider and, on any failure (transport, provider
// error, or schema violation), the fallback with the same prompt and schema.
// When both fail the returned error wraps domain.ErrProvider and names both
// underlying failures. No retry happens beyond the one fallback attempt.
func (i *Invoker) Invoke(ctx context.Context, prompt Prompt, schema json.RawMessage, cfg InvokeConfig) (Result, error) {
	primaryRes, primaryErr := i.attempt(ctx, prompt, schema, cfg.Primary)
	if primaryErr == nil {
		return primaryRes, nil
	}
	fallbackRes, fallbackErr := i.attempt(ctx, prompt, schema, cfg.Fallback)
	if fallbackErr == nil {
		// Primary tokens were still spent even though its output was unusable.
		fallbackRes.Usage.PromptTokens += primaryRes.Usage.PromptTokens
		fallbackRes.Usage.CompletionTokens += primaryRes.Usage.CompletionTokens
		fallbackRes.Usage.TotalTokens += primaryRes.Usage.TotalTokens
		return fallbackRes, nil
	}
	return Result{}, fmt.Errorf("%w: primary %s/%s: %v; fallback %s/%s: %v",
		domain.ErrProvider,
		cfg.Primary.Provider, cfg.Primary.Model, primaryErr,
		cfg.Fallback.Provider, cfg.Fallback.Model, fallbackErr)
}

func (i *Invoker) attempt(ctx context.Context, prompt Prompt, schema json.RawMessage, cfg ProviderConfig) (Result, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	gen, ok := i.generators[name]
	if !ok {
		return Result{}, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	res, err := gen.GenerateStructured(ctx, Request{
		Model:       cfg.Model,
		Temperature: cfg.temperature(),
		Prompt:      prompt,
		Schema:      schema,
	})
	if err != nil {
		return Result{}, err
	}
	if err := validateAgainstSchema(schema, res.Raw); err != nil {
		// Usage is reported so the caller can account for wasted tokens.
		return res, err
	}
	return res, nil
}

// validateAgainstSchema rejects output that does not satisfy the caller's
// schema exactly. A partially valid structure is never accepted.
func validateAgainstSchema(schema, doc json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, issue := range result.Errors() {
		issues = append(issues, issue.String())
	}
	return fmt.Errorf("output violates schema: %s", strings.Join(issues, "; "))
}
