package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"ideaforge/pkg/ai"
	"ideaforge/pkg/domain"
)

const systemPrompt = "You are an expert content developer. You turn a rough idea into a polished, complete artifact. Respond with JSON only, conforming exactly to the provided schema. Never include commentary outside the JSON."

// Schemas the providers are constrained to and the invoker validates against.
// Shapes mirror the domain payload types.
var (
	blogPostSchema = json.RawMessage(`{
		"type": "object",
		"required": ["title", "markdown"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"subtitle": {"type": "string"},
			"markdown": {"type": "string", "minLength": 1},
			"tags": {"type": "array", "items": {"type": "string"}}
		}
	}`)

	threadSchema = json.RawMessage(`{
		"type": "object",
		"required": ["hook", "posts"],
		"properties": {
			"hook": {"type": "string", "minLength": 1},
			"posts": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["position", "text"],
					"properties": {
						"position": {"type": "integer", "minimum": 1},
						"text": {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}`)

	codeRepoSchema = json.RawMessage(`{
		"type": "object",
		"required": ["name", "description", "files"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string", "minLength": 1},
			"readme": {"type": "string"},
			"files": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["path", "content"],
					"properties": {
						"path": {"type": "string", "minLength": 1},
						"content": {"type": "string"},
						"language": {"type": "string"}
					}
				}
			}
		}
	}`)
)

func schemaFor(format domain.OutputFormat) (json.RawMessage, error) {
	switch format {
	case domain.FormatBlogPost:
		return blogPostSchema, nil
	case domain.FormatThread:
		return threadSchema, nil
	case domain.FormatCodeRepo:
		return codeRepoSchema, nil
	default:
		return nil, domain.Validationf("unknown output format %q", string(format))
	}
}

func promptFor(idea domain.Idea, format domain.OutputFormat) ai.Prompt {
	var sb strings.Builder
	switch format {
	case domain.FormatBlogPost:
		sb.WriteString("Write a complete blog post developing the idea below.\n")
	case domain.FormatThread:
		sb.WriteString("Write a social media thread developing the idea below. Number the posts from 1.\n")
	case domain.FormatCodeRepo:
		sb.WriteString("Design a small code project implementing the idea below. Include every file needed to run it.\n")
	}
	if idea.Title != "" {
		fmt.Fprintf(&sb, "\nTitle: %s\n", idea.Title)
	}
	fmt.Fprintf(&sb, "\nIdea: %s\n", idea.Content)
	if idea.Description != "" {
		fmt.Fprintf(&sb, "\nAdditional context: %s\n", idea.Description)
	}
	if len(idea.Bullets) > 0 {
		sb.WriteString("\nKey points to cover:\n")
		for _, b := range idea.Bullets {
			fmt.Fprintf(&sb, "- %s\n", b)
		}
	}
	return ai.Prompt{System: systemPrompt, User: sb.String()}
}

// decodeContent parses raw provider output into the tagged union for the
// requested format and validates the union invariant.
func decodeContent(format domain.OutputFormat, raw json.RawMessage) (domain.OutputContent, error) {
	content := domain.OutputContent{Format: format}
	switch format {
	case domain.FormatBlogPost:
		payload := domain.BlogPost{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return domain.OutputContent{}, fmt.Errorf("decode blog post: %w", err)
		}
		content.BlogPost = &payload
	case domain.FormatThread:
		payload := domain.Thread{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return domain.OutputContent{}, fmt.Errorf("decode thread: %w", err)
		}
		content.Thread = &payload
	case domain.FormatCodeRepo:
		payload := domain.CodeRepo{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return domain.OutputContent{}, fmt.Errorf("decode code repo: %w", err)
		}
		content.CodeRepo = &payload
	default:
		return domain.OutputContent{}, domain.Validationf("unknown output format %q", string(format))
	}
	if err := content.Validate(); err != nil {
		return domain.OutputContent{}, err
	}
	return content, nil
}
