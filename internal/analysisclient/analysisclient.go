// Package analysisclient is the analysis (LLM) provider collaborator of
// spec.md §6: turn analysis, L1->L2 summarization, and L2->L3 keyword
// extraction, each a single forced tool call against the Anthropic Go SDK
// — the same ToolUseBlock pattern the teacher's internal/llm/anthropic
// client uses for tool calling.
package analysisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"memoryengine/internal/config"
	"memoryengine/internal/engineerr"
	"memoryengine/internal/memory"
)

// TurnAnalysis is the required-key JSON object spec.md §6 describes for
// turn ingestion analysis.
type TurnAnalysis struct {
	EmotionalIntensity int              `json:"emotional_intensity"`
	EmotionalValence   memory.Valence   `json:"emotional_valence"`
	EmotionalArousal   int              `json:"emotional_arousal"`
	EmotionalTags      []string         `json:"emotional_tags"`
	Category           memory.Category  `json:"category"`
	Keywords           []string         `json:"keywords"`
	Trigger            string           `json:"trigger"`
	Content            string           `json:"content"`
	Protected          bool             `json:"protected"`
}

func (a TurnAnalysis) validate() error {
	if a.EmotionalIntensity < 0 || a.EmotionalIntensity > 100 {
		return fmt.Errorf("%w: emotional_intensity out of range", engineerr.ErrProviderSchemaViolation)
	}
	if a.EmotionalArousal < 0 || a.EmotionalArousal > 100 {
		return fmt.Errorf("%w: emotional_arousal out of range", engineerr.ErrProviderSchemaViolation)
	}
	if !a.EmotionalValence.Valid() {
		return fmt.Errorf("%w: invalid emotional_valence %q", engineerr.ErrProviderSchemaViolation, a.EmotionalValence)
	}
	if !a.Category.Valid() {
		return fmt.Errorf("%w: invalid category %q", engineerr.ErrProviderSchemaViolation, a.Category)
	}
	if a.Trigger == "" || a.Content == "" {
		return fmt.Errorf("%w: trigger/content required", engineerr.ErrProviderSchemaViolation)
	}
	return nil
}

// TierRewrite is the {trigger, content} pair returned by the L1->L2 summary
// and L2->L3 keyword-extraction prompts (spec.md §6).
type TierRewrite struct {
	Trigger string `json:"trigger"`
	Content string `json:"content"`
}

func (r TierRewrite) validate() error {
	if r.Trigger == "" && r.Content == "" {
		return fmt.Errorf("%w: empty trigger and content", engineerr.ErrProviderSchemaViolation)
	}
	return nil
}

// Provider is the analysis collaborator interface internal/ingest and
// internal/batch depend on.
type Provider interface {
	AnalyzeTurn(ctx context.Context, userText, assistantText string) (*TurnAnalysis, error)
	SummarizeTier(ctx context.Context, trigger, content string) (*TierRewrite, error)
	ExtractKeywordsTier(ctx context.Context, trigger, content string) (*TierRewrite, error)
}

// Client is the Anthropic-backed Provider implementation.
type Client struct {
	sdk     anthropic.Client
	model   string
	timeout time.Duration
}

func New(cfg config.LLMConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_5)
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model, timeout: timeout}
}

const analysisToolName = "record_turn_analysis"

var analysisToolSchema = anthropic.ToolInputSchemaParam{
	Properties: map[string]any{
		"emotional_intensity": map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
		"emotional_valence":   map[string]any{"type": "string", "enum": []string{"positive", "negative", "neutral"}},
		"emotional_arousal":   map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
		"emotional_tags":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"category":            map[string]any{"type": "string", "enum": []string{"casual", "work", "decision", "emotional"}},
		"keywords":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"trigger":             map[string]any{"type": "string"},
		"content":             map[string]any{"type": "string"},
		"protected":           map[string]any{"type": "boolean"},
	},
	Required: []string{
		"emotional_intensity", "emotional_valence", "emotional_arousal", "emotional_tags",
		"category", "keywords", "trigger", "content", "protected",
	},
}

const analysisSystemPrompt = `You analyze one conversation turn (user_text, assistant_text) for a long-term
memory store. Call the ` + analysisToolName + ` tool exactly once with your analysis. Set
protected=true only when the user explicitly asked to remember this forever
(phrases like "remember this", "don't forget", "never forget this").`

// AnalyzeTurn calls the turn-analysis prompt.
func (c *Client) AnalyzeTurn(ctx context.Context, userText, assistantText string) (*TurnAnalysis, error) {
	input := fmt.Sprintf("user_text: %s\nassistant_text: %s", userText, assistantText)
	var raw json.RawMessage
	if err := c.callTool(ctx, analysisSystemPrompt, input, analysisToolName, analysisToolSchema, &raw); err != nil {
		return nil, err
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("%w: analysis: decode tool input: %v", engineerr.ErrProviderSchemaViolation, err)
	}
	for _, k := range analysisToolSchema.Required {
		if _, ok := keys[k]; !ok {
			return nil, fmt.Errorf("%w: analysis: missing key %q", engineerr.ErrProviderSchemaViolation, k)
		}
	}
	var out TurnAnalysis
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: analysis: decode tool input: %v", engineerr.ErrProviderSchemaViolation, err)
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

const tierToolName = "record_tier_rewrite"

var tierToolSchema = anthropic.ToolInputSchemaParam{
	Properties: map[string]any{
		"trigger": map[string]any{"type": "string"},
		"content": map[string]any{"type": "string"},
	},
	Required: []string{"trigger", "content"},
}

const summarySystemPrompt = `You compress a memory record for an assistant's long-term memory store.
Call the ` + tierToolName + ` tool exactly once. trigger must be at most one
sentence summarizing the user's utterance; content must be at most 2-3
sentences summarizing the assistant's response.`

const keywordSystemPrompt = `You compress a memory record for an assistant's long-term memory store.
Call the ` + tierToolName + ` tool exactly once. trigger and content must
each be a comma-separated list of 2-3 keywords capturing the original
trigger and content.`

// SummarizeTier calls the L1->L2 summary prompt.
func (c *Client) SummarizeTier(ctx context.Context, trigger, content string) (*TierRewrite, error) {
	return c.tierRewrite(ctx, summarySystemPrompt, trigger, content)
}

// ExtractKeywordsTier calls the L2->L3 keyword-extraction prompt.
func (c *Client) ExtractKeywordsTier(ctx context.Context, trigger, content string) (*TierRewrite, error) {
	return c.tierRewrite(ctx, keywordSystemPrompt, trigger, content)
}

func (c *Client) tierRewrite(ctx context.Context, systemPrompt, trigger, content string) (*TierRewrite, error) {
	input := fmt.Sprintf("trigger: %s\ncontent: %s", trigger, content)
	var out TierRewrite
	if err := c.callTool(ctx, systemPrompt, input, tierToolName, tierToolSchema, &out); err != nil {
		return nil, err
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) callTool(ctx context.Context, systemPrompt, userText, toolName string, schema anthropic.ToolInputSchemaParam, out any) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(userText))},
		Tools: []anthropic.ToolUnionParam{
			{OfTool: &anthropic.ToolParam{Name: toolName, InputSchema: schema}},
		},
	}

	resp, err := c.sdk.Messages.New(cctx, params)
	if err != nil {
		if cctx.Err() != nil {
			return fmt.Errorf("%w: analysis: %v", engineerr.ErrProviderTimeout, err)
		}
		return fmt.Errorf("%w: analysis: %v", engineerr.ErrProviderUnavailable, err)
	}

	for _, block := range resp.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok && tu.Name == toolName {
			if err := json.Unmarshal(tu.Input, out); err != nil {
				return fmt.Errorf("%w: analysis: decode tool input: %v", engineerr.ErrProviderSchemaViolation, err)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: analysis: model did not call %s", engineerr.ErrProviderSchemaViolation, toolName)
}
