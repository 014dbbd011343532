package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/odvcencio/rgeres/pkg/index"
)

const systemPrompt = "You are an assistant that only outputs valid Lua code for RONAVI (a fictional rename of " +
	"Roblox). Do NOT include markdown fences or explanations; return only the Lua code. " +
	"Assume the target environment is 'RONAVI STUDIO' with the same API surface as Roblox (game, " +
	"Instance.new, Players, etc.)."

// Defaults for AnthropicOptions.
const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 1200
)

// AnthropicOptions configures AnthropicProducer.
type AnthropicOptions struct {
	APIKey    string
	Model     string        // default DefaultModel
	MaxTokens int           // default DefaultMaxTokens
	BaseURL   string        // API root override, mostly for tests
	Timeout   time.Duration // per request; default 2m
}

// AnthropicProducer asks a Claude model to write each artifact.
type AnthropicProducer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProducer returns a producer backed by the Messages API. It
// fails with ErrMissingCredential when no API key is supplied.
func NewAnthropicProducer(opts AnthropicOptions) (*AnthropicProducer, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		return nil, fmt.Errorf("ai mode: %w: ANTHROPIC_API_KEY is not set", ErrMissingCredential)
	}
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithRequestTimeout(opts.Timeout),
	}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}

	return &AnthropicProducer{
		client:    anthropic.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: int64(opts.MaxTokens),
	}, nil
}

// Source implements Producer.
func (p *AnthropicProducer) Source() index.Source {
	return index.SourceAI
}

// Produce implements Producer.
func (p *AnthropicProducer) Produce(ctx context.Context, kind Kind) ([]byte, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("Write a %s Lua script for RONAVI STUDIO. Return only Lua code.", kind)

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   p.maxTokens,
		Temperature: anthropic.Float(0.2),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: generate %s: %w", kind, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	code := stripFences(b.String())
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("anthropic: generate %s: empty response", kind)
	}
	return []byte(code), nil
}

// stripFences removes a surrounding markdown code fence, which models add
// despite being told not to, and ends the text with a newline.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = ""
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	if s == "" {
		return ""
	}
	return s + "\n"
}
