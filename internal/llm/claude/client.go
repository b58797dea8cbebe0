// Package claude implements a digest.Backend on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

// DefaultModel is used when Options.Model is empty.
const DefaultModel = "claude-sonnet-4-20250514"

// classification replies are a short JSON object
const defaultMaxTokens = 512

// Options configures a Backend.
type Options struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
	// MaxRetries is passed to the SDK for transient HTTP failures.
	MaxRetries int
	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL    string
	HTTPClient *http.Client
}

// Backend classifies articles with Claude.
type Backend struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// New creates a Backend.
func New(opts Options) *Backend {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Backend{
		client:      anthropic.NewClient(reqOpts...),
		model:       model,
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
	}
}

// Name implements digest.Backend.
func (b *Backend) Name() string { return "claude" }

// Classify implements digest.Backend.
func (b *Backend) Classify(ctx context.Context, req *digest.ClassifyRequest) (*digest.Classification, error) {
	msg, err := b.client.Messages.New(ctx, b.toSDKParams(req))
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	text := replyText(msg)
	if text == "" {
		return nil, errors.New("claude reply has no text content")
	}
	return digest.DecodeClassification(text)
}

func (b *Backend) toSDKParams(req *digest.ClassifyRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: b.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(b.temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

// replyText joins the text blocks of msg.
func replyText(msg *anthropic.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
