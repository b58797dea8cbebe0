// Package openai implements a digest.Backend on OpenAI chat completions.
// Any OpenAI-compatible endpoint works through Options.BaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

// DefaultModel is used when Options.Model is empty.
const DefaultModel = "gpt-4o-mini"

// Options configures a Backend.
type Options struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxRetries  int
	HTTPClient  *http.Client
}

// Backend classifies articles with a chat completion model.
type Backend struct {
	client      openai.Client
	model       string
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
	return &Backend{
		client:      openai.NewClient(reqOpts...),
		model:       model,
		temperature: opts.Temperature,
	}
}

// Name implements digest.Backend.
func (b *Backend) Name() string { return "openai" }

// Classify implements digest.Backend.
func (b *Backend) Classify(ctx context.Context, req *digest.ClassifyRequest) (*digest.Classification, error) {
	resp, err := b.client.Chat.Completions.New(ctx, b.params(req))
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices")
	}
	return digest.DecodeClassification(resp.Choices[0].Message.Content)
}

func (b *Backend) params(req *digest.ClassifyRequest) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(b.model),
		Messages:    msgs,
		Temperature: openai.Float(b.temperature),
	}
}
