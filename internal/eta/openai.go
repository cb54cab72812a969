package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/example/campus-transit/internal/models"
)

const systemPrompt = `You are an expert at predicting travel and delivery times on a university campus.
You will be given a starting point, a destination, and the current traffic conditions.
Predict the estimated duration in minutes.
Reply with JSON only, in the form {"durationText": "<minutes> minutes"}.`

// OpenAIEstimator asks a chat-completion model for a duration estimate.
type OpenAIEstimator struct {
	client openai.Client
	model  string
}

func NewOpenAIEstimator(apiKey, baseURL, model string, opts ...option.RequestOption) *OpenAIEstimator {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEstimator{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAIEstimator) Estimate(ctx context.Context, origin, destination string, traffic models.TrafficLevel) (Estimate, error) {
	user := fmt.Sprintf("Starting point: %s\nDestination: %s\nTraffic conditions: %s\n\nETA:", origin, destination, traffic)
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
		MaxTokens:   openai.Int(64),
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return Estimate{}, fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return decodeEstimate(resp.Choices[0].Message.Content)
}

// decodeEstimate accepts the JSON reply, optionally wrapped in a code
// fence, and falls back to bare text that contains a number.
func decodeEstimate(content string) (Estimate, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var est Estimate
	if err := json.Unmarshal([]byte(content), &est); err == nil && est.DurationText != "" {
		return est, nil
	}
	if _, ok := ParseMinutes(content); ok {
		return Estimate{DurationText: content}, nil
	}
	return Estimate{}, fmt.Errorf("%w: unparseable estimate %q", ErrUnavailable, content)
}
