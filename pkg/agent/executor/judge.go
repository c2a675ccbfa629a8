package executor

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIJudge backs Judge with a chat-completions endpoint. Assessments run
// at temperature 0 so the strict-JSON contract holds.
type OpenAIJudge struct {
	client openai.Client
	model  string
}

func NewOpenAIJudge(apiKey, baseURL, model string) (*OpenAIJudge, error) {
	if apiKey == "" {
		return nil, errors.New("executor: judge API key is required")
	}
	if model == "" {
		return nil, errors.New("executor: judge model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIJudge{client: openai.NewClient(opts...), model: model}, nil
}

func (j *OpenAIJudge) Complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	resp, err := j.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: j.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
		MaxTokens:   openai.Int(maxTokens),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("executor: completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Transient reports whether err is worth retrying: rate limits, server-side
// faults and connection-level failures. Context cancellation and request
// errors are final.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode >= 500
	}
	// No structured API error: connection-level failure.
	return true
}
