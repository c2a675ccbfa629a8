package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// visionMaxTokens caps the frame description length so the substituted text
// stays conversational.
const visionMaxTokens = 500

// VisionConfig selects the vision-capable chat model used for out-of-band
// frame analysis.
type VisionConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Prompt  string
	Timeout time.Duration
}

// DefaultVisionConfig returns the analyzer defaults.
func DefaultVisionConfig() VisionConfig {
	return VisionConfig{
		Model:   "qwen-vl-max-latest",
		Prompt:  "Describe what is visible in this frame in two or three sentences. Mention on-screen text if any.",
		Timeout: 15 * time.Second,
	}
}

// VisionAnalyzer describes image frames for vendors without native vision.
type VisionAnalyzer struct {
	cfg    VisionConfig
	client openai.Client
}

// NewVisionAnalyzer builds an analyzer from the given config.
func NewVisionAnalyzer(cfg VisionConfig) (*VisionAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("realtime: vision api key is required")
	}
	def := DefaultVisionConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Prompt == "" {
		cfg.Prompt = def.Prompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &VisionAnalyzer{cfg: cfg, client: openai.NewClient(opts...)}, nil
}

// Describe returns a short textual description of one base64 JPEG frame.
func (v *VisionAnalyzer) Describe(ctx context.Context, b64 string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	completion, err := v.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(v.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(v.cfg.Prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:image/jpeg;base64," + b64,
				}),
			}),
		},
		MaxTokens: openai.Int(visionMaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("realtime: vision request: %w", err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return "", errors.New("realtime: vision returned no content")
	}
	return completion.Choices[0].Message.Content, nil
}
