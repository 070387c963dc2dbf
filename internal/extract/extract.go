// Package extract turns scraped media into structured recipe data with a
// multimodal model.
package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/yourorg/eylo/internal/domain"
)

// ErrNoRecipe is returned when the model finds no cooking content.
var ErrNoRecipe = errors.New("no recipe found in content")

// Extractor is the extraction collaborator of the import agent.
type Extractor interface {
	ExtractFromVideo(ctx context.Context, videoPath, caption, author string) (*domain.RecipeData, error)
	// ExtractFromImages takes image URLs, typically base64 data URLs.
	ExtractFromImages(ctx context.Context, images []string, caption, author string) (*domain.RecipeData, error)
}

// FrameSampler produces JPEG stills from a local video file.
type FrameSampler interface {
	SampleFrames(ctx context.Context, path string, maxFrames, maxDim int) ([][]byte, error)
}

const (
	DefaultModel     = "gpt-4o-mini"
	noRecipeSentinel = "NO_RECIPE_FOUND"
)

const systemPrompt = "You are a recipe extractor. Extract structured recipe data from the provided content. Output strictly valid JSON."

const recipePrompt = `Creator: %s
Caption: "%s"

Return this JSON:
{
    "title": "Recipe Title",
    "prep_time_minutes": 10,
    "cook_time_minutes": 20,
    "ingredients": [{"item": "name", "quantity": "1", "unit": "cup"}],
    "steps": ["Step 1", "Step 2"],
    "tags": ["tag1"]
}

Rules:
- Analyze the video frames carefully. Describe the visual steps performed by the chef.
- Even if text/captions are missing, infer the recipe process from the actions shown.
- Do your best to identify ingredients visually if they are not listed.
- Only return "NO_RECIPE_FOUND" if the video is completely unrelated to cooking/food.
`

// OpenAI extracts recipes with the chat completions API. Videos are sent
// as a sample of still frames.
type OpenAI struct {
	Client    *openai.Client
	Model     string
	Frames    FrameSampler
	MaxFrames int
	MaxDim    int
	MaxImages int
	MaxTokens int
	Logger    *slog.Logger
}

// NewOpenAI builds an extractor. baseURL may be empty for the public API.
func NewOpenAI(apiKey, baseURL, model string, frames FrameSampler, logger *slog.Logger) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &OpenAI{
		Client:    openai.NewClientWithConfig(cfg),
		Model:     model,
		Frames:    frames,
		MaxFrames: 20,
		MaxDim:    512,
		MaxImages: 5,
		MaxTokens: 2000,
		Logger:    logger,
	}
}

func (o *OpenAI) ExtractFromVideo(ctx context.Context, videoPath, caption, author string) (*domain.RecipeData, error) {
	frames, err := o.Frames.SampleFrames(ctx, videoPath, o.MaxFrames, o.MaxDim)
	if err != nil {
		return nil, domain.Permanent(domain.KindExtraction, fmt.Errorf("sample frames: %w", err))
	}
	if len(frames) == 0 {
		return nil, domain.Permanent(domain.KindExtraction, errors.New("no frames extracted from video"))
	}

	images := make([]string, len(frames))
	for i, f := range frames {
		images[i] = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(f)
	}
	return o.ask(ctx, caption, author, images)
}

func (o *OpenAI) ExtractFromImages(ctx context.Context, images []string, caption, author string) (*domain.RecipeData, error) {
	if len(images) == 0 {
		return nil, domain.Permanent(domain.KindExtraction, errors.New("no images to extract from"))
	}
	if o.MaxImages > 0 && len(images) > o.MaxImages {
		images = images[:o.MaxImages]
	}
	return o.ask(ctx, caption, author, images)
}

func (o *OpenAI) ask(ctx context.Context, caption, author string, images []string) (*domain.RecipeData, error) {
	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: fmt.Sprintf(recipePrompt, author, caption),
	})
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: img, Detail: openai.ImageURLDetailAuto},
		})
	}

	o.log().Info("requesting recipe extraction", "model", o.Model, "images", len(images))

	resp, err := o.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		MaxTokens: o.MaxTokens,
	})
	if err != nil {
		return nil, domain.Permanent(domain.KindExtraction, fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, domain.Permanent(domain.KindExtraction, errors.New("model returned no choices"))
	}

	data, err := ParseRecipe(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, domain.Permanent(domain.KindExtraction, err)
	}
	return data, nil
}

func (o *OpenAI) log() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// ParseRecipe decodes a model answer into RecipeData. Missing collections
// decode as empty, a missing title as "Untitled Recipe".
func ParseRecipe(content string) (*domain.RecipeData, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if content == "" || strings.Contains(content, noRecipeSentinel) {
		return nil, ErrNoRecipe
	}

	var data domain.RecipeData
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if data.Title == "" && len(data.Ingredients) == 0 && len(data.Steps) == 0 {
		return nil, ErrNoRecipe
	}
	if data.Title == "" {
		data.Title = "Untitled Recipe"
	}
	if data.Ingredients == nil {
		data.Ingredients = []domain.Ingredient{}
	}
	if data.Steps == nil {
		data.Steps = []string{}
	}
	if data.Tags == nil {
		data.Tags = []string{}
	}
	return &data, nil
}
