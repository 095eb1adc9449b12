package extraction

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
)

// ModelService is the logical request/response contract the extractor
// depends on. Authentication and transport belong to the implementation.
type ModelService interface {
	// Complete sends a prompt and returns the raw completion content.
	Complete(ctx context.Context, prompt string) (string, error)

	// Embed returns a dense vector for the text with the requested
	// dimension. The caller validates the returned dimension.
	Embed(ctx context.Context, text string, dimension int) ([]float32, error)
}

// Client implements ModelService against the OpenAI API.
type Client struct {
	client         *openai.Client
	chatModel      string
	embeddingModel string
}

// NewClient creates a model service client. It reads OPENAI_API_KEY from
// the environment and returns an error if not set.
func NewClient(chatModel, embeddingModel string) (*Client, error) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	// openai-go automatically reads OPENAI_API_KEY from environment
	client := openai.NewClient()

	if chatModel == "" {
		chatModel = openai.ChatModelGPT4o
	}
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}

	return &Client{
		client:         &client,
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
	}, nil
}

// Complete sends a prompt expecting a JSON object answer.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: c.chatModel,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed generates a dense embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string, dimension int) ([]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
		Model:      c.embeddingModel,
		Dimensions: openai.Int(int64(dimension)),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

// toFloat32 converts the API's float64 vector to float32 for storage.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
