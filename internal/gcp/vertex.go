package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/gabriel-vasile/mimetype"
)

// --- Vision Model Prompts ---
const VisionSystemPrompt = "You are an image captioning assistant. Describe what is visible in the image plainly and accurately, without speculation about anything that is not shown."
const VisionUserPrompt = "Describe this image"

// MaxDescriptionTokens bounds the length of a generated description.
const MaxDescriptionTokens = 512

// VertexClient holds the pre-configured vision model.
type VertexClient struct {
	VisionModel *genai.GenerativeModel
	baseClient  *genai.Client
}

// NewVertexClient creates a new client holding the vision model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		return nil, fmt.Errorf("NewVertexClient: modelName cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	visionModel := baseClient.GenerativeModel(modelName)
	visionModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(VisionSystemPrompt)},
	}
	visionModel.SetMaxOutputTokens(MaxDescriptionTokens)
	visionModel.SetTemperature(0.2)

	return &VertexClient{
		VisionModel: visionModel,
		baseClient:  baseClient,
	}, nil
}

// DescribeImage sends the raw image bytes and prompt to the vision model and
// returns the generated text. An empty string means the model produced no
// text part.
func (c *VertexClient) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	imagePart := genai.Blob{
		MIMEType: mimetype.Detect(image).String(),
		Data:     image,
	}

	resp, err := c.VisionModel.GenerateContent(ctx, imagePart, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate description from gemini: %w", err)
	}
	return extractDescription(resp), nil
}

// extractDescription concatenates the text parts of the first candidate.
func extractDescription(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}

	var description strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			description.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(description.String())
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
