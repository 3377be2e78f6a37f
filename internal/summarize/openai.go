package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/DeafMist/register-radar/internal/config"
)

var lengthGuide = map[Length]string{
	LengthShort:  "one short paragraph of at most three sentences",
	LengthMedium: "one paragraph",
	LengthLong:   "two or three paragraphs",
}

// OpenAI summarizes through any OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	client llms.Model
}

// NewOpenAI builds the client. An empty apiKey is sent as "none" for local
// servers that do not check it.
func NewOpenAI(baseURL, apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		apiKey = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(apiKey),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return &OpenAI{client: client}, nil
}

func systemPrompt(length Length) string {
	guide, ok := lengthGuide[length]
	if !ok {
		guide = lengthGuide[LengthShort]
	}
	return "You summarize abstracts of U.S. Federal Register documents. " +
		"Reply with " + guide + " of plain prose. Do not add facts that are not in the text."
}

// Summarize implements Summarizer.
func (o *OpenAI) Summarize(ctx context.Context, text string, length Length) (string, error) {
	content := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt(length))},
		},
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(text)},
		},
	}

	resp, err := o.client.GenerateContent(ctx, content, llms.WithTemperature(0.0))
	if err != nil {
		return "", &RemoteServiceError{Backend: config.SummarizerOpenAI, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &RemoteServiceError{Backend: config.SummarizerOpenAI, Err: errors.New("no choices returned")}
	}

	summary := strings.TrimSpace(resp.Choices[0].Content)
	if summary == "" {
		return "", &RemoteServiceError{Backend: config.SummarizerOpenAI, Err: errors.New("empty summary")}
	}
	return summary, nil
}
