package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const extractSystem = `You distill chat exchanges into durable facts about the user.
Extract only stable, reusable facts (preferences, projects, context that will
matter in future conversations). Ignore pleasantries and one-off requests.
Output one fact per line, plain text, no numbering. Output NOTHING if the
exchange contains no durable facts.`

const maxFactLen = 300

// Extractor distills exchanges into facts using a small LLM call.
type Extractor struct {
	client *anthropic.Client
	model  string
}

// NewExtractor creates an extractor. model defaults to a fast tier when empty.
func NewExtractor(apiKey, model string) *Extractor {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	if model == "" {
		model = "claude-haiku-4-5"
	}
	return &Extractor{client: &client, model: model}
}

// Extract returns the durable facts from one user/assistant exchange.
// A nil slice means the exchange carried nothing worth remembering.
func (e *Extractor) Extract(ctx context.Context, userText, assistantText string) ([]string, error) {
	prompt := fmt.Sprintf("User: %s\n\nAssistant: %s", userText, assistantText)

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: 512,
		System:    []anthropic.TextBlockParam{{Text: extractSystem}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += textBlock.Text
		}
	}

	var facts []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if line == "" {
			continue
		}
		if len(line) > maxFactLen {
			line = line[:maxFactLen]
		}
		facts = append(facts, line)
	}
	return facts, nil
}

// Fallback produces a single truncated fact from the raw user text.
// Used when the extractor is unavailable so capture still degrades
// gracefully instead of losing the exchange entirely.
func Fallback(userText string) string {
	userText = strings.TrimSpace(userText)
	if len(userText) > maxFactLen {
		userText = userText[:maxFactLen]
	}
	return userText
}
