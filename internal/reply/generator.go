// Package reply produces the assistant's conversational answer to a
// resolved transcript.
package reply

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultPersona is the fixed system instruction configuring tone.
const DefaultPersona = "You are a helpful, calm customer-service assistant. Be concise, friendly, and solution-focused."

// FallbackReply is returned when the model comes back empty, so the
// pipeline never halts on an empty completion.
const FallbackReply = "Thanks for reaching out! How can I help today?"

// Generator asks a chat-completion model for a reply. Generate always
// returns non-empty text on success.
type Generator struct {
	client      *openai.Client
	model       string
	temperature float32
	persona     string
}

func NewGenerator(client *openai.Client, persona string) *Generator {
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	return &Generator{
		client:      client,
		model:       openai.GPT4o,
		temperature: 0.4,
		persona:     persona,
	}
}

func (g *Generator) Generate(ctx context.Context, transcript string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.persona},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if text == "" {
		return FallbackReply, nil
	}
	return text, nil
}
