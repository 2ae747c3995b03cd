package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/civic-connect/realtime-core/internal/llm"
	"github.com/civic-connect/realtime-core/internal/model"
)

const systemPrompt = `You triage citizen reports for a city services portal.
Classify the latest citizen message. Respond with one JSON object and nothing else:
{"category": "<pothole|streetlight|garbage|water|sewage|traffic|noise|graffiti|parks|other>",
 "priority": "<low|medium|high|urgent>",
 "confidence": <number between 0 and 1>,
 "reply": "<one or two friendly sentences acknowledging the report>"}`

// historyTurns bounds how many earlier messages are sent to the model.
const historyTurns = 10

// LLMClassifier classifies with a chat completion model.
type LLMClassifier struct {
	client llm.Client
	model  string
}

// NewLLMClassifier creates a classifier backed by an LLM client.
func NewLLMClassifier(client llm.Client, model string) *LLMClassifier {
	return &LLMClassifier{client: client, model: model}
}

// Name implements Classifier.
func (c *LLMClassifier) Name() string {
	return "llm-" + c.client.Name()
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, text string, history []model.Message) (*Result, error) {
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}

	messages := make([]llm.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		role := llm.RoleAssistant
		if m.Sender == model.SenderUser {
			role = llm.RoleUser
		}
		// Providers reject consecutive turns from the same role.
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content += "\n" + m.Body
			continue
		}
		if len(messages) == 0 && role != llm.RoleUser {
			continue
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: m.Body})
	}
	if n := len(messages); n > 0 && messages[n-1].Role == llm.RoleUser {
		messages[n-1].Content += "\n" + text
	} else {
		messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: text})
	}

	resp, err := c.client.Complete(ctx, &llm.CompletionRequest{
		Model:       c.model,
		System:      systemPrompt,
		Messages:    messages,
		MaxTokens:   300,
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}
	return parseResult(resp.Content)
}

// parseResult extracts the JSON object from a completion, tolerating code
// fences or prose around it.
func parseResult(content string) (*Result, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in completion")
	}

	var res Result
	if err := json.Unmarshal([]byte(content[start:end+1]), &res); err != nil {
		return nil, fmt.Errorf("failed to decode completion: %w", err)
	}
	res.Category = strings.ToLower(strings.TrimSpace(res.Category))
	res.Priority = strings.ToLower(strings.TrimSpace(res.Priority))
	return &res, nil
}
