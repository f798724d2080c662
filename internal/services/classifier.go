package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ruralpay/echobank/internal/session"
)

const classifierSystemPrompt = `You are a Nigerian banking voice assistant. Parse user commands for money transfers.

Extract these details:
- Intent: transfer, check_balance, view_recipients, view_transactions, add_recipient, cancel, confirm, start_over, provide_pin, unknown
- Recipient name (if mentioned)
- Amount (convert words to numbers: "five thousand" -> 5000)

Common Nigerian phrases:
- "Send" = transfer money
- "Naira" or "N" = NGN currency
- Numbers can be spoken: "five thousand naira" = 5000 NGN

Respond ONLY with valid JSON in this exact format:
{"intent": "transfer", "confidence": 0.95, "entities": {"recipient": "John", "amount": 5000}}

If user says numbers like "1-2-3-4", assume it's a PIN, return intent: "provide_pin"
If user says "confirm", "yes", "proceed", return intent: "confirm"
If user says "cancel", "stop", "no", return intent: "cancel"
If unclear, return intent: "unknown"`

// LLMClassifier asks an OpenAI-compatible chat completions endpoint for the
// intent. Any failure yields unknown with zero confidence so the caller falls
// back to the keyword scan.
type LLMClassifier struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewLLMClassifier(endpoint, apiKey, model string, timeout time.Duration) *LLMClassifier {
	return &LLMClassifier{
		endpoint:   strings.TrimRight(endpoint, "/") + "/chat/completions",
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type llmResult struct {
	Intent     string   `json:"intent"`
	Confidence *float64 `json:"confidence"`
	Entities   struct {
		Recipient string          `json:"recipient"`
		Amount    json.RawMessage `json:"amount"`
	} `json:"entities"`
}

func (c *LLMClassifier) Classify(ctx context.Context, text string, state session.State) (*Classification, error) {
	result, err := c.classify(ctx, text, state)
	if err != nil {
		log.Printf("[CLASSIFIER] Falling back to unknown: %v", err)
		return &Classification{Intent: IntentUnknown}, nil
	}
	return result, nil
}

func (c *LLMClassifier) classify(ctx context.Context, text string, state session.State) (*Classification, error) {
	userPrompt := fmt.Sprintf("User said: '%s'", text)
	if state != "" {
		userPrompt += fmt.Sprintf("\n\nContext: {\"state\": %q}", string(state))
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.3,
		MaxTokens:   200,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, fmt.Errorf("invalid classifier response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("classifier returned no choices")
	}

	var parsed llmResult
	if err := json.Unmarshal([]byte(extractJSON(chat.Choices[0].Message.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("classifier content is not JSON: %w", err)
	}

	out := &Classification{
		Intent:     ParseIntent(parsed.Intent),
		Confidence: 0.5,
		Entities:   ClassifiedEntities{Recipient: strings.TrimSpace(parsed.Entities.Recipient)},
	}
	if parsed.Confidence != nil {
		out.Confidence = *parsed.Confidence
	}
	if amount := strings.Trim(string(parsed.Entities.Amount), `"`); amount != "" && amount != "null" {
		out.Entities.Amount = parseAmount(amount)
	}
	return out, nil
}

// extractJSON strips markdown code fences models tend to wrap answers in
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if _, after, ok := strings.Cut(content, "```json"); ok {
		content = after
	} else if _, after, ok := strings.Cut(content, "```"); ok {
		content = after
	}
	if before, _, ok := strings.Cut(content, "```"); ok {
		content = before
	}
	return strings.TrimSpace(content)
}
