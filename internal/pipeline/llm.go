package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Responder generates the assistant reply for one user input.
type Responder interface {
	Respond(ctx context.Context, input string, contextLines []string, temperature float64) (string, error)
}

// LLMStage populates the turn response text from its transcript.
type LLMStage struct {
	responder Responder
}

func NewLLMStage(r Responder) *LLMStage {
	return &LLMStage{responder: r}
}

func (s *LLMStage) Kind() StageKind { return KindLLM }

func (s *LLMStage) Process(ctx context.Context, t *Turn, opts Options) error {
	input := strings.TrimSpace(t.Transcript)
	if input == "" {
		return errors.New("no transcript to respond to")
	}
	text, err := s.responder.Respond(ctx, input, opts.Context, opts.Temperature)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty model response")
	}
	t.ResponseText = text
	return nil
}

// HTTPResponder talks to an OpenAI-compatible chat completions endpoint
// (local Ollama-style servers included).
type HTTPResponder struct {
	apiBase      string
	apiKey       string
	model        string
	maxTokens    int
	systemPrompt string
	client       *http.Client
}

type HTTPResponderConfig struct {
	APIBase      string
	APIKey       string
	Model        string
	MaxTokens    int
	SystemPrompt string
	Timeout      time.Duration
}

func NewHTTPResponder(cfg HTTPResponderConfig) (*HTTPResponder, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		return nil, errors.New("llm api base is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 150
	}
	return &HTTPResponder{
		apiBase:      base,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		model:        cfg.Model,
		maxTokens:    maxTokens,
		systemPrompt: strings.TrimSpace(cfg.SystemPrompt),
		client:       &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *HTTPResponder) Respond(ctx context.Context, input string, contextLines []string, temperature float64) (string, error) {
	messages := make([]chatMessage, 0, len(contextLines)+2)
	if r.systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: r.systemPrompt})
	}
	for _, line := range contextLines {
		role, content := splitContextLine(line)
		messages = append(messages, chatMessage{Role: role, Content: content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: input})

	payload, err := json.Marshal(chatCompletionRequest{
		Model:       r.model,
		Messages:    messages,
		MaxTokens:   r.maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	res, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("llm http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("llm error: %s", decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

// splitContextLine maps a "role: text" history line onto a chat message.
func splitContextLine(line string) (string, string) {
	if idx := strings.Index(line, ": "); idx > 0 {
		role := strings.ToLower(strings.TrimSpace(line[:idx]))
		if role == "user" || role == "assistant" || role == "system" {
			return role, strings.TrimSpace(line[idx+2:])
		}
	}
	return "user", strings.TrimSpace(line)
}
