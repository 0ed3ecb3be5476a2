package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"agentfleet/internal/model"
	"agentfleet/internal/policy"
)

// Client is the completion interface the scheduler and critique gate consume.
// The model class is resolved to a concrete model name by the implementation.
type Client interface {
	Complete(ctx context.Context, systemPrompt string, userPrompt string, class model.ModelClass) (string, error)
}

// OpenRouterClient talks to an OpenRouter-compatible chat completions
// endpoint and asks for JSON-object responses.
type OpenRouterClient struct {
	cfg        policy.Config
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewOpenRouterClient(cfg policy.Config) (*OpenRouterClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.LLM.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("llm base_url is empty")
	}
	apiKey := strings.TrimSpace(os.Getenv(cfg.LLM.APIKeyEnv))
	if apiKey == "" {
		return nil, errors.Errorf("api key env %s is not set", cfg.LLM.APIKeyEnv)
	}
	timeout := time.Duration(cfg.LLM.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &OpenRouterClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenRouterClient) Complete(ctx context.Context, systemPrompt string, userPrompt string, class model.ModelClass) (string, error) {
	request := chatRequest{
		Model: policy.ModelFor(c.cfg, class),
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	request.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(request)
	if err != nil {
		return "", errors.Wrap(err, "marshal completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "build completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "completion request failed")
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 4*1024*1024))
	if err != nil {
		return "", errors.Wrap(err, "read completion response")
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", errors.Errorf("completion endpoint returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errors.Wrap(err, "parse completion response")
	}
	if parsed.Error != nil {
		return "", errors.Errorf("completion error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("completion response has no choices")
	}
	return StripCodeFences(parsed.Choices[0].Message.Content), nil
}

// StripCodeFences removes a surrounding markdown code block, if present.
// Models asked for raw JSON still wrap it in fences often enough to matter.
func StripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```json") && strings.HasSuffix(trimmed, "```") {
		return strings.TrimSpace(trimmed[len("```json") : len(trimmed)-3])
	}
	if strings.HasPrefix(trimmed, "```") && strings.HasSuffix(trimmed, "```") {
		return strings.TrimSpace(trimmed[3 : len(trimmed)-3])
	}
	return trimmed
}

// ExtractJSONObject finds the outermost parseable JSON object inside noisy
// model output.
func ExtractJSONObject(output string) ([]byte, bool) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start == -1 || end == -1 || end < start {
		return nil, false
	}
	for i := end; i > start; i-- {
		candidate := strings.TrimSpace(output[start : i+1])
		var tmp map[string]any
		if err := json.Unmarshal([]byte(candidate), &tmp); err == nil {
			return []byte(candidate), true
		}
	}
	return nil, false
}
