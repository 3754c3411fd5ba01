package completion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/uxsim/observability"
)

// Config configures the OpenAI-compatible HTTP client.
type Config struct {
	BaseURL       string
	APIKey        string
	DefaultModel  string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	MaxTokens     int
	Temperature   float32
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:8000"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 4
	}
	if c.Burst <= 0 {
		c.Burst = 4
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1200
	}
}

// Client talks to any server exposing /v1/chat/completions.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics observability.Recorder
}

// NewClient creates a client. Calls are rate-limited process-wide by the
// configured rate and bounded by the configured timeout.
func NewClient(cfg Config, logger *slog.Logger, metrics observability.Recorder) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Discard
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger,
		metrics: metrics,
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float32         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// CompleteJSON asks for a JSON object.
func (c *Client) CompleteJSON(ctx context.Context, req Request) (map[string]any, error) {
	text, err := c.chat(ctx, req.Model, jsonSystem(req), []contentPart{{Type: "text", Text: req.Prompt}}, true)
	if err != nil {
		return nil, err
	}
	return ParseObject(text)
}

// CompleteJSONWithImage asks for a JSON object about an image.
func (c *Client) CompleteJSONWithImage(ctx context.Context, image []byte, req Request) (map[string]any, error) {
	parts := []contentPart{
		{Type: "text", Text: req.Prompt},
		{Type: "image_url", ImageURL: &imageURL{URL: dataURL(image)}},
	}
	text, err := c.chat(ctx, req.Model, jsonSystem(req), parts, true)
	if err != nil {
		return nil, err
	}
	return ParseObject(text)
}

// DescribeImage returns a free-text description of an image.
func (c *Client) DescribeImage(ctx context.Context, image []byte, prompt, model string) (string, error) {
	parts := []contentPart{
		{Type: "text", Text: prompt},
		{Type: "image_url", ImageURL: &imageURL{URL: dataURL(image)}},
	}
	text, err := c.chat(ctx, model, "", parts, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) chat(ctx context.Context, model, system string, user []contentPart, jsonMode bool) (string, error) {
	if model == "" {
		model = c.cfg.DefaultModel
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("completion: rate limit: %w", err)
	}

	req := chatRequest{
		Model:       model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: []contentPart{{Type: "text", Text: system}}})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: user})
	if jsonMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("completion: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("completion: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion: request failed: %w", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)
	c.metrics.Observe(observability.MetricCompletionLatencyMs, float64(elapsed.Milliseconds()), "milliseconds",
		map[string]string{"model": model, "status": fmt.Sprint(resp.StatusCode)})

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("completion: http error", "status", resp.StatusCode, "model", model, "duration", elapsed)
		return "", fmt.Errorf("completion: provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("completion: decode response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	c.logger.Debug("completion: response received",
		"model", model,
		"duration", elapsed,
		"tokens", out.Usage.TotalTokens,
		"finish_reason", out.Choices[0].FinishReason)
	return out.Choices[0].Message.Content, nil
}

func jsonSystem(req Request) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond with a single JSON object and nothing else.")
	if req.Schema != "" {
		b.WriteString(" The object must match this schema:\n")
		b.WriteString(req.Schema)
	}
	return b.String()
}

func dataURL(image []byte) string {
	mime := http.DetectContentType(image)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}

// ParseObject extracts a JSON object from model text. Markdown fences and
// surrounding prose are stripped; syntactically broken JSON (trailing
// commas, single quotes, truncated braces) goes through jsonrepair.
func ParseObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}
	text = stripFences(text)
	if i := strings.IndexByte(text, '{'); i > 0 {
		text = text[i:]
	}
	if j := strings.LastIndexByte(text, '}'); j >= 0 && j < len(text)-1 {
		text = text[:j+1]
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj, nil
	}
	fixed, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	if err := json.Unmarshal([]byte(fixed), &obj); err != nil || obj == nil {
		return nil, ErrNotJSON
	}
	return obj, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
