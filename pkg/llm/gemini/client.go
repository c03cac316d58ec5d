package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/iterator"
	"google.golang.org/genai"

	"github.com/SSR3-FinalPj/AI-auto/pkg/config"
	"github.com/SSR3-FinalPj/AI-auto/pkg/llm"
	"github.com/SSR3-FinalPj/AI-auto/pkg/tracker"
)

const defaultModel = "gemini-2.5-flash-lite"

// Client implements llm.Provider for Google Gemini.
type Client struct {
	genaiClient *genai.Client
	apiKey      string
	modelName   string
	profiles    map[string]string // Map intent -> modelName
	timeout     time.Duration
	baseURL     string
	tracker     *tracker.Tracker
	logPath     string

	mu sync.RWMutex
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// NewClient creates a new Gemini client. A missing key yields an unconfigured
// client whose calls fail with llm.ErrNotConfigured.
func NewClient(cfg config.LLMConfig, logPath string, t *tracker.Tracker, opts ...Option) (*Client, error) {
	c := &Client{tracker: t, logPath: logPath}
	for _, o := range opts {
		o(c)
	}
	if err := c.Configure(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Configure updates the client with new settings.
func (c *Client) Configure(cfg config.LLMConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.apiKey = cfg.Key
	c.modelName = cfg.Model
	c.profiles = cfg.Profiles
	c.timeout = cfg.Timeout.Std()

	if c.modelName == "" {
		c.modelName = defaultModel
	}

	if c.apiKey == "" {
		c.genaiClient = nil
		return nil
	}

	cc := &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if c.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return fmt.Errorf("failed to create genai client: %w", err)
	}
	c.genaiClient = client
	return nil
}

// Close cleans up resources.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.genaiClient = nil
}

// HasProfile reports whether an intent has its own model.
func (c *Client) HasProfile(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.profiles[name]
	return ok
}

// GenerateText sends a prompt with a system instruction and returns the text response.
func (c *Client) GenerateText(ctx context.Context, name, system, prompt string) (string, error) {
	c.mu.RLock()
	client := c.genaiClient
	timeout := c.timeout
	c.mu.RUnlock()

	if client == nil {
		return "", llm.ErrNotConfigured
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	modelName := c.resolveModel(name)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := client.Models.GenerateContent(ctx, modelName, genai.Text(prompt), cfg)
	if err != nil {
		c.logPrompt(name, prompt, fmt.Sprintf("ERROR: %v", err))
		c.trackFailure()
		return "", fmt.Errorf("generate text error: %w", err)
	}

	text, err := getResponseText(resp)
	if err != nil {
		c.logPrompt(name, prompt, fmt.Sprintf("TEXT_PARSE_ERROR: %v", err))
		c.trackFailure()
		return "", err
	}

	c.logPrompt(name, prompt, text)
	if c.tracker != nil {
		c.tracker.TrackAPISuccess("gemini")
	}
	return text, nil
}

// HealthCheck verifies the key and the configured model.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	client := c.genaiClient
	c.mu.RUnlock()

	if client == nil {
		return llm.ErrNotConfigured
	}
	return c.validateModel(ctx, client)
}

func (c *Client) resolveModel(intent string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.profiles[intent]; ok && m != "" {
		return m
	}
	return c.modelName
}

func (c *Client) trackFailure() {
	if c.tracker != nil {
		c.tracker.TrackAPIFailure("gemini")
	}
}

func (c *Client) logPrompt(name, prompt, response string) {
	if c.logPath == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(c.logPath), 0o755); err != nil {
		return
	}

	f, err := os.OpenFile(c.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	entry := fmt.Sprintf("[%s] PROMPT: %s\nPROMPT_TEXT:\n%s\n\nRESPONSE:\n%s\n%s\n",
		timestamp, name, prompt, wordWrap(response, 80), strings.Repeat("-", 80))

	_, _ = f.WriteString(entry)
}

func getResponseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", fmt.Errorf("empty candidate (finish reason %s)", cand.FinishReason)
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", fmt.Errorf("empty response text")
	}
	return sb.String(), nil
}

func wordWrap(text string, width int) string {
	if width <= 0 {
		return text
	}

	var result strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			result.WriteString("\n")
		}

		lineLen := 0
		for j, word := range strings.Fields(line) {
			if j > 0 {
				if lineLen+len(word)+1 > width {
					result.WriteString("\n")
					lineLen = 0
				} else {
					result.WriteString(" ")
					lineLen++
				}
			}
			result.WriteString(word)
			lineLen += len(word)
		}
	}
	return result.String()
}

// validateModel checks if the configured model is available for the API key.
// On failure the available gemini models are logged to help fix the config.
func (c *Client) validateModel(ctx context.Context, client *genai.Client) error {
	name := c.resolveModel("")
	if !strings.HasPrefix(name, "models/") {
		name = "models/" + name
	}

	_, err := client.Models.Get(ctx, name, nil)
	if err == nil {
		slog.Debug("Gemini model validation success", "model", name)
		return nil
	}

	slog.Warn("Gemini model validation failed, fetching available models...", "model", name, "error", err)

	page, listErr := client.Models.List(ctx, nil)
	if listErr != nil {
		return fmt.Errorf("model %s unavailable: %w", name, err)
	}

	var available []string
	for {
		for _, m := range page.Items {
			if m != nil && strings.Contains(strings.ToLower(m.Name), "gemini") {
				available = append(available, m.Name)
			}
		}
		var nextErr error
		page, nextErr = page.Next(ctx)
		if errors.Is(nextErr, genai.ErrPageDone) || errors.Is(nextErr, iterator.Done) || nextErr != nil {
			break
		}
	}

	slog.Error("Configured model not found", "configured", name, "available", available)
	return fmt.Errorf("model %s unavailable: %w", name, err)
}
