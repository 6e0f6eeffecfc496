package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/deedflow/config"
	"github.com/mohammad-safakhou/deedflow/internal/intel"
)

const defaultAPIURL = "https://api.openai.com/v1/chat/completions"

// Page is the slice of the browser session the intelligence backend needs.
type Page interface {
	Evaluate(ctx context.Context, expression string, out interface{}) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	PressEnter(ctx context.Context, selector string) error
}

// Client implements intel.Intelligence against OpenAI's chat API. Model
// output is treated as unreliable: garbage or empty replies surface as
// empty results, never as errors.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	maxElements int
	page        Page
	httpClient  *http.Client
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewClient creates an OpenAI-backed intelligence over the given page.
func NewClient(cfg config.IntelligenceConfig, page Page) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		model:       model,
		maxElements: cfg.MaxElements,
		page:        page,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Observe asks the model which page elements match the description.
func (c *Client) Observe(ctx context.Context, description string) ([]intel.Observation, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	system := "You locate elements on a web page. Given a description and the page state, " +
		"return ONLY JSON: {\"elements\":[{\"description\":\"...\",\"selector\":\"...\",\"action\":\"click|type|press_enter\"}]}. " +
		"Return {\"elements\":[]} when nothing matches. No explanations."
	content, err := c.chat(ctx, system, observeUserPrompt(description, snap))
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Elements []intel.Observation `json:"elements"`
	}
	if err := json.Unmarshal([]byte(intel.ExtractJSONObject(content)), &decoded); err != nil {
		// Garbage reply counts as "nothing found".
		return nil, nil
	}
	cleaned := decoded.Elements[:0]
	for _, obs := range decoded.Elements {
		if strings.TrimSpace(obs.Selector) == "" {
			continue
		}
		cleaned = append(cleaned, obs)
	}
	return cleaned, nil
}

// Extract asks the model to read data off the page per the instruction.
func (c *Client) Extract(ctx context.Context, instruction, schema string) (string, error) {
	var text string
	if err := c.page.Evaluate(ctx, `document.body ? document.body.innerText : ""`, &text); err != nil {
		return "", err
	}
	system := "You extract data from web page text. Follow the instruction exactly. " +
		"If the requested data is not present, return an empty string. No explanations."
	if strings.TrimSpace(schema) != "" {
		system += " Return ONLY JSON matching this shape: " + schema
	}
	user := "Instruction:\n" + strings.TrimSpace(instruction) + "\n\nPage text:\n" + trimSnippet(text, 12000)
	content, err := c.chat(ctx, system, user)
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if strings.TrimSpace(schema) != "" {
		content = intel.ExtractJSONObject(content)
	}
	return content, nil
}

// Act resolves the described action to a concrete element and performs it.
func (c *Client) Act(ctx context.Context, action string) error {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return err
	}
	system := "You drive a web page. Given an action description and the page state, " +
		"return ONLY JSON: {\"selector\":\"...\",\"action\":\"click|type|press_enter\",\"text\":\"...\"}. " +
		"text is required only for type. No explanations."
	content, err := c.chat(ctx, system, observeUserPrompt(action, snap))
	if err != nil {
		return err
	}
	var decoded struct {
		Selector string `json:"selector"`
		Action   string `json:"action"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal([]byte(intel.ExtractJSONObject(content)), &decoded); err != nil {
		return fmt.Errorf("act %q: unusable model reply", action)
	}
	selector := strings.TrimSpace(decoded.Selector)
	if selector == "" {
		return fmt.Errorf("act %q: no element resolved", action)
	}
	switch strings.ToLower(strings.TrimSpace(decoded.Action)) {
	case "type":
		return c.page.Type(ctx, selector, decoded.Text)
	case "press_enter":
		return c.page.PressEnter(ctx, selector)
	default:
		return c.page.Click(ctx, selector)
	}
}

func observeUserPrompt(goal string, snap pageSnapshot) string {
	packet, _ := json.Marshal(snap)
	return "Goal:\n" + trimSnippet(goal, 220) + "\n\nPage state JSON:\n" + string(packet)
}

func (c *Client) chat(ctx context.Context, system, user string) (string, error) {
	payload := chatRequest{
		Model:       c.model,
		Temperature: 0.1,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat completion status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

var _ intel.Intelligence = (*Client)(nil)
