package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/comment-ai-tgbot-go/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Service is the generation API collaborator. GenerateComments returns
// several comment variants for the given input, together with the
// generation context used for later rating and improvement.
type Service interface {
	GenerateComments(ctx context.Context, req Request) (*models.GenerationContext, error)
	GetAvailableModels() []ModelOption
	GetModelByID(modelID string) (*ModelOption, error)
	GetPersonality(id string) (*config.Personality, error)
	Personalities() []config.Personality
}

// Request describes one generation call.
type Request struct {
	Input       string
	Personality string
	Model       string
	ChatID      int64
	// Improvement carries the user's improvement request when
	// regenerating from an earlier event.
	Improvement string
	// Previous holds the variants of the event being improved.
	Previous []string
}

// ModelOption represents a model with its endpoint binding.
type ModelOption struct {
	ID           string
	Name         string
	EndpointName string
	MaxTokens    int
}

// Client implements Service against OpenAI-compatible endpoints with
// bounded retries.
type Client struct {
	cfg           *config.ModelsConfig
	gen           config.GenerationConfig
	endpoints     map[string]*config.Endpoint
	models        map[string]*ModelOption
	personalities map[string]*config.Personality
	httpClient    *http.Client
	logger        *logrus.Logger
}

// NewClient builds the model and personality registries from config.
func NewClient(cfg *config.ModelsConfig, gen config.GenerationConfig, logger *logrus.Logger) Service {
	endpoints := make(map[string]*config.Endpoint)
	modelOpts := make(map[string]*ModelOption)
	personalities := make(map[string]*config.Personality)

	for i := range cfg.Endpoints {
		endpoint := &cfg.Endpoints[i]
		endpoints[endpoint.Name] = endpoint
		for j := range endpoint.Models {
			model := &endpoint.Models[j]
			modelOpts[model.ID] = &ModelOption{
				ID:           model.ID,
				Name:         model.Name,
				EndpointName: endpoint.Name,
				MaxTokens:    model.MaxTokens,
			}
		}
	}

	for i := range cfg.Personalities {
		p := &cfg.Personalities[i]
		personalities[p.ID] = p
	}

	logger.WithFields(logrus.Fields{
		"endpoints":     len(endpoints),
		"models":        len(modelOpts),
		"personalities": len(personalities),
	}).Info("Generation service initialized")

	return &Client{
		cfg:           cfg,
		gen:           gen,
		endpoints:     endpoints,
		models:        modelOpts,
		personalities: personalities,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger,
	}
}

// GenerateComments calls the generation API with bounded retries.
// Failed attempts are logged and retried with an increasing delay
// (attempt index times the base delay); only the final failure is
// surfaced. Client errors (4xx) are never retried.
func (c *Client) GenerateComments(ctx context.Context, req Request) (*models.GenerationContext, error) {
	prompt, err := c.buildMessages(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.gen.MaxRetries; attempt++ {
		text, err := c.complete(ctx, prompt, req.Model, attempt)
		if err == nil {
			return &models.GenerationContext{
				EventID:     uuid.NewString(),
				Input:       req.Input,
				Personality: req.Personality,
				Model:       req.Model,
				ChatID:      req.ChatID,
				Variants:    parseVariants(text),
			}, nil
		}

		lastErr = err
		if isClientError(err) {
			break
		}

		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"model":   req.Model,
			"error":   err.Error(),
		}).Warn("Generation request failed, retrying")

		if attempt < c.gen.MaxRetries {
			wait := time.Duration(attempt) * c.gen.RetryBaseDelay
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	return nil, fmt.Errorf("generation failed after %d attempts: %w", c.gen.MaxRetries, lastErr)
}

// clientError marks non-retryable API failures.
type clientError struct {
	status int
	body   string
}

func (e *clientError) Error() string {
	return fmt.Sprintf("generation request rejected with status %d: %s", e.status, e.body)
}

func isClientError(err error) bool {
	var ce *clientError
	return errors.As(err, &ce)
}

func (c *Client) buildMessages(req Request) ([]models.Message, error) {
	// An empty personality id means none are configured; fall back to a
	// neutral style instead of failing the request.
	prompt := "You write thoughtful, natural comments replying to the text you are given."
	if req.Personality != "" {
		personality, err := c.GetPersonality(req.Personality)
		if err != nil {
			return nil, err
		}
		prompt = personality.Prompt
	}

	variants := c.cfg.Variants
	if variants <= 0 {
		variants = 3
	}

	system := fmt.Sprintf(
		"%s\n\nWrite %d distinct comment variants replying to the text the user sends. "+
			"Number each variant on its own line as \"1.\", \"2.\" and so on, with no other commentary.",
		prompt, variants)

	msgs := []models.Message{{Role: "system", Content: system}}

	if req.Improvement != "" && len(req.Previous) > 0 {
		msgs = append(msgs,
			models.Message{Role: "user", Content: req.Input},
			models.Message{Role: "assistant", Content: joinNumbered(req.Previous)},
			models.Message{Role: "user", Content: "Rework the variants with this in mind: " + req.Improvement},
		)
	} else {
		msgs = append(msgs, models.Message{Role: "user", Content: req.Input})
	}

	return msgs, nil
}

func joinNumbered(variants []string) string {
	var b strings.Builder
	for i, v := range variants {
		fmt.Fprintf(&b, "%d. %s\n", i+1, v)
	}
	return b.String()
}

var variantLine = regexp.MustCompile(`^\s*\d+[.)]\s*(.+)$`)

// parseVariants splits a numbered-list completion into variants,
// falling back to the whole text as a single variant.
func parseVariants(text string) []string {
	var variants []string
	for _, line := range strings.Split(text, "\n") {
		if m := variantLine.FindStringSubmatch(line); m != nil {
			variants = append(variants, strings.TrimSpace(m[1]))
		}
	}
	if len(variants) == 0 {
		trimmed := strings.TrimSpace(text)
		if trimmed != "" {
			variants = []string{trimmed}
		}
	}
	return variants
}

// complete performs a single chat-completions attempt.
func (c *Client) complete(ctx context.Context, messages []models.Message, modelID string, attempt int) (string, error) {
	modelOption, err := c.GetModelByID(modelID)
	if err != nil {
		return "", err
	}

	endpoint, exists := c.endpoints[modelOption.EndpointName]
	if !exists {
		return "", fmt.Errorf("endpoint not found: %s", modelOption.EndpointName)
	}

	reqBody := map[string]interface{}{
		"model":       modelID,
		"messages":    messages,
		"max_tokens":  modelOption.MaxTokens,
		"temperature": 0.8,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.gen.RequestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(endpoint.BaseURL, "/"))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)

	c.logger.WithFields(logrus.Fields{
		"model":    modelID,
		"endpoint": endpoint.Name,
		"attempt":  attempt,
	}).Debug("Sending generation request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", &clientError{status: resp.StatusCode, body: string(body)}
		}
		return "", fmt.Errorf("generation request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("generation API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty completion")
	}

	return result.Choices[0].Message.Content, nil
}

// GetAvailableModels returns all configured models.
func (c *Client) GetAvailableModels() []ModelOption {
	options := make([]ModelOption, 0, len(c.models))
	for _, model := range c.models {
		options = append(options, *model)
	}
	return options
}

// GetModelByID returns a model by its ID.
func (c *Client) GetModelByID(modelID string) (*ModelOption, error) {
	model, exists := c.models[modelID]
	if !exists {
		return nil, fmt.Errorf("model not found: %s", modelID)
	}
	return model, nil
}

// GetPersonality returns a personality by id.
func (c *Client) GetPersonality(id string) (*config.Personality, error) {
	p, exists := c.personalities[id]
	if !exists {
		return nil, fmt.Errorf("personality not found: %s", id)
	}
	return p, nil
}

// Personalities returns the configured comment styles.
func (c *Client) Personalities() []config.Personality {
	return c.cfg.Personalities
}
