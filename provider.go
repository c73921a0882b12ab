package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Provider is the capability the council needs from an LLM backend: query one
// named model with a message list, enumerate models, and report availability.
type Provider interface {
	QueryModel(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (*ModelReply, error)
	ListModels(ctx context.Context) ([]string, error)
	IsAvailable(ctx context.Context) bool
	Name() string
}

// Current provider, switched through the config API.
var (
	providerMu      sync.RWMutex
	currentProvider Provider
)

// SetProvider installs the active provider.
func SetProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	currentProvider = p
}

// CurrentProvider returns the active provider (may be nil before startup).
func CurrentProvider() Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return currentProvider
}

// OpenRouterProvider queries models through the OpenRouter chat completions API.
type OpenRouterProvider struct {
	APIKey string
	APIURL string
}

// NewOpenRouterProvider creates an OpenRouter provider with the given API key.
func NewOpenRouterProvider(apiKey, apiURL string) *OpenRouterProvider {
	return &OpenRouterProvider{APIKey: apiKey, APIURL: apiURL}
}

// openRouterRequest represents a request to the OpenRouter API
type openRouterRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// openRouterAPIResponse represents the full OpenRouter API response structure
type openRouterAPIResponse struct {
	Choices []struct {
		Message struct {
			Content          string      `json:"content"`
			ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }

// QueryModel queries a single model via the OpenRouter API with the given timeout.
// Returns the model's reply or an error if the request fails or the reply is empty.
func (p *OpenRouterProvider) QueryModel(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (*ModelReply, error) {
	client := &http.Client{
		Timeout: timeout,
	}

	payload := openRouterRequest{
		Model:    model,
		Messages: messages,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.APIURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var apiResponse openRouterAPIResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(apiResponse.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	message := apiResponse.Choices[0].Message
	if strings.TrimSpace(message.Content) == "" {
		return nil, fmt.Errorf("empty content from %s", model)
	}

	return &ModelReply{
		Content:          message.Content,
		ReasoningDetails: message.ReasoningDetails,
	}, nil
}

// ListModels returns a curated list of OpenRouter models. OpenRouter exposes
// hundreds of models; the council only offers the ones worth seating.
func (p *OpenRouterProvider) ListModels(ctx context.Context) ([]string, error) {
	return []string{
		"openai/gpt-5.1",
		"openai/gpt-4o",
		"anthropic/claude-sonnet-4.5",
		"anthropic/claude-3.5-sonnet",
		"google/gemini-3-pro-preview",
		"google/gemini-2.5-flash",
		"x-ai/grok-4",
		"meta-llama/llama-3-70b-instruct",
		"mistralai/mistral-large",
	}, nil
}

// IsAvailable reports whether OpenRouter can be used (an API key is configured).
func (p *OpenRouterProvider) IsAvailable(ctx context.Context) bool {
	return p.APIKey != ""
}

// OllamaProvider queries models on a local Ollama instance.
type OllamaProvider struct {
	BaseURL string
}

// NewOllamaProvider creates an Ollama provider for the given base URL.
func NewOllamaProvider(baseURL string) *OllamaProvider {
	return &OllamaProvider{BaseURL: baseURL}
}

// ollamaChatRequest represents a request to the Ollama chat API
type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ollamaChatResponse represents a non-streaming Ollama chat response
type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// ollamaTagsResponse represents the Ollama model listing response
type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (p *OllamaProvider) Name() string { return "ollama" }

// QueryModel queries a single model via the Ollama chat API with the given timeout.
func (p *OllamaProvider) QueryModel(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (*ModelReply, error) {
	client := &http.Client{
		Timeout: timeout,
	}

	payload := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.BaseURL+"/api/chat", bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var chatResponse ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if strings.TrimSpace(chatResponse.Message.Content) == "" {
		return nil, fmt.Errorf("empty content from %s", model)
	}

	// Ollama does not expose reasoning details
	return &ModelReply{
		Content: chatResponse.Message.Content,
	}, nil
}

// ListModels lists the models installed in the local Ollama instance.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, "GET", p.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Ollama returned status %d", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to parse tags response: %w", err)
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

// IsAvailable probes the Ollama tags endpoint to check the service is running.
func (p *OllamaProvider) IsAvailable(ctx context.Context) bool {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, "GET", p.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// QueryModelsParallel queries multiple models in parallel using goroutines.
// Uses errgroup for parallel execution with graceful degradation - failed models
// return nil in the results map while successful models return their replies.
// A slow or failing model never aborts its siblings; each call gets its own
// timeout and failures are only logged.
func QueryModelsParallel(ctx context.Context, provider Provider, models []string, messages []ChatMessage, timeout time.Duration) (map[string]*ModelReply, error) {
	g, ctx := errgroup.WithContext(ctx)

	// Results map and mutex for thread-safe writes
	results := make(map[string]*ModelReply)
	var mu sync.Mutex

	for _, model := range models {
		model := model // Capture loop variable
		g.Go(func() error {
			response, err := provider.QueryModel(ctx, model, messages, timeout)

			// Graceful degradation: log error but don't fail entire request
			if err != nil {
				log.Printf("Error querying model %s: %v", model, err)
				mu.Lock()
				results[model] = nil
				mu.Unlock()
				return nil // Don't propagate error, continue with other models
			}

			mu.Lock()
			results[model] = response
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
