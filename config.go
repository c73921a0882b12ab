package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Configuration constants
var (
	// OpenRouterAPIKey is the API key for OpenRouter
	OpenRouterAPIKey string

	// DefaultCouncilModels is the default list of models to query in parallel
	DefaultCouncilModels = []string{
		"openai/gpt-5.1",
		"google/gemini-3-pro-preview",
		"anthropic/claude-sonnet-4.5",
		"x-ai/grok-4",
	}

	// DefaultChairmanModel is the default model used for final synthesis
	DefaultChairmanModel = "google/gemini-3-pro-preview"

	// OpenRouterAPIURL is the endpoint for OpenRouter API
	OpenRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	// OllamaBaseURL is the base URL for a local Ollama instance
	OllamaBaseURL = "http://localhost:11434"

	// DataDir is the directory for conversation storage
	DataDir = "data/conversations"

	// Timeout constants
	ModelQueryTimeout    = 120 * time.Second
	ChairmanQueryTimeout = 180 * time.Second
	TitleGenTimeout      = 30 * time.Second

	// NumDebateTours is the number of Stage 2.5 debate rounds
	NumDebateTours = 2

	// MaxChairmanPromptSize is the character budget for the chairman prompt
	MaxChairmanPromptSize = 100000

	// CORS allowed origins (configurable via environment)
	// In development (empty/default), allows any localhost port
	// In production, set CORS_ALLOWED_ORIGINS environment variable
	CORSAllowedOrigins = []string{}

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20

	// ModelListCacheTTL is the time-to-live for cached provider model listings
	ModelListCacheTTL = 5 * time.Minute
)

// CouncilSettings holds the process-wide council configuration. It is mutable
// through the config API, so reads and writes go through a lock; orchestration
// code never reads it directly and works from a CouncilRun snapshot instead.
type CouncilSettings struct {
	mu       sync.RWMutex
	models   []string
	chairman string
}

var councilSettings = &CouncilSettings{}

// Set replaces the council model list and chairman.
func (s *CouncilSettings) Set(models []string, chairman string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.models = make([]string, len(models))
	copy(s.models, models)
	s.chairman = chairman
}

// Models returns the configured council models, or the defaults when unset.
func (s *CouncilSettings) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.models
	if len(src) == 0 {
		src = DefaultCouncilModels
	}
	models := make([]string, len(src))
	copy(models, src)
	return models
}

// Chairman returns the configured chairman model, or the default when unset.
func (s *CouncilSettings) Chairman() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.chairman == "" {
		return DefaultChairmanModel
	}
	return s.chairman
}

// CouncilRun is a consistent snapshot of the council configuration and the
// active provider, captured once at the start of a run. Reconfiguration while
// a run is in flight does not affect that run.
type CouncilRun struct {
	Models   []string
	Chairman string
	Provider Provider
}

// NewCouncilRun captures the current settings and provider for one run.
func NewCouncilRun() *CouncilRun {
	return &CouncilRun{
		Models:   councilSettings.Models(),
		Chairman: councilSettings.Chairman(),
		Provider: CurrentProvider(),
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	// Try to find and load .env file
	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("Loaded .env from: %s", absPath)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		log.Printf("Warning: .env file not found in any expected location")
	}

	// Get OpenRouter API key. Without one, the service starts against a local
	// Ollama instance instead.
	OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if OpenRouterAPIKey == "" {
		log.Printf("OPENROUTER_API_KEY not set, falling back to Ollama at %s", OllamaBaseURL)
	}

	if ollamaURL := os.Getenv("OLLAMA_BASE_URL"); ollamaURL != "" {
		OllamaBaseURL = ollamaURL
	}

	// Load CORS origins from environment if provided (comma-separated)
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		CORSAllowedOrigins = []string{}
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				CORSAllowedOrigins = append(CORSAllowedOrigins, origin)
			}
		}
	}

	log.Println("Configuration loaded successfully")
}
