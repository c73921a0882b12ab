package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TestHelper provides utilities for tests
type TestHelper struct {
	t       *testing.T
	tempDir string
}

// NewTestHelper creates a new test helper
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// CreateTempDir creates a temporary directory for testing
func (h *TestHelper) CreateTempDir() string {
	tempDir, err := os.MkdirTemp("", "model-council-test-*")
	if err != nil {
		h.t.Fatalf("Failed to create temp dir: %v", err)
	}
	h.tempDir = tempDir
	return tempDir
}

// Cleanup removes the temporary directory
func (h *TestHelper) Cleanup() {
	if h.tempDir != "" {
		os.RemoveAll(h.tempDir)
	}
}

// UseTempDataDir points DataDir at a fresh temp directory and returns a restore func
func (h *TestHelper) UseTempDataDir() func() {
	tempDir := h.CreateTempDir()
	oldDataDir := DataDir
	DataDir = filepath.Join(tempDir, "conversations")
	return func() { DataDir = oldDataDir }
}

// AssertNoError checks if an error is nil
func (h *TestHelper) AssertNoError(err error, message string) {
	if err != nil {
		h.t.Errorf("%s: unexpected error: %v", message, err)
	}
}

// AssertError checks if an error is not nil
func (h *TestHelper) AssertError(err error, message string) {
	if err == nil {
		h.t.Errorf("%s: expected error, got nil", message)
	}
}

// stubCall records one query made against a stubProvider
type stubCall struct {
	Model   string
	Prompt  string
	Timeout time.Duration
}

// stubProvider is a scripted in-memory Provider for stage tests. queryFn
// decides the reply per call; nil queryFn serves the replies map with
// failures for models listed in failing.
type stubProvider struct {
	name      string
	models    []string
	available bool
	replies   map[string]string
	failing   map[string]bool
	queryFn   func(call stubCall) (*ModelReply, error)

	mu    sync.Mutex
	calls []stubCall
}

func newStubProvider(replies map[string]string) *stubProvider {
	return &stubProvider{
		name:      "stub",
		available: true,
		replies:   replies,
		failing:   map[string]bool{},
	}
}

func (p *stubProvider) QueryModel(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (*ModelReply, error) {
	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	call := stubCall{Model: model, Prompt: prompt, Timeout: timeout}

	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()

	if p.queryFn != nil {
		return p.queryFn(call)
	}
	if p.failing[model] {
		return nil, fmt.Errorf("stub failure for %s", model)
	}
	reply, ok := p.replies[model]
	if !ok {
		return nil, fmt.Errorf("no scripted reply for %s", model)
	}
	return &ModelReply{Content: reply}, nil
}

func (p *stubProvider) ListModels(ctx context.Context) ([]string, error) {
	return p.models, nil
}

func (p *stubProvider) IsAvailable(ctx context.Context) bool {
	return p.available
}

func (p *stubProvider) Name() string {
	return p.name
}

// Calls returns a copy of the recorded calls
func (p *stubProvider) Calls() []stubCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := make([]stubCall, len(p.calls))
	copy(calls, p.calls)
	return calls
}

// newStubRun builds a CouncilRun over a stub provider
func newStubRun(provider *stubProvider, models []string, chairman string) *CouncilRun {
	return &CouncilRun{
		Models:   models,
		Chairman: chairman,
		Provider: provider,
	}
}

// MockOpenRouterServer creates a mock HTTP server for the OpenRouter API
func MockOpenRouterServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// CreateMockOpenRouterHandler creates a handler that returns successful responses
func CreateMockOpenRouterHandler(t *testing.T, response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Verify headers
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		if r.Header.Get("Authorization") == "" {
			t.Errorf("Missing Authorization header")
		}

		WriteMockOpenRouterResponse(w, response)
	}
}

// WriteMockOpenRouterResponse writes an OpenRouter-shaped success response
func WriteMockOpenRouterResponse(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"choices": []map[string]interface{}{
			{
				"message": map[string]interface{}{
					"content": content,
				},
			},
		},
	})
}

// CreateMockOpenRouterErrorHandler creates a handler that returns errors
func CreateMockOpenRouterErrorHandler(statusCode int, errorMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		w.Write([]byte(errorMsg))
	}
}

// SampleConversation creates a sample conversation for testing
func SampleConversation(id string) *Conversation {
	return &Conversation{
		ID:        id,
		CreatedAt: testTime(),
		Title:     "Test Conversation",
		Messages: []Message{
			{
				Role:    "user",
				Content: "What is Go?",
			},
			{
				Role: "assistant",
				Stage1: []Stage1Response{
					{Model: "test/model1", Response: "Go is a programming language."},
					{Model: "test/model2", Response: "Go is developed by Google."},
				},
				Stage2: []Stage2Ranking{
					{
						Model:         "test/model1",
						Ranking:       "FINAL RANKING:\n1. Response B\n2. Response A",
						ParsedRanking: []string{"Response B", "Response A"},
					},
				},
				Stage25: []DebateRound{
					{
						Tour: 1,
						Responses: []DebateResponse{
							{Model: "test/model1", Response: "I stand by my answer."},
							{Model: "test/model2", Response: "Response A missed the tooling story."},
						},
					},
				},
				Stage3: &Stage3Response{
					Model:    "test/chairman",
					Response: "Go is a programming language developed by Google.",
				},
			},
		},
	}
}

// testTime returns a fixed time for testing
func testTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}
