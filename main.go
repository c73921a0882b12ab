package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Global model list cache instance
var modelListCache *ModelListCache

func main() {
	// Load configuration
	LoadConfig()

	// Initialize model list cache
	modelListCache = NewModelListCache(ModelListCacheTTL)

	// Install the default provider: OpenRouter when a key is configured,
	// otherwise a local Ollama instance. The config API can switch later.
	if OpenRouterAPIKey != "" {
		SetProvider(NewOpenRouterProvider(OpenRouterAPIKey, OpenRouterAPIURL))
	} else {
		SetProvider(NewOllamaProvider(OllamaBaseURL))
	}

	router := NewRouter()

	// Start server
	log.Println("Starting LLM Council backend on port 8001...")
	if err := router.Run(":8001"); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// NewRouter builds the Gin router with middleware and all routes registered.
func NewRouter() *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(CORSAllowedOrigins) > 0 && CORSAllowedOrigins[0] != "" {
				for _, allowedOrigin := range CORSAllowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return len(origin) > 0 && (len(origin) >= 16 && origin[:16] == "http://localhost" ||
				len(origin) >= 14 && origin[:14] == "http://127.0.0")
		},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	// Routes
	router.GET("/", healthCheck)
	router.GET("/api/config/models", listModelsHandler)
	router.POST("/api/config/set", setConfigHandler)
	router.GET("/api/config/current", getCurrentConfigHandler)
	router.GET("/api/conversations", listConversationsHandler)
	router.POST("/api/conversations", createConversationHandler)
	router.GET("/api/conversations/:id", getConversationHandler)
	router.POST("/api/conversations/:id/message", sendMessageHandler)
	router.POST("/api/conversations/:id/message/stream", sendMessageStreamHandler)
	router.POST("/api/fetch-url", fetchURLHandler)

	return router
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "LLM Council API",
	})
}

// listModelsHandler lists available models for a provider.
// GET /api/config/models?provider=auto|openrouter|ollama - Listings are cached
// with a TTL; pass ?refresh=true to bypass the cache.
func listModelsHandler(c *gin.Context) {
	providerName := c.DefaultQuery("provider", "auto")
	forceRefresh := c.Query("refresh") == "true"
	ctx := c.Request.Context()

	var provider Provider
	switch providerName {
	case "auto":
		// Try Ollama first, then OpenRouter
		ollama := NewOllamaProvider(OllamaBaseURL)
		if ollama.IsAvailable(ctx) {
			provider = ollama
		} else if OpenRouterAPIKey != "" {
			provider = NewOpenRouterProvider(OpenRouterAPIKey, OpenRouterAPIURL)
		} else {
			c.JSON(http.StatusOK, gin.H{
				"provider":  nil,
				"models":    []string{},
				"available": false,
			})
			return
		}
	case "ollama":
		provider = NewOllamaProvider(OllamaBaseURL)
	case "openrouter":
		if OpenRouterAPIKey == "" {
			c.JSON(http.StatusOK, gin.H{
				"provider":  "openrouter",
				"models":    []string{},
				"available": false,
			})
			return
		}
		provider = NewOpenRouterProvider(OpenRouterAPIKey, OpenRouterAPIURL)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Unknown provider: %s", providerName),
		})
		return
	}

	if !forceRefresh {
		if models, ok := modelListCache.Get(provider.Name()); ok {
			c.JSON(http.StatusOK, gin.H{
				"provider":  provider.Name(),
				"models":    models,
				"available": true,
			})
			return
		}
	}

	available := provider.IsAvailable(ctx)
	models := []string{}
	if available {
		listed, err := provider.ListModels(ctx)
		if err != nil {
			log.Printf("Error listing %s models: %v", provider.Name(), err)
		} else {
			models = listed
			modelListCache.Set(provider.Name(), models)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"provider":  provider.Name(),
		"models":    models,
		"available": available,
	})
}

// setConfigHandler sets the council configuration and switches provider.
// POST /api/config/set - Selects num_models council members (randomly when
// more are supplied), picks a chairman, and installs the chosen provider.
func setConfigHandler(c *gin.Context) {
	var request SetConfigRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	if len(request.Models) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "At least one model is required",
		})
		return
	}

	// Select models (randomly if more than num_models)
	selectedModels := make([]string, len(request.Models))
	copy(selectedModels, request.Models)
	if request.NumModels > 0 && len(selectedModels) > request.NumModels {
		rand.Shuffle(len(selectedModels), func(i, j int) {
			selectedModels[i], selectedModels[j] = selectedModels[j], selectedModels[i]
		})
		selectedModels = selectedModels[:request.NumModels]
	}

	// Switch provider
	switch request.Provider {
	case "openrouter":
		if OpenRouterAPIKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "OpenRouter API key not configured",
			})
			return
		}
		SetProvider(NewOpenRouterProvider(OpenRouterAPIKey, OpenRouterAPIURL))
	case "ollama":
		ollama := NewOllamaProvider(OllamaBaseURL)
		if !ollama.IsAvailable(c.Request.Context()) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Ollama is not available. Is it running?",
			})
			return
		}
		SetProvider(ollama)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Unknown provider: %s", request.Provider),
		})
		return
	}

	// Select chairman
	chairman := selectedModels[0]
	if request.ChairmanRandom {
		chairman = selectedModels[rand.Intn(len(selectedModels))]
	}

	councilSettings.Set(selectedModels, chairman)

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"config": gin.H{
			"provider":   request.Provider,
			"models":     selectedModels,
			"chairman":   chairman,
			"num_models": len(selectedModels),
		},
		"message": fmt.Sprintf("Configured %d models from %s", len(selectedModels), request.Provider),
	})
}

// getCurrentConfigHandler returns the active provider and council configuration.
// GET /api/config/current
func getCurrentConfigHandler(c *gin.Context) {
	provider := CurrentProvider()
	if provider == nil {
		c.JSON(http.StatusOK, gin.H{
			"provider":  nil,
			"available": false,
		})
		return
	}

	ctx := c.Request.Context()
	available := provider.IsAvailable(ctx)
	models := []string{}
	if available {
		if listed, err := provider.ListModels(ctx); err == nil {
			models = listed
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"provider":         provider.Name(),
		"available":        available,
		"available_models": models,
		"council_models":   councilSettings.Models(),
		"chairman":         councilSettings.Chairman(),
	})
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations - Returns array of conversation metadata sorted by date.
func listConversationsHandler(c *gin.Context) {
	conversations, err := ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation.
// POST /api/conversations - Generates a new UUID and creates an empty conversation.
func createConversationHandler(c *gin.Context) {
	// Generate new UUID
	conversationID := uuid.New().String()

	// Create conversation
	conversation, err := CreateConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler gets a specific conversation by ID.
// GET /api/conversations/:id - Returns full conversation including all messages.
func getConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")

	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}

	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// sendMessageHandler sends a message and runs the full council process.
// POST /api/conversations/:id/message - Runs all four stages and returns them at once.
// Use sendMessageStreamHandler for the SSE streaming version.
func sendMessageHandler(c *gin.Context) {
	conversationID := c.Param("id")

	// Parse request
	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Check if conversation exists
	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	// Check if this is the first message
	isFirstMessage := len(conversation.Messages) == 0

	// Add user message
	if err := AddUserMessage(conversationID, request.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add user message: %v", err),
		})
		return
	}

	// One consistent configuration snapshot for the whole run
	run := NewCouncilRun()

	// Generate title if first message (run in background)
	if isFirstMessage {
		go func() {
			ctx := context.Background()
			title, err := run.GenerateConversationTitle(ctx, request.Content)
			if err != nil {
				log.Printf("Failed to generate title: %v", err)
				// Use default title on error
				UpdateConversationTitle(conversationID, "New Conversation")
			} else {
				UpdateConversationTitle(conversationID, title)
			}
		}()
	}

	// Run the full council process
	ctx := context.Background()
	result, err := run.RunFullCouncil(ctx, request.Content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Council process failed: %v", err),
		})
		return
	}

	// Add assistant message
	if err := AddAssistantMessage(conversationID, result.Stage1, result.Stage2, result.Stage25, result.Stage3); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add assistant message: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// sendMessageStreamHandler sends a message and streams the council process via SSE.
// POST /api/conversations/:id/message/stream - Streams progress events as each
// stage completes. Events, in order: stage1_start, stage1_complete, stage2_start,
// stage2_complete, stage2_5_start, stage2_5_complete, stage3_start,
// stage3_complete, title_complete (first turn only), complete. Any internal
// fault is reported as a single error event.
func sendMessageStreamHandler(c *gin.Context) {
	conversationID := c.Param("id")

	// Parse request
	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Check if conversation exists
	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// An unexpected fault mid-stream becomes a terminal error event instead of
	// a half-written response
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic in stream handler: %v", r)
			sendSSEError(c, fmt.Sprintf("Internal error: %v", r))
		}
	}()

	// Check if this is the first message
	isFirstMessage := len(conversation.Messages) == 0

	// Add user message
	if err := AddUserMessage(conversationID, request.Content); err != nil {
		sendSSEError(c, fmt.Sprintf("Failed to add user message: %v", err))
		return
	}

	ctx := context.Background()
	run := NewCouncilRun()

	// Start title generation in background if first message
	var titleChan chan string
	if isFirstMessage {
		titleChan = make(chan string, 1)
		go func() {
			title, err := run.GenerateConversationTitle(ctx, request.Content)
			if err != nil {
				log.Printf("Failed to generate title: %v", err)
				UpdateConversationTitle(conversationID, "New Conversation")
			} else {
				UpdateConversationTitle(conversationID, title)
				titleChan <- title
			}
			close(titleChan)
		}()
	}

	// Stage 1
	sendSSEEvent(c, gin.H{"type": "stage1_start"})
	stage1, err := run.Stage1CollectResponses(ctx, request.Content)
	if err != nil {
		sendSSEError(c, fmt.Sprintf("Stage 1 failed: %v", err))
		return
	}
	if len(stage1) == 0 {
		sendSSEError(c, "All models failed to respond. Please try again.")
		return
	}
	sendSSEEvent(c, gin.H{"type": "stage1_complete", "data": stage1})

	// Stage 2
	sendSSEEvent(c, gin.H{"type": "stage2_start"})
	stage2, labelToModel, err := run.Stage2CollectRankings(ctx, request.Content, stage1)
	if err != nil {
		sendSSEError(c, fmt.Sprintf("Stage 2 failed: %v", err))
		return
	}
	aggregateRankings := CalculateAggregateRankings(stage2, labelToModel)
	sendSSEEvent(c, gin.H{
		"type": "stage2_complete",
		"data": stage2,
		"metadata": gin.H{
			"label_to_model":     labelToModel,
			"aggregate_rankings": aggregateRankings,
		},
	})

	// Stage 2.5
	sendSSEEvent(c, gin.H{"type": "stage2_5_start"})
	debateRounds, err := run.Stage25Debate(ctx, request.Content, stage1, stage2, NumDebateTours)
	if err != nil {
		sendSSEError(c, fmt.Sprintf("Stage 2.5 failed: %v", err))
		return
	}
	sendSSEEvent(c, gin.H{"type": "stage2_5_complete", "data": debateRounds})

	// Stage 3
	sendSSEEvent(c, gin.H{"type": "stage3_start"})
	stage3, err := run.Stage3SynthesizeFinal(ctx, request.Content, stage1, stage2, debateRounds)
	if err != nil {
		sendSSEError(c, fmt.Sprintf("Stage 3 failed: %v", err))
		return
	}
	sendSSEEvent(c, gin.H{"type": "stage3_complete", "data": stage3})

	// Wait for title if it was being generated
	if titleChan != nil {
		if title := <-titleChan; title != "" {
			sendSSEEvent(c, gin.H{"type": "title_complete", "data": gin.H{"title": title}})
		}
	}

	// Save complete assistant message
	if err := AddAssistantMessage(conversationID, stage1, stage2, debateRounds, *stage3); err != nil {
		sendSSEError(c, fmt.Sprintf("Failed to save message: %v", err))
		return
	}

	// Send completion event
	sendSSEEvent(c, gin.H{"type": "complete"})
}

// sendSSEEvent sends a Server-Sent Event.
// Marshals data to JSON and writes as SSE format with "data: " prefix.
func sendSSEEvent(c *gin.Context, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal SSE event: %v", err)
		return
	}
	c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData)))
	c.Writer.Flush()
}

// sendSSEError sends an error event via SSE.
// Convenience wrapper for sending error-type SSE events.
func sendSSEError(c *gin.Context, message string) {
	sendSSEEvent(c, gin.H{"type": "error", "message": message})
}

// fetchURLHandler fetches and extracts readable content from a given URL
// POST /api/fetch-url - Body: {"url": "https://..."}
func fetchURLHandler(c *gin.Context) {
	// Parse request
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Fetch content
	ctx := c.Request.Context()
	content, err := FetchURLContent(ctx, request.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}

	// Return content
	c.JSON(http.StatusOK, gin.H{
		"content": content,
	})
}
