package main

import (
	"sync"
	"time"
)

// modelListEntry is one cached provider listing
type modelListEntry struct {
	models      []string
	lastUpdated time.Time
}

// ModelListCache provides thread-safe TTL caching of provider model listings,
// keyed by provider name. Listing models can mean a network round trip (Ollama
// tags endpoint), so the config API serves cached results.
type ModelListCache struct {
	mu      sync.RWMutex
	entries map[string]modelListEntry
	ttl     time.Duration
}

// NewModelListCache creates a new model list cache with the specified TTL
func NewModelListCache(ttl time.Duration) *ModelListCache {
	return &ModelListCache{
		entries: make(map[string]modelListEntry),
		ttl:     ttl,
	}
}

// Get retrieves a provider's model list from cache if not expired.
// Returns the models and a boolean indicating if the cache hit was successful.
func (c *ModelListCache) Get(provider string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[provider]
	if !ok || len(entry.models) == 0 {
		return nil, false
	}

	// Check if cache has expired
	if time.Since(entry.lastUpdated) > c.ttl {
		return nil, false
	}

	// Return cached models (make a copy to prevent external modifications)
	models := make([]string, len(entry.models))
	copy(models, entry.models)

	return models, true
}

// Set updates the cache with a fresh model list for a provider
func (c *ModelListCache) Set(provider string, models []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]string, len(models))
	copy(stored, models)

	c.entries[provider] = modelListEntry{
		models:      stored,
		lastUpdated: time.Now(),
	}
}

// Clear removes all cached listings
func (c *ModelListCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]modelListEntry)
}

// GetLastUpdated returns when a provider's listing was last cached
func (c *ModelListCache) GetLastUpdated(provider string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.entries[provider].lastUpdated
}

// IsExpired checks if a provider's cached listing has expired
func (c *ModelListCache) IsExpired(provider string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[provider]
	if !ok || len(entry.models) == 0 {
		return true
	}

	return time.Since(entry.lastUpdated) > c.ttl
}
