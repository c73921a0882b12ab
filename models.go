package main

import "time"

// Message represents a single message in a conversation
type Message struct {
	Role    string           `json:"role"`
	Content string           `json:"content,omitempty"`
	Stage1  []Stage1Response `json:"stage1,omitempty"`
	Stage2  []Stage2Ranking  `json:"stage2,omitempty"`
	Stage25 []DebateRound    `json:"stage2_5,omitempty"`
	Stage3  *Stage3Response  `json:"stage3,omitempty"`
}

// Conversation represents a full conversation with all messages
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
}

// ConversationMetadata represents conversation list metadata
type ConversationMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
}

// Stage1Response represents a single model's response in Stage 1
type Stage1Response struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// Stage2Ranking represents a model's ranking of the anonymized responses
type Stage2Ranking struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking"`
	ParsedRanking []string `json:"parsed_ranking"`
}

// DebateResponse represents one model's contribution to a debate round
type DebateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// DebateRound represents one tour of the Stage 2.5 debate
type DebateRound struct {
	Tour      int              `json:"tour"`
	Responses []DebateResponse `json:"responses"`
}

// Stage3Response represents the chairman's final synthesis
type Stage3Response struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// AggregateRanking represents the aggregate ranking across all models
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Metadata contains additional information about the council process
type Metadata struct {
	LabelToModel      map[string]string  `json:"label_to_model"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
}

// CouncilResult bundles the output of a complete council run
type CouncilResult struct {
	Stage1   []Stage1Response `json:"stage1"`
	Stage2   []Stage2Ranking  `json:"stage2"`
	Stage25  []DebateRound    `json:"stage2_5"`
	Stage3   Stage3Response   `json:"stage3"`
	Metadata Metadata         `json:"metadata"`
}

// ChatMessage represents a single chat message sent to a provider
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelReply represents a successful reply from a provider
type ModelReply struct {
	Content          string      `json:"content"`
	ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
}

// CreateConversationRequest represents a request to create a new conversation
type CreateConversationRequest struct {
	// Empty for now
}

// SendMessageRequest represents a request to send a message
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SetConfigRequest represents a request to reconfigure the council
type SetConfigRequest struct {
	Provider       string   `json:"provider"`
	Models         []string `json:"models"`
	NumModels      int      `json:"num_models"`
	ChairmanRandom bool     `json:"chairman_random"`
}
