package main

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Stage1CollectResponses collects individual responses from all council models.
// This is the first stage of the council process where each model independently
// answers the user's question. Returns one response per successful model, in
// the council's configured model order (never completion order) so that label
// assignment in Stage 2 is deterministic.
func (run *CouncilRun) Stage1CollectResponses(ctx context.Context, userQuery string) ([]Stage1Response, error) {
	messages := []ChatMessage{
		{Role: "user", Content: userQuery},
	}

	// Query all models in parallel
	responses, err := QueryModelsParallel(ctx, run.Provider, run.Models, messages, ModelQueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	// Re-index by configured model order, keeping only successful responses
	var stage1Results []Stage1Response
	for _, model := range run.Models {
		if response := responses[model]; response != nil {
			stage1Results = append(stage1Results, Stage1Response{
				Model:    model,
				Response: response.Content,
			})
		}
	}

	return stage1Results, nil
}

// Stage2CollectRankings collects rankings from each model on anonymized responses.
// This is the second stage where models evaluate each other's responses without
// knowing which model produced which response. Returns rankings, a label-to-model
// mapping for de-anonymization, and any error encountered.
func (run *CouncilRun) Stage2CollectRankings(ctx context.Context, userQuery string, stage1Results []Stage1Response) ([]Stage2Ranking, map[string]string, error) {
	// Create anonymized labels (A, B, C...) in Stage 1 order
	labelToModel := AssignLabels(stage1Results)

	var responsesText strings.Builder
	for i, result := range stage1Results {
		responsesText.WriteString(fmt.Sprintf("%s:\n%s\n\n", labelKey(i), result.Response))
	}

	// Build ranking prompt
	rankingPrompt := fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, userQuery, responsesText.String())

	messages := []ChatMessage{
		{Role: "user", Content: rankingPrompt},
	}

	// Every council member ranks, including models that failed in Stage 1
	responses, err := QueryModelsParallel(ctx, run.Provider, run.Models, messages, ModelQueryTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query models for rankings: %w", err)
	}

	var stage2Results []Stage2Ranking
	for _, model := range run.Models {
		if response := responses[model]; response != nil {
			fullText := response.Content
			stage2Results = append(stage2Results, Stage2Ranking{
				Model:         model,
				Ranking:       fullText,
				ParsedRanking: ParseRankingFromText(fullText),
			})
		}
	}

	return stage2Results, labelToModel, nil
}

// Stage25Debate runs the debate phase where models react to each other's
// responses and evaluations. Participants are the Stage 1 survivors only;
// a model that never answered has nothing to defend. Rounds run strictly in
// sequence because each round's prompt embeds the previous round's transcript.
// A round where every participant failed is dropped, but the tour counter
// still advances so surviving rounds keep their original numbers.
func (run *CouncilRun) Stage25Debate(ctx context.Context, userQuery string, stage1Results []Stage1Response, stage2Results []Stage2Ranking, numTours int) ([]DebateRound, error) {
	var debateRounds []DebateRound

	participants := make([]string, 0, len(stage1Results))
	for _, result := range stage1Results {
		participants = append(participants, result.Model)
	}

	// Shared context for every round
	var stage1Text strings.Builder
	for _, result := range stage1Results {
		stage1Text.WriteString(fmt.Sprintf("**%s** said:\n%s\n\n", result.Model, result.Response))
	}

	var stage2Text strings.Builder
	for _, result := range stage2Results {
		stage2Text.WriteString(fmt.Sprintf("**%s** evaluated and ranked the responses:\n%s\n\n", result.Model, result.Ranking))
	}

	for tour := 1; tour <= numTours; tour++ {
		log.Printf("Stage 2.5: starting debate tour %d/%d", tour, numTours)

		var debatePrompt string
		if len(debateRounds) == 0 {
			// First tour: initial reactions
			debatePrompt = fmt.Sprintf(`You are participating in a debate about the following question:

**Original Question:** %s

**Initial Responses (Stage 1):**
%s

**Peer Evaluations (Stage 2):**
%s

**Your Task:**
This is the first round of debate. You can:
- Defend or clarify your initial response
- Respond to criticisms from the evaluations
- Point out strengths or weaknesses in other responses
- Refine or expand on your position based on the discussion

Provide your contribution to this debate round:`, userQuery, stage1Text.String(), stage2Text.String())
		} else {
			// Subsequent tours: reactions to the immediately preceding round.
			// Earlier rounds are not re-sent.
			previousRound := debateRounds[len(debateRounds)-1]
			var previousText strings.Builder
			for _, resp := range previousRound.Responses {
				previousText.WriteString(fmt.Sprintf("**%s** said:\n%s\n\n", resp.Model, resp.Response))
			}

			debatePrompt = fmt.Sprintf(`You are participating in a debate about the following question:

**Original Question:** %s

**Initial Responses (Stage 1):**
%s

**Peer Evaluations (Stage 2):**
%s

**Previous Debate Round %d:**
%s

**Your Task:**
This is round %d of the debate. You can:
- Respond to points raised by other models in the previous round
- Defend your position against new criticisms
- Acknowledge valid points from others
- Refine your argument further

Provide your contribution to this debate round:`, userQuery, stage1Text.String(), stage2Text.String(), previousRound.Tour, previousText.String(), tour)
		}

		messages := []ChatMessage{
			{Role: "user", Content: debatePrompt},
		}

		debateResponses, err := QueryModelsParallel(ctx, run.Provider, participants, messages, ModelQueryTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to query models for debate tour %d: %w", tour, err)
		}

		var tourResponses []DebateResponse
		for _, model := range participants {
			response := debateResponses[model]
			if response == nil {
				log.Printf("Warning: %s failed to respond in debate tour %d", model, tour)
				continue
			}
			tourResponses = append(tourResponses, DebateResponse{
				Model:    model,
				Response: response.Content,
			})
		}

		if len(tourResponses) > 0 {
			debateRounds = append(debateRounds, DebateRound{
				Tour:      tour,
				Responses: tourResponses,
			})
		}
	}

	return debateRounds, nil
}

// Stage3SynthesizeFinal synthesizes the final response using the chairman model.
// The chairman sees all prior stage outputs (the debate section is appended only
// when at least one round completed). If the assembled prompt exceeds the
// character budget it is rebuilt from the two-stage template with each response
// truncated to an equal share. If the chairman fails, the best Stage 1 answer
// by aggregate ranking is returned instead, annotated as a fallback; with no
// rankings the first Stage 1 answer is used. Only when there are no Stage 1
// answers at all does this return an error.
func (run *CouncilRun) Stage3SynthesizeFinal(ctx context.Context, userQuery string, stage1Results []Stage1Response, stage2Results []Stage2Ranking, debateRounds []DebateRound) (*Stage3Response, error) {
	stage1Text := renderStage1Text(stage1Results, 0)
	stage2Text := renderStage2Text(stage2Results, 0)

	// Render debate transcript if any rounds completed
	var debateText strings.Builder
	for i, round := range debateRounds {
		if i > 0 {
			debateText.WriteString("\n\n")
		}
		debateText.WriteString(fmt.Sprintf("Round %d:\n", round.Tour))
		for j, resp := range round.Responses {
			if j > 0 {
				debateText.WriteString("\n\n")
			}
			debateText.WriteString(fmt.Sprintf("**%s**: %s", resp.Model, resp.Response))
		}
	}

	chairmanPrompt := buildChairmanPrompt(userQuery, stage1Text, stage2Text, debateText.String())

	log.Printf("Stage 3: querying %s with prompt size: %d characters", run.Chairman, len(chairmanPrompt))

	// If the prompt blows the budget, fall back to the two-stage template with
	// every individual response cut to an equal share of it
	if len(chairmanPrompt) > MaxChairmanPromptSize {
		log.Printf("Warning: prompt too long (%d chars), truncating...", len(chairmanPrompt))
		maxPerResponse := MaxChairmanPromptSize / (len(stage1Results) + len(stage2Results) + 10)
		stage1Text = renderStage1Text(stage1Results, maxPerResponse)
		stage2Text = renderStage2Text(stage2Results, maxPerResponse)
		chairmanPrompt = buildChairmanPrompt(userQuery, stage1Text, stage2Text, "")
	}

	messages := []ChatMessage{
		{Role: "user", Content: chairmanPrompt},
	}

	// Synthesis reads everything the council produced, so it gets a longer
	// timeout than ordinary stage queries
	response, err := run.Provider.QueryModel(ctx, run.Chairman, messages, ChairmanQueryTimeout)
	if err == nil {
		return &Stage3Response{
			Model:    run.Chairman,
			Response: response.Content,
		}, nil
	}

	log.Printf("Stage 3: failed to get response from %s, using fallback: %v", run.Chairman, err)

	// Recompute the label map from Stage 1 order; it is identical to the one
	// Stage 2 built because labels are a pure function of that order
	labelToModel := AssignLabels(stage1Results)
	aggregateRankings := CalculateAggregateRankings(stage2Results, labelToModel)

	if len(aggregateRankings) > 0 {
		bestModel := aggregateRankings[0].Model
		bestResponse := ""
		for _, result := range stage1Results {
			if result.Model == bestModel {
				bestResponse = result.Response
				break
			}
		}
		if bestResponse == "" && len(stage1Results) > 0 {
			bestResponse = stage1Results[0].Response
		}
		return &Stage3Response{
			Model:    fmt.Sprintf("%s (fallback: %s)", run.Chairman, bestModel),
			Response: fmt.Sprintf("[Note: Chairman synthesis failed, using top-ranked response from %s]\n\n%s", bestModel, bestResponse),
		}, nil
	}

	if len(stage1Results) > 0 {
		return &Stage3Response{
			Model:    fmt.Sprintf("%s (fallback)", run.Chairman),
			Response: fmt.Sprintf("[Note: Chairman synthesis failed, using first available response]\n\n%s", stage1Results[0].Response),
		}, nil
	}

	return nil, fmt.Errorf("unable to generate final synthesis: chairman failed and no stage 1 responses available")
}

// renderStage1Text renders Stage 1 responses for the chairman prompt.
// maxLen > 0 truncates each response to maxLen characters with an ellipsis.
func renderStage1Text(stage1Results []Stage1Response, maxLen int) string {
	var b strings.Builder
	for _, result := range stage1Results {
		b.WriteString(fmt.Sprintf("Model: %s\nResponse: %s\n\n", result.Model, truncateText(result.Response, maxLen)))
	}
	return b.String()
}

// renderStage2Text renders Stage 2 ranking texts for the chairman prompt.
func renderStage2Text(stage2Results []Stage2Ranking, maxLen int) string {
	var b strings.Builder
	for _, result := range stage2Results {
		b.WriteString(fmt.Sprintf("Model: %s\nRanking: %s\n\n", result.Model, truncateText(result.Ranking, maxLen)))
	}
	return b.String()
}

// truncateText cuts text to maxLen characters with an ellipsis marker.
// maxLen <= 0 means no truncation.
func truncateText(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}

// buildChairmanPrompt assembles the synthesis prompt. An empty debateText
// produces the two-stage variant of the prompt.
func buildChairmanPrompt(userQuery, stage1Text, stage2Text, debateText string) string {
	var b strings.Builder

	if debateText != "" {
		b.WriteString("You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, ranked each other's responses, and engaged in a debate.")
	} else {
		b.WriteString("You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.")
	}

	b.WriteString(fmt.Sprintf(`

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s`, userQuery, stage1Text, stage2Text))

	if debateText != "" {
		b.WriteString(fmt.Sprintf(`

STAGE 2.5 - Debate:
%s`, debateText))
	}

	b.WriteString(`

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality`)

	if debateText != "" {
		b.WriteString(`
- The debate discussions and how positions evolved`)
	}

	b.WriteString(`
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`)

	return b.String()
}

// GenerateConversationTitle generates a short title for a conversation.
// Uses the first council model to create a 3-5 word summary of the user's query.
// Returns the generated title or an error if generation fails.
func (run *CouncilRun) GenerateConversationTitle(ctx context.Context, userQuery string) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []ChatMessage{
		{Role: "user", Content: titlePrompt},
	}

	if len(run.Models) == 0 {
		return "", fmt.Errorf("no council models configured")
	}

	response, err := run.Provider.QueryModel(ctx, run.Models[0], messages, TitleGenTimeout)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(response.Content)

	// Clean up the title - remove quotes
	title = strings.Trim(title, "\"'")

	// Truncate if too long
	if len(title) > 50 {
		title = title[:47] + "..."
	}

	return title, nil
}

// RunFullCouncil runs the complete 4-stage council process: parallel model
// queries, anonymized peer review, debate, and chairman synthesis. If every
// model fails in Stage 1 the run short-circuits and the bundle carries an
// explicit error answer; a Go error is returned only for unexpected faults.
func (run *CouncilRun) RunFullCouncil(ctx context.Context, userQuery string) (*CouncilResult, error) {
	// Stage 1: Collect responses
	stage1Results, err := run.Stage1CollectResponses(ctx, userQuery)
	if err != nil {
		return nil, fmt.Errorf("stage 1 failed: %w", err)
	}

	// If no models responded successfully, short-circuit with an error answer
	if len(stage1Results) == 0 {
		return &CouncilResult{
			Stage1:  []Stage1Response{},
			Stage2:  []Stage2Ranking{},
			Stage25: []DebateRound{},
			Stage3: Stage3Response{
				Model:    "error",
				Response: "All models failed to respond. Please try again.",
			},
			Metadata: Metadata{},
		}, nil
	}

	// Stage 2: Collect rankings
	stage2Results, labelToModel, err := run.Stage2CollectRankings(ctx, userQuery, stage1Results)
	if err != nil {
		return nil, fmt.Errorf("stage 2 failed: %w", err)
	}

	// Calculate aggregate rankings
	aggregateRankings := CalculateAggregateRankings(stage2Results, labelToModel)

	// Stage 2.5: Debate
	debateRounds, err := run.Stage25Debate(ctx, userQuery, stage1Results, stage2Results, NumDebateTours)
	if err != nil {
		return nil, fmt.Errorf("stage 2.5 failed: %w", err)
	}

	// Stage 3: Synthesize final answer
	stage3Result, err := run.Stage3SynthesizeFinal(ctx, userQuery, stage1Results, stage2Results, debateRounds)
	if err != nil {
		return nil, fmt.Errorf("stage 3 failed: %w", err)
	}

	return &CouncilResult{
		Stage1:  stage1Results,
		Stage2:  stage2Results,
		Stage25: debateRounds,
		Stage3:  *stage3Result,
		Metadata: Metadata{
			LabelToModel:      labelToModel,
			AggregateRankings: aggregateRankings,
		},
	}, nil
}
