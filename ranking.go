package main

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// rankingMarker is the literal section header models are instructed to emit
// before their numbered ranking.
const rankingMarker = "FINAL RANKING:"

var (
	numberedEntryPattern = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
	responseLabelPattern = regexp.MustCompile(`Response [A-Z]`)
)

// ParseRankingFromText extracts the ranking from a model's response text.
// When the FINAL RANKING: marker is present, only the section after it is
// read: numbered entries ("1. Response A") first, then any bare "Response X".
// The whole text is scanned only when the marker is entirely absent, so
// pre-marker commentary never counts as a ranking. Returns labels in order of
// appearance, duplicates included; an unparseable text yields an empty list,
// never an error.
func ParseRankingFromText(rankingText string) []string {
	if strings.Contains(rankingText, rankingMarker) {
		rankingSection := strings.SplitN(rankingText, rankingMarker, 2)[1]

		numberedMatches := numberedEntryPattern.FindAllString(rankingSection, -1)
		if len(numberedMatches) > 0 {
			// Extract just the "Response X" part
			var results []string
			for _, match := range numberedMatches {
				if resp := responseLabelPattern.FindString(match); resp != "" {
					results = append(results, resp)
				}
			}
			return results
		}

		// A marker with no labels after it is an empty ranking, not a cue to
		// scan the commentary above it
		return responseLabelPattern.FindAllString(rankingSection, -1)
	}

	// No marker: find any "Response X" patterns in order
	return responseLabelPattern.FindAllString(rankingText, -1)
}

// AssignLabels builds the anonymized label-to-model map for an ordered list of
// Stage 1 responses. Labels are assigned A, B, C... in list order, so the
// mapping is reproducible from the same list at any point in a run.
func AssignLabels(stage1Results []Stage1Response) map[string]string {
	labelToModel := make(map[string]string, len(stage1Results))
	for i, result := range stage1Results {
		labelToModel[labelKey(i)] = result.Model
	}
	return labelToModel
}

// labelKey returns the anonymized label for position i ("Response A" for 0).
func labelKey(i int) string {
	return "Response " + string(rune('A'+i))
}

// CalculateAggregateRankings computes aggregate rankings across all models.
// Each parsed label resolves to a model and contributes its 1-based position;
// a model's aggregate is the mean of its positions, rounded to two decimals.
// Models never mentioned in any parsed ranking are omitted. Sorted by average
// rank ascending (lower is better) with ties kept in first-encountered order.
func CalculateAggregateRankings(stage2Results []Stage2Ranking, labelToModel map[string]string) []AggregateRanking {
	// Track positions per model, plus the order models were first seen in so
	// the tie order does not depend on map iteration.
	modelPositions := make(map[string][]int)
	var firstSeen []string

	for _, ranking := range stage2Results {
		for position, label := range ranking.ParsedRanking {
			modelName, ok := labelToModel[label]
			if !ok {
				continue
			}
			if _, seen := modelPositions[modelName]; !seen {
				firstSeen = append(firstSeen, modelName)
			}
			// position+1 because positions are 1-based
			modelPositions[modelName] = append(modelPositions[modelName], position+1)
		}
	}

	aggregate := make([]AggregateRanking, 0, len(firstSeen))
	for _, model := range firstSeen {
		positions := modelPositions[model]
		sum := 0
		for _, pos := range positions {
			sum += pos
		}
		avgRank := float64(sum) / float64(len(positions))

		aggregate = append(aggregate, AggregateRanking{
			Model:         model,
			AverageRank:   math.Round(avgRank*100) / 100,
			RankingsCount: len(positions),
		})
	}

	// Sort by average rank (lower is better), stable so ties keep their
	// first-encountered order
	sort.SliceStable(aggregate, func(i, j int) bool {
		return aggregate[i].AverageRank < aggregate[j].AverageRank
	})

	return aggregate
}
