package analysis

import (
	"math"
	"strings"
	"unicode"

	"github.com/tmorrow/bookweaver/pkg/models"
)

var actionVerbs = map[string]bool{
	"ran": true, "run": true, "jumped": true, "leapt": true, "fought": true,
	"grabbed": true, "struck": true, "dashed": true, "lunged": true, "fled": true,
}

var dialogueMarkers = map[string]bool{
	"said": true, "replied": true, "asked": true, "whispered": true, "shouted": true,
}

var descriptionMarkers = map[string]bool{
	"was": true, "were": true, "stood": true, "seemed": true, "lay": true,
}

// Analyze computes the heuristic quality metrics for a chapter draft
func Analyze(content string) *models.UnitAnalysis {
	words := tokenize(content)
	a := &models.UnitAnalysis{
		WordCount: len(words),
	}
	if len(words) == 0 {
		return a
	}

	unique := make(map[string]bool, len(words))
	for _, w := range words {
		unique[w] = true
	}
	a.UniqueWordRatio = float64(len(unique)) / float64(len(words))

	a.AvgSentenceLen = avgSentenceLength(content, len(words))
	a.DialogueRatio = dialogueRatio(content, len(words))
	a.PacingScore = pacingScore(words)
	a.HeuristicScore = heuristicScore(a)

	return a
}

// tokenize lowercases and splits on non-letter boundaries
func tokenize(content string) []string {
	return strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

func avgSentenceLength(content string, wordCount int) float64 {
	sentences := 0
	for _, r := range content {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences == 0 {
		return float64(wordCount)
	}
	return float64(wordCount) / float64(sentences)
}

// dialogueRatio counts words inside double quotes against the total
func dialogueRatio(content string, wordCount int) float64 {
	inQuote := false
	dialogueWords := 0
	inWord := false
	for _, r := range content {
		switch r {
		case '"':
			inQuote = !inQuote
			inWord = false
		case '“':
			inQuote = true
			inWord = false
		case '”':
			inQuote = false
			inWord = false
		default:
			isLetter := unicode.IsLetter(r)
			if inQuote && isLetter && !inWord {
				dialogueWords++
			}
			inWord = isLetter
		}
	}
	return float64(dialogueWords) / float64(wordCount)
}

// pacingScore weighs action against dialogue and description markers.
// 0 reads as static description, 1 as relentless action; a draft with no
// markers at all sits at the neutral midpoint.
func pacingScore(words []string) float64 {
	var action, dialogue, description int
	for _, w := range words {
		switch {
		case actionVerbs[w]:
			action++
		case dialogueMarkers[w]:
			dialogue++
		case descriptionMarkers[w]:
			description++
		}
	}

	total := action + dialogue + description
	if total == 0 {
		return 0.5
	}
	score := (float64(action)*1.5 + float64(dialogue)) / float64(total)
	return math.Min(score, 1.0)
}

// heuristicScore folds the individual metrics into a 0-100 quality estimate.
// Each component scores 1.0 inside its target band and decays linearly with
// distance from the band's center.
func heuristicScore(a *models.UnitAnalysis) int {
	scores := []float64{
		a.UniqueWordRatio,
		bandScore(a.AvgSentenceLen, 15, 20),
		bandScore(a.DialogueRatio, 0.3, 0.4),
		bandScore(a.PacingScore, 0.3, 0.7),
	}

	var sum float64
	for _, s := range scores {
		sum += s
	}
	score := int(math.Round(sum / float64(len(scores)) * 100))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func bandScore(value, low, high float64) float64 {
	if value >= low && value <= high {
		return 1.0
	}
	center := (low + high) / 2
	score := 1.0 - math.Abs(value-center)/center
	if score < 0 {
		return 0
	}
	return score
}
