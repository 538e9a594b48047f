package refine

import (
	"strings"

	"github.com/tmorrow/bookweaver/pkg/models"
)

var structuralKeywords = []string{
	"structure", "structural", "plot hole", "incoherent", "contradict",
	"does not accomplish", "misses the objective", "off the rails", "rewrite",
}

var polishKeywords = []string{
	"word choice", "phrasing", "awkward", "clunky", "repetitive", "grammar",
	"typo", "prose", "rhythm", "purple",
}

var localizedKeywords = []string{
	"scene", "dialogue", "paragraph", "passage", "section", "opening",
	"ending", "pacing", "character voice",
}

// fallbackDecision is the deterministic classifier used when the decide call
// fails or returns something unparsable. It keys off the critique text and
// always yields a valid decision.
func fallbackDecision(critique string, issues []string, heuristicScore int) models.RefinementDecision {
	text := strings.ToLower(critique + " " + strings.Join(issues, " "))

	switch {
	case containsAny(text, structuralKeywords):
		return models.RefinementDecision{
			Strategy:   models.StrategyRegenerate,
			Reasoning:  "heuristic: critique indicates structural problems",
			Priority:   models.PriorityHigh,
			Confidence: 40,
		}
	case containsAny(text, localizedKeywords):
		return models.RefinementDecision{
			Strategy:   models.StrategyTargetedEdit,
			Reasoning:  "heuristic: critique points at specific passages",
			Priority:   models.PriorityMedium,
			Confidence: 40,
		}
	case containsAny(text, polishKeywords):
		return models.RefinementDecision{
			Strategy:   models.StrategyLightPolish,
			Reasoning:  "heuristic: critique is limited to prose quality",
			Priority:   models.PriorityLow,
			Confidence: 40,
		}
	case len(issues) == 0 && heuristicScore >= 80:
		return models.RefinementDecision{
			Strategy:   models.StrategySkip,
			Reasoning:  "heuristic: no issues reported and metrics are strong",
			Priority:   models.PriorityLow,
			Confidence: 40,
		}
	default:
		return models.RefinementDecision{
			Strategy:   models.StrategyLightPolish,
			Reasoning:  "heuristic: no clear signal, defaulting to a polish pass",
			Priority:   models.PriorityLow,
			Confidence: 30,
		}
	}
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
