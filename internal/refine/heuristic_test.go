package refine

import (
	"testing"

	"github.com/tmorrow/bookweaver/pkg/models"
)

func TestFallbackDecision(t *testing.T) {
	tests := []struct {
		name           string
		critique       string
		issues         []string
		heuristicScore int
		want           models.RefinementStrategy
	}{
		{
			name:     "structural critique",
			critique: "the plot hole in act two makes the chapter incoherent",
			want:     models.StrategyRegenerate,
		},
		{
			name:     "localized critique",
			critique: "the tavern scene drags and the dialogue feels stiff",
			want:     models.StrategyTargetedEdit,
		},
		{
			name:     "prose critique",
			critique: "awkward phrasing and repetitive word choice throughout",
			want:     models.StrategyLightPolish,
		},
		{
			name:           "clean draft with strong metrics",
			critique:       "",
			issues:         nil,
			heuristicScore: 85,
			want:           models.StrategySkip,
		},
		{
			name:           "no signal, weak metrics",
			critique:       "fine I guess",
			heuristicScore: 50,
			want:           models.StrategyLightPolish,
		},
		{
			name:     "structural wins over prose keywords",
			critique: "awkward phrasing, but worse, the ending contradicts chapter one",
			want:     models.StrategyRegenerate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := fallbackDecision(tt.critique, tt.issues, tt.heuristicScore)
			if d.Strategy != tt.want {
				t.Errorf("strategy = %s, want %s", d.Strategy, tt.want)
			}
			if d.Confidence >= DefaultLowConfidenceThreshold {
				t.Errorf("heuristic confidence %d should stay below the escalation threshold", d.Confidence)
			}
			if d.Reasoning == "" {
				t.Error("decision must carry reasoning")
			}
		})
	}
}
