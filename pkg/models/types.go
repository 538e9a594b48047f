package models

import (
	"fmt"
	"time"
)

// UnitStage tracks the lifecycle of a single unit (chapter)
type UnitStage string

const (
	StageNotStarted         UnitStage = "not_started"
	StageDrafting           UnitStage = "drafting"
	StageRefining           UnitStage = "refining"
	StageConsistencyChecked UnitStage = "consistency_checked"
	StageComplete           UnitStage = "complete"
)

// Unit is one ordered work item of the plan. Content grows via streamed
// append during drafting; once the unit is complete it is only replaced
// wholesale by the later whole-set passes.
type Unit struct {
	Index   int       `json:"index"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Summary string    `json:"summary,omitempty"`
	Plan    PlanEntry `json:"plan"`
	Stage   UnitStage `json:"stage"`

	Analysis *UnitAnalysis     `json:"analysis,omitempty"`
	History  []IterationRecord `json:"history,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// UnitAnalysis holds derived metrics for a drafted unit. The heuristic
// fields come from the local analyzer; Critique comes from the critic model
// and feeds the refinement loop.
type UnitAnalysis struct {
	WordCount       int     `json:"word_count"`
	UniqueWordRatio float64 `json:"unique_word_ratio"`
	AvgSentenceLen  float64 `json:"avg_sentence_length"`
	DialogueRatio   float64 `json:"dialogue_ratio"`
	PacingScore     float64 `json:"pacing_score"`
	HeuristicScore  int     `json:"heuristic_score"` // 0-100

	Critique string   `json:"critique,omitempty"`
	Issues   []string `json:"issues,omitempty"`
}

// RefinementStrategy is the revision approach selected by the decide step
type RefinementStrategy string

const (
	StrategyTargetedEdit RefinementStrategy = "targeted-edit"
	StrategyRegenerate   RefinementStrategy = "regenerate"
	StrategyLightPolish  RefinementStrategy = "light-polish"
	StrategySkip         RefinementStrategy = "skip"
)

// ParseStrategy validates a strategy value from a model response.
// Unknown values are rejected before dispatch, never silently defaulted.
func ParseStrategy(s string) (RefinementStrategy, error) {
	switch RefinementStrategy(s) {
	case StrategyTargetedEdit, StrategyRegenerate, StrategyLightPolish, StrategySkip:
		return RefinementStrategy(s), nil
	}
	return "", fmt.Errorf("unknown refinement strategy %q", s)
}

// Priority orders refinement work and queued requests
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns a comparable weight, lower is more urgent
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// RefinementDecision is the strategy selection output of the decide step
type RefinementDecision struct {
	Strategy   RefinementStrategy `json:"strategy"`
	Reasoning  string             `json:"reasoning"`
	Priority   Priority           `json:"priority"`
	Confidence int                `json:"confidence"` // 0-100
}

// IterationRecord is one entry in a unit's refinement history
type IterationRecord struct {
	Iteration    int                `json:"iteration"`
	Decision     RefinementDecision `json:"decision"`
	QualityScore int                `json:"quality_score"`
	Accepted     bool               `json:"accepted"`
	Timestamp    time.Time          `json:"timestamp"`
}

// ProgressEvent is one entry of the orchestrator's observability stream.
// UnitIndex is -1 for events not tied to a specific unit.
type ProgressEvent struct {
	Phase     Phase          `json:"phase"`
	UnitIndex int            `json:"unit_index"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
