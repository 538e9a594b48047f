package models

import "time"

// Phase represents the current stage of the book generation state machine
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseOutline           Phase = "outline_generation"
	PhaseAwaitingApproval  Phase = "awaiting_outline_approval"
	PhaseContextExtraction Phase = "context_extraction"
	PhasePlanGeneration    Phase = "plan_generation"
	PhaseUnitGeneration    Phase = "unit_generation"
	PhaseConsolidation     Phase = "consolidation_pass"
	PhasePolish            Phase = "polish_pass"
	PhaseTransition        Phase = "transition_pass"
	PhaseCompilation       Phase = "compilation"
	PhaseComplete          Phase = "complete"
	PhaseFailed            Phase = "failed"
)

// phaseOrder defines the forward progression of the state machine.
// Failed is reachable from anywhere and has no forward position.
var phaseOrder = map[Phase]int{
	PhaseIdle:              0,
	PhaseOutline:           1,
	PhaseAwaitingApproval:  2,
	PhaseContextExtraction: 3,
	PhasePlanGeneration:    4,
	PhaseUnitGeneration:    5,
	PhaseConsolidation:     6,
	PhasePolish:            7,
	PhaseTransition:        8,
	PhaseCompilation:       9,
	PhaseComplete:          10,
}

// Order returns the forward position of the phase, or -1 for Failed/unknown phases
func (p Phase) Order() int {
	if pos, ok := phaseOrder[p]; ok {
		return pos
	}
	return -1
}

// Terminal reports whether the phase ends the session
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// WritingStyle selects the narrative voice used for drafting prompts
type WritingStyle string

const (
	StyleCinematic    WritingStyle = "cinematic"
	StyleLyrical      WritingStyle = "lyrical"
	StyleDramatic     WritingStyle = "dramatic"
	StyleMinimalistic WritingStyle = "minimalistic"
)

// ValidStyle reports whether s is a known writing style
func ValidStyle(s WritingStyle) bool {
	switch s {
	case StyleCinematic, StyleLyrical, StyleDramatic, StyleMinimalistic:
		return true
	}
	return false
}

// MinUnitCount is the domain minimum number of units per book
const MinUnitCount = 3

// GenerationSession is the unit of persisted work: one book in progress.
// It is mutated exclusively by the orchestrator and persisted as an atomic
// snapshot after every phase transition and every completed unit.
type GenerationSession struct {
	ID           string       `json:"id"`
	Premise      string       `json:"premise"`
	UnitCount    int          `json:"unit_count"`
	Style        WritingStyle `json:"style"`
	CurrentPhase Phase        `json:"current_phase"`

	Outline string      `json:"outline,omitempty"`
	Plan    []PlanEntry `json:"plan,omitempty"`
	Units   []*Unit     `json:"units,omitempty"`

	// WorldFacts accumulates extraction results keyed by fact name
	// (characters, world, motifs).
	WorldFacts map[string]string `json:"world_facts,omitempty"`

	Title    string `json:"title,omitempty"`
	Subtitle string `json:"subtitle,omitempty"`
	Synopsis string `json:"synopsis,omitempty"`

	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FirstIncompleteUnit returns the index of the first unit that has not
// reached StageComplete, or len(Plan) if all planned units are done.
func (s *GenerationSession) FirstIncompleteUnit() int {
	for i := range s.Plan {
		if i >= len(s.Units) || s.Units[i] == nil || s.Units[i].Stage != StageComplete {
			return i
		}
	}
	return len(s.Plan)
}

// FactSatisfied reports whether an extraction sub-task already produced a
// non-empty result (used for idempotent resume of ContextExtraction).
func (s *GenerationSession) FactSatisfied(key string) bool {
	if s.WorldFacts == nil {
		return false
	}
	return s.WorldFacts[key] != ""
}

// PlanEntry is one planned unit produced during PlanGeneration
type PlanEntry struct {
	Index     int      `json:"index"`
	Title     string   `json:"title"`
	Objective string   `json:"objective"`
	KeyEvents []string `json:"key_events,omitempty"`
	Setting   string   `json:"setting,omitempty"`
}
