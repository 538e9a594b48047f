package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmorrow/bookweaver/internal/config"
	"github.com/tmorrow/bookweaver/internal/genclient"
	"github.com/tmorrow/bookweaver/internal/metrics"
	"github.com/tmorrow/bookweaver/internal/util"
	"github.com/tmorrow/bookweaver/pkg/models"
)

// Policy defaults. Configurable through the refinement config section.
const (
	DefaultMaxIterations          = 2
	DefaultQualityThreshold       = 70
	DefaultLowConfidenceThreshold = 60

	// neutralScore stands in when the evaluate call fails. It sits below
	// the default quality threshold so a failed evaluation never ends the
	// loop early by itself.
	neutralScore = 50
)

// Length ratio bands per strategy: a revision whose length falls outside the
// band relative to its input is discarded for that iteration.
const (
	targetedEditMinRatio = 0.60
	targetedEditMaxRatio = 1.40
	lightPolishMinRatio  = 0.70
	lightPolishMaxRatio  = 1.30
	regenerateMinRatio   = 0.30
	regenerateMaxRatio   = 3.00
)

// TextGenerator is the slice of the generative client the loop needs
type TextGenerator interface {
	Generate(ctx context.Context, name string, req genclient.Request) (string, error)
}

// Input carries the unit content plus the constraints and critique the
// revision calls need. The loop never mutates it.
type Input struct {
	Content           string
	Objective         string
	KeyEvents         string
	Setting           string
	PreviousSummaries string
	Style             string
	TargetWords       int

	Critique       string
	Issues         []string
	HeuristicScore int
}

// Result is the refined content and the per-iteration audit trail
type Result struct {
	Content  string
	History  []models.IterationRecord
	Warnings []string
}

// Loop runs the bounded decide/execute/evaluate refinement cycle
type Loop struct {
	gen       TextGenerator
	templates config.PromptTemplates
	policy    config.RefinementConfig
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewLoop creates a refinement loop with the given policy
func NewLoop(gen TextGenerator, templates config.PromptTemplates, policy config.RefinementConfig, collector *metrics.Collector, logger *slog.Logger) *Loop {
	if policy.MaxIterations < 1 {
		policy.MaxIterations = DefaultMaxIterations
	}
	if policy.QualityThreshold == 0 {
		policy.QualityThreshold = DefaultQualityThreshold
	}
	if policy.LowConfidenceThreshold == 0 {
		policy.LowConfidenceThreshold = DefaultLowConfidenceThreshold
	}
	return &Loop{
		gen:       gen,
		templates: templates,
		policy:    policy,
		collector: collector,
		logger:    logger,
	}
}

// Refine revises in.Content until it clears the quality threshold or the
// iteration budget runs out. The input content is never mutated; the result
// always carries a defined content string, degraded quality included.
func (l *Loop) Refine(ctx context.Context, in Input) (Result, error) {
	res := Result{Content: in.Content}
	content := in.Content
	critique := in.Critique
	issues := in.Issues
	forceRegenerate := false

	for k := 1; k <= l.policy.MaxIterations; k++ {
		decision := l.decide(ctx, content, critique, issues, in.HeuristicScore)

		if forceRegenerate {
			decision.Strategy = models.StrategyRegenerate
			decision.Reasoning = "escalated after weak revision: " + decision.Reasoning
		}

		if decision.Strategy == models.StrategySkip {
			res.History = append(res.History, models.IterationRecord{
				Iteration:    k,
				Decision:     decision,
				QualityScore: in.HeuristicScore,
				Accepted:     true,
				Timestamp:    time.Now(),
			})
			res.Content = content
			l.collector.RecordRefinement(string(decision.Strategy), k-1)
			return res, nil
		}

		revised, err := l.execute(ctx, decision, content, in)
		if err != nil {
			return res, fmt.Errorf("refinement execute failed: %w", err)
		}
		if discarded, reason := l.outOfBand(decision.Strategy, content, revised); discarded {
			res.Warnings = append(res.Warnings, reason)
			l.logger.Warn("Discarding revision outside length band",
				"iteration", k,
				"strategy", decision.Strategy,
				"reason", reason)
			revised = content
		}

		score := l.evaluate(ctx, revised, in)

		accepted := score >= l.policy.QualityThreshold || k >= l.policy.MaxIterations
		res.History = append(res.History, models.IterationRecord{
			Iteration:    k,
			Decision:     decision,
			QualityScore: score,
			Accepted:     accepted,
			Timestamp:    time.Now(),
		})

		if score >= l.policy.QualityThreshold {
			res.Content = revised
			l.collector.RecordRefinement(string(decision.Strategy), k)
			return res, nil
		}

		if k >= l.policy.MaxIterations {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"accepted below quality threshold after %d iterations (score %d < %d)",
				k, score, l.policy.QualityThreshold))
			l.logger.Warn("Accepting unit below quality threshold",
				"iterations", k,
				"score", score,
				"threshold", l.policy.QualityThreshold)
			res.Content = revised
			l.collector.RecordRefinement(string(decision.Strategy), k)
			return res, nil
		}

		if decision.Confidence < l.policy.LowConfidenceThreshold || decision.Strategy == models.StrategyTargetedEdit {
			forceRegenerate = true
			critique = fmt.Sprintf(
				"A %s revision was attempted and scored %d, below the bar of %d. The draft needs a full rewrite. Previous critique: %s",
				decision.Strategy, score, l.policy.QualityThreshold, critique)
		}
		content = revised
	}

	res.Content = content
	return res, nil
}

// decide asks the critic for a revision strategy, falling back to the
// keyword classifier on any failure. It never returns an error.
func (l *Loop) decide(ctx context.Context, content, critique string, issues []string, heuristicScore int) models.RefinementDecision {
	prompt, err := util.RenderTemplate(l.templates.Decide, map[string]interface{}{
		"Critique":       critique,
		"Issues":         strings.Join(issues, "\n- "),
		"HeuristicScore": heuristicScore,
	})
	if err != nil {
		l.logger.Warn("Decide template failed, using heuristic", "error", err)
		return fallbackDecision(critique, issues, heuristicScore)
	}

	raw, err := l.gen.Generate(ctx, "refine_decide", genclient.Request{
		Role:     config.RoleCritic,
		Prompt:   prompt,
		JSONMode: true,
		Priority: models.PriorityMedium,
	})
	if err != nil {
		l.logger.Warn("Decide call failed, using heuristic", "error", err)
		return fallbackDecision(critique, issues, heuristicScore)
	}

	decision, err := parseDecision(raw)
	if err != nil {
		l.logger.Warn("Decide response unparsable, using heuristic", "error", err)
		return fallbackDecision(critique, issues, heuristicScore)
	}
	return decision
}

func parseDecision(raw string) (models.RefinementDecision, error) {
	var parsed struct {
		Strategy   string `json:"strategy"`
		Reasoning  string `json:"reasoning"`
		Priority   string `json:"priority"`
		Confidence int    `json:"confidence"`
	}
	cleaned := util.SanitizeJSON(util.ExtractJSON(raw))
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return models.RefinementDecision{}, fmt.Errorf("invalid decision JSON: %w", err)
	}

	strategy, err := models.ParseStrategy(parsed.Strategy)
	if err != nil {
		return models.RefinementDecision{}, err
	}

	priority := models.Priority(parsed.Priority)
	switch priority {
	case models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
	default:
		priority = models.PriorityMedium
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	return models.RefinementDecision{
		Strategy:   strategy,
		Reasoning:  parsed.Reasoning,
		Priority:   priority,
		Confidence: confidence,
	}, nil
}

// execute dispatches the strategy-specific revision call
func (l *Loop) execute(ctx context.Context, decision models.RefinementDecision, content string, in Input) (string, error) {
	var tmpl, name string
	data := map[string]interface{}{
		"Content":           content,
		"Critique":          in.Critique,
		"Issues":            strings.Join(in.Issues, "\n- "),
		"Objective":         in.Objective,
		"KeyEvents":         in.KeyEvents,
		"Setting":           in.Setting,
		"PreviousSummaries": in.PreviousSummaries,
		"Style":             in.Style,
		"TargetWords":       in.TargetWords,
	}

	switch decision.Strategy {
	case models.StrategyTargetedEdit:
		tmpl, name = l.templates.TargetedEdit, "refine_targeted_edit"
	case models.StrategyRegenerate:
		tmpl, name = l.templates.Regenerate, "refine_regenerate"
	case models.StrategyLightPolish:
		tmpl, name = l.templates.LightPolish, "refine_light_polish"
	default:
		return "", fmt.Errorf("no revision call for strategy %q", decision.Strategy)
	}

	prompt, err := util.RenderTemplate(tmpl, data)
	if err != nil {
		return "", fmt.Errorf("revision template failed: %w", err)
	}

	return l.gen.Generate(ctx, name, genclient.Request{
		Role:     config.RoleEditor,
		Prompt:   prompt,
		Priority: decision.Priority,
	})
}

// outOfBand reports whether the revision's length ratio violates the
// strategy's band.
func (l *Loop) outOfBand(strategy models.RefinementStrategy, original, revised string) (bool, string) {
	if len(original) == 0 {
		return false, ""
	}
	ratio := float64(len(revised)) / float64(len(original))

	var min, max float64
	switch strategy {
	case models.StrategyTargetedEdit:
		min, max = targetedEditMinRatio, targetedEditMaxRatio
	case models.StrategyLightPolish:
		min, max = lightPolishMinRatio, lightPolishMaxRatio
	case models.StrategyRegenerate:
		min, max = regenerateMinRatio, regenerateMaxRatio
	default:
		return false, ""
	}

	if ratio < min || ratio > max {
		return true, fmt.Sprintf("%s revision length ratio %.2f outside [%.2f, %.2f]", strategy, ratio, min, max)
	}
	return false, ""
}

// evaluate scores the revision 0-100. A failed evaluation yields the neutral
// score instead of an error.
func (l *Loop) evaluate(ctx context.Context, content string, in Input) int {
	prompt, err := util.RenderTemplate(l.templates.Evaluate, map[string]interface{}{
		"Content":   content,
		"Objective": in.Objective,
		"KeyEvents": in.KeyEvents,
	})
	if err != nil {
		l.logger.Warn("Evaluate template failed, using neutral score", "error", err)
		return neutralScore
	}

	raw, err := l.gen.Generate(ctx, "refine_evaluate", genclient.Request{
		Role:     config.RoleCritic,
		Prompt:   prompt,
		JSONMode: true,
		Priority: models.PriorityMedium,
	})
	if err != nil {
		l.logger.Warn("Evaluate call failed, using neutral score", "error", err)
		return neutralScore
	}

	var parsed struct {
		Score     int    `json:"score"`
		Reasoning string `json:"reasoning"`
	}
	cleaned := util.SanitizeJSON(util.ExtractJSON(raw))
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		l.logger.Warn("Evaluate response unparsable, using neutral score", "error", err)
		return neutralScore
	}

	if parsed.Score < 0 {
		return 0
	}
	if parsed.Score > 100 {
		return 100
	}
	return parsed.Score
}
