package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tmorrow/bookweaver/internal/analysis"
	"github.com/tmorrow/bookweaver/internal/config"
	"github.com/tmorrow/bookweaver/internal/genclient"
	"github.com/tmorrow/bookweaver/internal/refine"
	"github.com/tmorrow/bookweaver/internal/resilience"
	"github.com/tmorrow/bookweaver/internal/util"
	"github.com/tmorrow/bookweaver/internal/writer"
	"github.com/tmorrow/bookweaver/pkg/models"
)

// World fact keys filled in by context extraction
const (
	factCharacters = "characters"
	factWorld      = "world"
	factMotifs     = "motifs"
)

// summaryFallbackChars bounds the tail of raw content used as a stand-in
// summary when the summary call fails.
const summaryFallbackChars = 800

func (o *Orchestrator) runOutline(ctx context.Context) error {
	prompt, err := util.RenderTemplate(o.cfg.PromptTemplates.Outline, map[string]interface{}{
		"Premise":   o.session.Premise,
		"UnitCount": o.session.UnitCount,
		"Style":     string(o.session.Style),
	})
	if err != nil {
		return fmt.Errorf("outline template failed: %w", err)
	}

	outline, err := o.gen.Generate(ctx, "outline", genclient.Request{
		Role:     config.RoleAuthor,
		System:   o.cfg.PromptTemplates.DraftSystemPrompt,
		Prompt:   prompt,
		Priority: models.PriorityHigh,
	})
	if err != nil {
		return fmt.Errorf("outline generation failed: %w", err)
	}
	if strings.TrimSpace(outline) == "" {
		return fmt.Errorf("outline generation returned empty text")
	}

	o.session.Outline = outline
	return nil
}

// runContextExtraction fans out the three extraction sub-tasks concurrently
// and joins them. Sub-tasks already satisfied from a resumed session are
// skipped. Any failure fails the whole step; nothing is committed partially.
func (o *Orchestrator) runContextExtraction(ctx context.Context) error {
	tasks := []struct {
		key  string
		tmpl string
	}{
		{factCharacters, o.cfg.PromptTemplates.ExtractCharacters},
		{factWorld, o.cfg.PromptTemplates.ExtractWorld},
		{factMotifs, o.cfg.PromptTemplates.ExtractMotifs},
	}

	results := make(map[string]string, len(tasks))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, task := range tasks {
		if o.session.FactSatisfied(task.key) {
			o.logger.Debug("Extraction already satisfied, skipping", "fact", task.key)
			continue
		}

		wg.Add(1)
		go func(key, tmpl string) {
			defer wg.Done()

			prompt, err := util.RenderTemplate(tmpl, map[string]interface{}{
				"Outline": o.session.Outline,
			})
			if err == nil {
				var text string
				text, err = o.gen.Generate(ctx, "extract_"+key, genclient.Request{
					Role:     config.RoleCritic,
					Prompt:   prompt,
					Priority: models.PriorityMedium,
				})
				if err == nil && strings.TrimSpace(text) == "" {
					err = fmt.Errorf("extraction %s returned empty text", key)
				}
				if err == nil {
					mu.Lock()
					results[key] = text
					mu.Unlock()
					return
				}
			}

			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("extraction %s failed: %w", key, err)
			}
			mu.Unlock()
		}(task.key, task.tmpl)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	if o.session.WorldFacts == nil {
		o.session.WorldFacts = make(map[string]string, len(tasks))
	}
	for key, text := range results {
		o.session.WorldFacts[key] = text
	}
	return nil
}

// runPlanGeneration produces one plan entry per unit via a single structured
// call. A parse failure or a count mismatch is fatal for the phase.
func (o *Orchestrator) runPlanGeneration(ctx context.Context) error {
	prompt, err := util.RenderTemplate(o.cfg.PromptTemplates.Plan, map[string]interface{}{
		"Outline":    o.session.Outline,
		"Characters": o.session.WorldFacts[factCharacters],
		"World":      o.session.WorldFacts[factWorld],
		"UnitCount":  o.session.UnitCount,
	})
	if err != nil {
		return fmt.Errorf("plan template failed: %w", err)
	}

	raw, err := o.gen.Generate(ctx, "plan", genclient.Request{
		Role:     config.RoleAuthor,
		Prompt:   prompt,
		JSONMode: true,
		Priority: models.PriorityHigh,
	})
	if err != nil {
		return fmt.Errorf("plan generation failed: %w", err)
	}

	var entries []models.PlanEntry
	cleaned := util.SanitizeJSON(util.ExtractJSON(raw))
	if err := json.Unmarshal([]byte(cleaned), &entries); err != nil {
		return &resilience.ValidationError{
			Op:  "plan parse",
			Err: fmt.Errorf("plan response is not a valid entry array: %w", err),
		}
	}
	if len(entries) != o.session.UnitCount {
		return &resilience.ValidationError{
			Op:  "plan parse",
			Err: fmt.Errorf("plan has %d entries, want %d", len(entries), o.session.UnitCount),
		}
	}
	for i := range entries {
		entries[i].Index = i + 1
	}

	o.session.Plan = entries
	return nil
}

// runUnitGeneration drafts and refines units strictly in order, starting
// from the first incomplete one. Each completed unit is persisted before the
// next begins.
func (o *Orchestrator) runUnitGeneration(ctx context.Context) error {
	for i := o.session.FirstIncompleteUnit(); i < o.session.UnitCount; i++ {
		if err := o.generateUnit(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) generateUnit(ctx context.Context, index int) error {
	entry := o.session.Plan[index]
	unit := o.unitAt(index)
	unit.Title = entry.Title
	unit.Plan = entry

	start := time.Now()
	o.emit(models.PhaseUnitGeneration, unit.Index, "drafting unit", map[string]any{"title": unit.Title})

	// Draft
	unit.Stage = models.StageDrafting
	if err := o.store.Save(o.session); err != nil {
		return err
	}

	draft, err := o.draftUnit(ctx, entry)
	if err != nil {
		return fmt.Errorf("unit %d draft failed: %w", unit.Index, err)
	}

	draft, removed := analysis.RemoveDuplicateParagraphs(draft)
	if removed > 0 {
		unit.Warnings = append(unit.Warnings, fmt.Sprintf("removed %d duplicated paragraphs from draft", removed))
	}
	unit.Content = draft

	// Analyze
	unit.Analysis = analysis.Analyze(draft)
	critique, issues := o.critiqueUnit(ctx, unit, entry)
	unit.Analysis.Critique = critique
	unit.Analysis.Issues = issues

	// Refine
	unit.Stage = models.StageRefining
	if err := o.store.Save(o.session); err != nil {
		return err
	}

	result, err := o.loop.Refine(ctx, refine.Input{
		Content:           unit.Content,
		Objective:         entry.Objective,
		KeyEvents:         strings.Join(entry.KeyEvents, "; "),
		Setting:           entry.Setting,
		PreviousSummaries: o.previousSummaries(index),
		Style:             string(o.session.Style),
		TargetWords:       o.cfg.Generation.TargetUnitWords,
		Critique:          critique,
		Issues:            issues,
		HeuristicScore:    unit.Analysis.HeuristicScore,
	})
	if err != nil {
		return fmt.Errorf("unit %d refinement failed: %w", unit.Index, err)
	}
	unit.Content = result.Content
	unit.History = append(unit.History, result.History...)
	unit.Warnings = append(unit.Warnings, result.Warnings...)
	unit.Analysis = analysis.Analyze(unit.Content)
	unit.Analysis.Critique = critique
	unit.Analysis.Issues = issues

	// Consistency check, best effort
	if warnings := o.checkConsistency(ctx, unit); len(warnings) > 0 {
		unit.Warnings = append(unit.Warnings, warnings...)
	}
	unit.Stage = models.StageConsistencyChecked

	// Summary for downstream units
	unit.Summary = o.summarizeUnit(ctx, unit)

	unit.Stage = models.StageComplete
	if err := o.store.Save(o.session); err != nil {
		return err
	}

	o.logger.Info("Unit complete",
		"unit", unit.Index,
		"words", unit.Analysis.WordCount,
		"iterations", len(unit.History),
		"warnings", len(unit.Warnings),
		"duration", time.Since(start))
	o.emit(models.PhaseUnitGeneration, unit.Index, "unit complete", map[string]any{
		"words":      unit.Analysis.WordCount,
		"iterations": len(unit.History),
	})
	return nil
}

// unitAt returns the unit for a zero-based index, creating it on first reach
func (o *Orchestrator) unitAt(index int) *models.Unit {
	for len(o.session.Units) <= index {
		o.session.Units = append(o.session.Units, &models.Unit{
			Index: len(o.session.Units) + 1,
			Stage: models.StageNotStarted,
		})
	}
	return o.session.Units[index]
}

func (o *Orchestrator) draftUnit(ctx context.Context, entry models.PlanEntry) (string, error) {
	prompt, err := util.RenderTemplate(o.cfg.PromptTemplates.Draft, map[string]interface{}{
		"Index":             entry.Index,
		"Title":             entry.Title,
		"Objective":         entry.Objective,
		"KeyEvents":         strings.Join(entry.KeyEvents, "; "),
		"Setting":           entry.Setting,
		"PreviousSummaries": o.previousSummaries(entry.Index - 1),
		"Characters":        o.session.WorldFacts[factCharacters],
		"World":             o.session.WorldFacts[factWorld],
		"Motifs":            o.session.WorldFacts[factMotifs],
		"Style":             string(o.session.Style),
		"TargetWords":       o.cfg.Generation.TargetUnitWords,
	})
	if err != nil {
		return "", fmt.Errorf("draft template failed: %w", err)
	}

	var streamed int
	return o.gen.GenerateStream(ctx, "draft_unit", genclient.Request{
		Role:     config.RoleAuthor,
		System:   o.cfg.PromptTemplates.DraftSystemPrompt,
		Prompt:   prompt,
		Priority: models.PriorityHigh,
	}, func(delta string) {
		streamed += len(delta)
		o.emit(models.PhaseUnitGeneration, entry.Index, "drafting", map[string]any{"chars": streamed})
	})
}

// critiqueUnit requests a structured critique of the draft. Failure is not
// fatal; the refinement loop's heuristics can work from an empty critique.
func (o *Orchestrator) critiqueUnit(ctx context.Context, unit *models.Unit, entry models.PlanEntry) (string, []string) {
	prompt, err := util.RenderTemplate(o.cfg.PromptTemplates.Analyze, map[string]interface{}{
		"Objective": entry.Objective,
		"KeyEvents": strings.Join(entry.KeyEvents, "; "),
		"Content":   unit.Content,
	})
	if err != nil {
		o.logger.Warn("Analyze template failed", "unit", unit.Index, "error", err)
		return "", nil
	}

	raw, err := o.gen.Generate(ctx, "analyze_unit", genclient.Request{
		Role:     config.RoleCritic,
		Prompt:   prompt,
		JSONMode: true,
		Priority: models.PriorityMedium,
	})
	if err != nil {
		o.logger.Warn("Critique call failed, continuing without critique",
			"unit", unit.Index,
			"error", err)
		return "", nil
	}

	var parsed struct {
		Critique string   `json:"critique"`
		Issues   []string `json:"issues"`
	}
	cleaned := util.SanitizeJSON(util.ExtractJSON(raw))
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		o.logger.Warn("Critique response unparsable", "unit", unit.Index, "error", err)
		return "", nil
	}
	return parsed.Critique, parsed.Issues
}

// checkConsistency validates the unit against the story bible. Best effort:
// failures produce warnings, never abort the unit.
func (o *Orchestrator) checkConsistency(ctx context.Context, unit *models.Unit) []string {
	prompt, err := util.RenderTemplate(o.cfg.PromptTemplates.Consistency, map[string]interface{}{
		"Characters":        o.session.WorldFacts[factCharacters],
		"World":             o.session.WorldFacts[factWorld],
		"PreviousSummaries": o.previousSummaries(unit.Index - 1),
		"Content":           unit.Content,
	})
	if err != nil {
		o.logger.Warn("Consistency template failed", "unit", unit.Index, "error", err)
		return nil
	}

	raw, err := o.gen.Generate(ctx, "consistency_check", genclient.Request{
		Role:     config.RoleCritic,
		Prompt:   prompt,
		JSONMode: true,
		Priority: models.PriorityLow,
	})
	if err != nil {
		o.logger.Warn("Consistency check failed, continuing",
			"unit", unit.Index,
			"error", err)
		return nil
	}

	var contradictions []string
	cleaned := util.SanitizeJSON(util.ExtractJSON(raw))
	if err := json.Unmarshal([]byte(cleaned), &contradictions); err != nil {
		o.logger.Warn("Consistency response unparsable", "unit", unit.Index, "error", err)
		return nil
	}

	warnings := make([]string, 0, len(contradictions))
	for _, c := range contradictions {
		warnings = append(warnings, "consistency: "+c)
	}
	return warnings
}

// summarizeUnit produces the summary that feeds subsequent units. A failed
// call falls back to the draft's tail so downstream context is never empty.
func (o *Orchestrator) summarizeUnit(ctx context.Context, unit *models.Unit) string {
	prompt, err := util.RenderTemplate(o.cfg.PromptTemplates.Summary, map[string]interface{}{
		"Content": unit.Content,
	})
	if err == nil {
		summary, genErr := o.gen.Generate(ctx, "summarize_unit", genclient.Request{
			Role:     config.RoleCritic,
			Prompt:   prompt,
			Priority: models.PriorityLow,
		})
		if genErr == nil && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary)
		}
		err = genErr
	}

	o.logger.Warn("Summary call failed, using content tail",
		"unit", unit.Index,
		"error", err)
	unit.Warnings = append(unit.Warnings, "summary generation failed, using content excerpt")

	content := unit.Content
	if len(content) > summaryFallbackChars {
		content = content[len(content)-summaryFallbackChars:]
	}
	return content
}

// previousSummaries joins the summaries of all units before the zero-based
// index upTo.
func (o *Orchestrator) previousSummaries(upTo int) string {
	if upTo <= 0 {
		return "This is the first chapter; the story has not started yet."
	}

	var sb strings.Builder
	for i := 0; i < upTo && i < len(o.session.Units); i++ {
		unit := o.session.Units[i]
		if unit == nil || unit.Summary == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("Chapter %d: %s\n\n", unit.Index, unit.Summary))
	}
	return strings.TrimSpace(sb.String())
}

// runConsolidation does a best-effort continuity pass over every unit
func (o *Orchestrator) runConsolidation(ctx context.Context) error {
	return o.rewritePass(ctx, "consolidate_unit", func(unit *models.Unit) (string, error) {
		return util.RenderTemplate(o.cfg.PromptTemplates.Consolidate, map[string]interface{}{
			"Index":        unit.Index,
			"AllSummaries": o.allSummaries(),
			"Content":      unit.Content,
		})
	})
}

// runPolish does a best-effort final prose pass over every unit
func (o *Orchestrator) runPolish(ctx context.Context) error {
	return o.rewritePass(ctx, "polish_unit", func(unit *models.Unit) (string, error) {
		return util.RenderTemplate(o.cfg.PromptTemplates.Polish, map[string]interface{}{
			"Index":   unit.Index,
			"Content": unit.Content,
		})
	})
}

// rewritePass runs a whole-unit rewrite call over each unit in order. Per
// unit failures and implausibly sized rewrites degrade to warnings; the pass
// itself never fails the pipeline. Context cancellation still aborts.
func (o *Orchestrator) rewritePass(ctx context.Context, name string, render func(*models.Unit) (string, error)) error {
	for _, unit := range o.session.Units {
		if err := ctx.Err(); err != nil {
			return err
		}

		prompt, err := render(unit)
		if err != nil {
			o.logger.Warn("Rewrite template failed", "call", name, "unit", unit.Index, "error", err)
			continue
		}

		revised, err := o.gen.Generate(ctx, name, genclient.Request{
			Role:     config.RoleEditor,
			Prompt:   prompt,
			Priority: models.PriorityLow,
		})
		if err != nil {
			unit.Warnings = append(unit.Warnings, fmt.Sprintf("%s failed: %v", name, err))
			o.logger.Warn("Rewrite call failed, keeping unit as is",
				"call", name,
				"unit", unit.Index,
				"error", err)
			continue
		}

		if !plausibleRewrite(unit.Content, revised) {
			unit.Warnings = append(unit.Warnings, fmt.Sprintf("%s output discarded: implausible length", name))
			continue
		}

		unit.Content = revised
		unit.Analysis = analysis.Analyze(revised)
		if err := o.store.Save(o.session); err != nil {
			return err
		}
		o.emit(o.session.CurrentPhase, unit.Index, name+" applied", nil)
	}
	return nil
}

// plausibleRewrite guards whole-unit rewrites against truncated or runaway
// outputs.
func plausibleRewrite(original, revised string) bool {
	if len(strings.TrimSpace(revised)) == 0 || len(original) == 0 {
		return false
	}
	ratio := float64(len(revised)) / float64(len(original))
	return ratio >= 0.5 && ratio <= 2.0
}

// runTransition rewrites each unit's tail so it hands off cleanly to the
// next unit's opening.
func (o *Orchestrator) runTransition(ctx context.Context) error {
	tailChars := o.cfg.Generation.TransitionTailChars

	for i := 0; i < len(o.session.Units)-1; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		unit := o.session.Units[i]
		next := o.session.Units[i+1]
		if len(unit.Content) <= tailChars {
			continue
		}

		tail := unit.Content[len(unit.Content)-tailChars:]
		opening := util.TruncateString(next.Content, 600)

		prompt, err := util.RenderTemplate(o.cfg.PromptTemplates.Transition, map[string]interface{}{
			"Index":       unit.Index,
			"NextIndex":   next.Index,
			"Tail":        tail,
			"NextOpening": opening,
		})
		if err != nil {
			o.logger.Warn("Transition template failed", "unit", unit.Index, "error", err)
			continue
		}

		rewritten, err := o.gen.Generate(ctx, "transition_unit", genclient.Request{
			Role:     config.RoleEditor,
			Prompt:   prompt,
			Priority: models.PriorityLow,
		})
		if err != nil {
			unit.Warnings = append(unit.Warnings, fmt.Sprintf("transition rewrite failed: %v", err))
			continue
		}
		if !plausibleRewrite(tail, rewritten) {
			unit.Warnings = append(unit.Warnings, "transition rewrite discarded: implausible length")
			continue
		}

		unit.Content = unit.Content[:len(unit.Content)-tailChars] + strings.TrimSpace(rewritten)
		if err := o.store.Save(o.session); err != nil {
			return err
		}
		o.emit(models.PhaseTransition, unit.Index, "transition rewritten", nil)
	}
	return nil
}

// runCompilation names the book and writes the final artifacts
func (o *Orchestrator) runCompilation(ctx context.Context) error {
	o.generateTitle(ctx)

	bw := writer.NewBookWriter(o.store.Dir(o.session.ID), o.logger)
	if err := bw.Compile(o.session); err != nil {
		return fmt.Errorf("book compilation failed: %w", err)
	}
	return nil
}

// generateTitle is best effort; an unnamed book still compiles
func (o *Orchestrator) generateTitle(ctx context.Context) {
	prompt, err := util.RenderTemplate(o.cfg.PromptTemplates.Title, map[string]interface{}{
		"Outline": o.session.Outline,
		"Motifs":  o.session.WorldFacts[factMotifs],
	})
	if err != nil {
		o.logger.Warn("Title template failed", "error", err)
		return
	}

	raw, err := o.gen.Generate(ctx, "title", genclient.Request{
		Role:     config.RoleAuthor,
		Prompt:   prompt,
		JSONMode: true,
		Priority: models.PriorityMedium,
	})
	if err != nil {
		o.logger.Warn("Title call failed, leaving book untitled", "error", err)
		return
	}

	var parsed struct {
		Title    string `json:"title"`
		Subtitle string `json:"subtitle"`
		Synopsis string `json:"synopsis"`
	}
	cleaned := util.SanitizeJSON(util.ExtractJSON(raw))
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		o.logger.Warn("Title response unparsable", "error", err)
		return
	}

	o.session.Title = parsed.Title
	o.session.Subtitle = parsed.Subtitle
	o.session.Synopsis = parsed.Synopsis
}

func (o *Orchestrator) allSummaries() string {
	var sb strings.Builder
	for _, unit := range o.session.Units {
		if unit.Summary == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("Chapter %d: %s\n\n", unit.Index, unit.Summary))
	}
	return strings.TrimSpace(sb.String())
}
