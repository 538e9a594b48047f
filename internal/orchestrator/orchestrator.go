package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmorrow/bookweaver/internal/config"
	"github.com/tmorrow/bookweaver/internal/genclient"
	"github.com/tmorrow/bookweaver/internal/metrics"
	"github.com/tmorrow/bookweaver/internal/refine"
	"github.com/tmorrow/bookweaver/internal/resilience"
	"github.com/tmorrow/bookweaver/internal/session"
	"github.com/tmorrow/bookweaver/pkg/models"
)

// legalTransitions is the phase state machine. Failed is reachable from any
// non-terminal phase and is not listed here.
var legalTransitions = map[models.Phase][]models.Phase{
	models.PhaseIdle:              {models.PhaseOutline},
	models.PhaseOutline:           {models.PhaseAwaitingApproval},
	models.PhaseAwaitingApproval:  {models.PhaseContextExtraction, models.PhaseOutline},
	models.PhaseContextExtraction: {models.PhasePlanGeneration},
	models.PhasePlanGeneration:    {models.PhaseUnitGeneration},
	models.PhaseUnitGeneration:    {models.PhaseConsolidation},
	models.PhaseConsolidation:     {models.PhasePolish},
	models.PhasePolish:            {models.PhaseTransition},
	models.PhaseTransition:        {models.PhaseCompilation},
	models.PhaseCompilation:       {models.PhaseComplete},
}

// Orchestrator drives the whole generation pipeline. It is the sole owner of
// the session; all mutation happens under its mutex, and every phase or unit
// boundary persists a snapshot before moving on.
type Orchestrator struct {
	mu        sync.Mutex
	cfg       *config.Config
	gen       *genclient.Generator
	loop      *refine.Loop
	store     *session.Store
	collector *metrics.Collector
	logger    *slog.Logger
	session   *models.GenerationSession
	events    chan models.ProgressEvent
}

// New creates an orchestrator with no active session
func New(
	cfg *config.Config,
	gen *genclient.Generator,
	loop *refine.Loop,
	store *session.Store,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		gen:       gen,
		loop:      loop,
		store:     store,
		collector: collector,
		logger:    logger,
		events:    make(chan models.ProgressEvent, eventBufferSize),
	}
}

// Session returns a snapshot of the current session, or nil when none is
// active.
func (o *Orchestrator) Session() *models.GenerationSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	copied := *o.session
	return &copied
}

// Start begins a new generation session, or continues an existing resumable
// one instead of recreating it. It returns when the pipeline reaches the
// outline approval gate, completes, or fails.
func (o *Orchestrator) Start(ctx context.Context, premise string, unitCount int, style models.WritingStyle) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, err := o.store.LoadLatest(); err == nil && existing != nil && resumable(existing) {
		o.logger.Info("Resumable session found, continuing it",
			"session_id", existing.ID,
			"phase", existing.CurrentPhase)
		o.session = existing
		return o.run(ctx)
	}

	if strings.TrimSpace(premise) == "" {
		return &resilience.ValidationError{Op: "start", Err: fmt.Errorf("premise must not be empty")}
	}
	if unitCount < models.MinUnitCount {
		return &resilience.ValidationError{Op: "start", Err: fmt.Errorf("unit count must be at least %d (got %d)", models.MinUnitCount, unitCount)}
	}
	if style == "" {
		style = o.cfg.Generation.Style
	}
	if !models.ValidStyle(style) {
		return &resilience.ValidationError{Op: "start", Err: fmt.Errorf("unknown writing style %q", style)}
	}

	now := time.Now()
	o.session = &models.GenerationSession{
		ID:           uuid.New().String(),
		Premise:      premise,
		UnitCount:    unitCount,
		Style:        style,
		CurrentPhase: models.PhaseIdle,
		WorldFacts:   make(map[string]string),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	o.logger.Info("Starting new session",
		"session_id", o.session.ID,
		"unit_count", unitCount,
		"style", style)

	if err := o.transition(models.PhaseOutline); err != nil {
		return err
	}
	return o.run(ctx)
}

// ApproveOutline accepts the generated outline and continues the pipeline
// through to completion. An empty sessionID attaches the latest session.
func (o *Orchestrator) ApproveOutline(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.attach(sessionID); err != nil {
		return err
	}
	if err := o.requirePhase("approve outline", models.PhaseAwaitingApproval); err != nil {
		return err
	}
	if err := o.transition(models.PhaseContextExtraction); err != nil {
		return err
	}
	return o.run(ctx)
}

// RegenerateOutline discards the current outline and produces a new one,
// returning to the approval gate.
func (o *Orchestrator) RegenerateOutline(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.attach(sessionID); err != nil {
		return err
	}
	if err := o.requirePhase("regenerate outline", models.PhaseAwaitingApproval); err != nil {
		return err
	}

	o.session.Outline = ""
	if err := o.transition(models.PhaseOutline); err != nil {
		return err
	}
	return o.run(ctx)
}

// Resume loads the last persisted snapshot and continues execution from its
// phase. Completed units are not redone.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		loaded *models.GenerationSession
		err    error
	)
	if sessionID != "" {
		loaded, err = o.store.Load(sessionID)
	} else {
		loaded, err = o.store.LoadLatest()
	}
	if err != nil {
		return err
	}
	if loaded == nil || !resumable(loaded) {
		return fmt.Errorf("no resumable session found")
	}

	o.session = loaded
	o.logger.Info("Resuming session",
		"session_id", loaded.ID,
		"phase", loaded.CurrentPhase,
		"first_incomplete_unit", loaded.FirstIncompleteUnit())
	return o.run(ctx)
}

// Reset deletes the session's persisted state and returns the orchestrator
// to Idle.
func (o *Orchestrator) Reset(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sessionID == "" && o.session != nil {
		sessionID = o.session.ID
	}
	if sessionID == "" {
		return fmt.Errorf("no session to reset")
	}
	if err := o.store.Delete(sessionID); err != nil {
		return err
	}
	if o.session != nil && o.session.ID == sessionID {
		o.session = nil
	}
	return nil
}

// run executes phases until the pipeline blocks on approval, completes, or
// fails. Callers hold the mutex.
func (o *Orchestrator) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			// Cancellation is not a session failure; the snapshot on disk
			// stays resumable.
			return err
		}

		phase := o.session.CurrentPhase
		start := time.Now()

		var err error
		var next models.Phase
		switch phase {
		case models.PhaseOutline:
			err, next = o.runOutline(ctx), models.PhaseAwaitingApproval
		case models.PhaseAwaitingApproval:
			if !o.cfg.Generation.AutoApproveOutline {
				o.emit(phase, 0, "outline ready for review", nil)
				return nil
			}
			err, next = nil, models.PhaseContextExtraction
		case models.PhaseContextExtraction:
			err, next = o.runContextExtraction(ctx), models.PhasePlanGeneration
		case models.PhasePlanGeneration:
			err, next = o.runPlanGeneration(ctx), models.PhaseUnitGeneration
		case models.PhaseUnitGeneration:
			err, next = o.runUnitGeneration(ctx), models.PhaseConsolidation
		case models.PhaseConsolidation:
			err, next = o.runConsolidation(ctx), models.PhasePolish
		case models.PhasePolish:
			err, next = o.runPolish(ctx), models.PhaseTransition
		case models.PhaseTransition:
			err, next = o.runTransition(ctx), models.PhaseCompilation
		case models.PhaseCompilation:
			err, next = o.runCompilation(ctx), models.PhaseComplete
		case models.PhaseComplete:
			o.emit(phase, 0, "generation complete", nil)
			return nil
		case models.PhaseFailed:
			return fmt.Errorf("session failed: %s", o.session.LastError)
		default:
			return fmt.Errorf("unknown phase %q", phase)
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return o.fail(err)
		}

		o.collector.RecordPhase(string(phase), time.Since(start))

		if err := o.transition(next); err != nil {
			return err
		}
	}
}

// transition moves the session to the next phase and persists the snapshot.
// Illegal transitions are programming errors surfaced as validation errors.
func (o *Orchestrator) transition(next models.Phase) error {
	current := o.session.CurrentPhase
	if !transitionAllowed(current, next) {
		return &resilience.ValidationError{
			Op:  "transition",
			Err: fmt.Errorf("illegal phase transition %s -> %s", current, next),
		}
	}

	o.session.CurrentPhase = next
	if err := o.store.Save(o.session); err != nil {
		return fmt.Errorf("failed to persist phase transition: %w", err)
	}

	o.logger.Info("Phase transition", "from", current, "to", next)
	o.emit(next, 0, "entered phase", nil)
	return nil
}

func transitionAllowed(from, to models.Phase) bool {
	if to == models.PhaseFailed {
		return !from.Terminal()
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// fail moves the session to the terminal Failed phase, persists it, and
// returns the original error unchanged.
func (o *Orchestrator) fail(err error) error {
	o.session.LastError = err.Error()
	o.session.CurrentPhase = models.PhaseFailed
	if saveErr := o.store.Save(o.session); saveErr != nil {
		o.logger.Error("Failed to persist failed session", "error", saveErr)
	}

	o.logger.Error("Session failed",
		"session_id", o.session.ID,
		"error", err)
	o.emit(models.PhaseFailed, 0, err.Error(), nil)
	return err
}

// attach loads a persisted session into the orchestrator when none is
// active. Callers hold the mutex.
func (o *Orchestrator) attach(sessionID string) error {
	if o.session != nil && (sessionID == "" || o.session.ID == sessionID) {
		return nil
	}

	var (
		loaded *models.GenerationSession
		err    error
	)
	if sessionID != "" {
		loaded, err = o.store.Load(sessionID)
	} else {
		loaded, err = o.store.LoadLatest()
	}
	if err != nil {
		return err
	}
	if loaded == nil {
		return fmt.Errorf("no persisted session found")
	}

	o.session = loaded
	return nil
}

func (o *Orchestrator) requirePhase(op string, want models.Phase) error {
	if o.session == nil {
		return fmt.Errorf("%s: no active session", op)
	}
	if o.session.CurrentPhase != want {
		return &resilience.ValidationError{
			Op:  op,
			Err: fmt.Errorf("requires phase %s, session is in %s", want, o.session.CurrentPhase),
		}
	}
	return nil
}

func resumable(s *models.GenerationSession) bool {
	return !s.CurrentPhase.Terminal() && s.CurrentPhase != models.PhaseIdle
}
