package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmorrow/bookweaver/internal/config"
	"github.com/tmorrow/bookweaver/internal/genclient"
	"github.com/tmorrow/bookweaver/internal/metrics"
	"github.com/tmorrow/bookweaver/internal/refine"
	"github.com/tmorrow/bookweaver/internal/resilience"
	"github.com/tmorrow/bookweaver/internal/session"
	"github.com/tmorrow/bookweaver/internal/writer"
	"github.com/tmorrow/bookweaver/pkg/models"
)

const draftText = `The rain had not stopped for three days when Mara found the letter. ` +
	`She read it twice under the awning of the shuttered bakery, water running off ` +
	`the brim of her hat, and understood that the case she had closed a year ago ` +
	`had never been closed at all. Somewhere across the city, behind one of ten ` +
	`thousand lit windows, the person who wrote it was waiting for her to come.`

// callCounter tracks how many times the scripted service answered each kind
// of prompt.
type callCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{counts: make(map[string]int)}
}

func (c *callCounter) inc(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[kind]++
}

func (c *callCounter) get(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

func planJSON(entries int) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i := 1; i <= entries; i++ {
		if i > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb,
			`{"index": %d, "title": "Chapter %d", "objective": "advance the investigation", "key_events": ["a clue surfaces"], "setting": "the rain-soaked city"}`,
			i, i)
	}
	sb.WriteString("]")
	return sb.String()
}

// scriptedService answers every pipeline call by matching markers in the
// incoming prompt. planEntries controls how many plan entries come back so
// tests can force a count mismatch.
func scriptedService(t *testing.T, calls *callCounter, planEntries int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req genclient.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			return
		}
		prompt := req.Messages[len(req.Messages)-1].Content

		var kind, content string
		switch {
		case strings.Contains(prompt, "planning a new book"):
			kind, content = "outline", "Chapter 1: the letter arrives. Chapter 2: the trail leads downtown. Chapter 3: the truth surfaces."
		case strings.Contains(prompt, "extract the characters"):
			kind, content = "characters", "Mara, a retired detective who cannot leave a case alone."
		case strings.Contains(prompt, "extract the world details"):
			kind, content = "world", "A coastal city where it rains nine months of the year."
		case strings.Contains(prompt, "extract the recurring motifs"):
			kind, content = "motifs", "Rain, unopened letters, lit windows at night."
		case strings.Contains(prompt, "chapter-by-chapter plan"):
			kind, content = "plan", planJSON(planEntries)
		case strings.Contains(prompt, "Write chapter"):
			kind, content = "draft", draftText
		case strings.Contains(prompt, "sharp literary critic"):
			kind, content = "critique", `{"critique": "A confident opening chapter.", "issues": []}`
		case strings.Contains(prompt, "deciding how to revise"):
			kind, content = "decide", `{"strategy": "skip", "reasoning": "draft is strong", "priority": "low", "confidence": 90}`
		case strings.Contains(prompt, "story bible for contradictions"):
			kind, content = "consistency", "[]"
		case strings.Contains(prompt, "Summarize the following chapter"):
			kind, content = "summary", "Mara found the letter and reopened the case."
		case strings.Contains(prompt, "continuity pass"):
			kind, content = "consolidate", draftText
		case strings.Contains(prompt, "final prose polish"):
			kind, content = "polish", draftText
		case strings.Contains(prompt, "Rewrite the ending"):
			kind, content = "transition", "The rain kept falling as she walked toward the lit window."
		case strings.Contains(prompt, "name this novel"):
			kind, content = "title", `{"title": "The Unopened Letter", "subtitle": "A Mara Voss Mystery", "synopsis": "A retired detective reopens the case that ended her career."}`
		default:
			t.Errorf("unexpected prompt: %.120s", prompt)
			kind, content = "unknown", "?"
		}
		calls.inc(kind)

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			chunk := genclient.StreamResponse{
				Choices: []genclient.StreamChoice{{Delta: genclient.StreamDelta{Content: content}}},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		resp := genclient.ChatCompletionResponse{
			Choices: []genclient.Choice{{Message: genclient.Message{Role: "assistant", Content: content}}},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
}

func newTestPipeline(t *testing.T, baseURL string, autoApprove bool) (*Orchestrator, *session.Store) {
	t.Helper()
	t.Setenv("API_KEY", "test-key")

	content := fmt.Sprintf(`
[generation]
auto_approve_outline = %t
target_unit_words = 100

[models.author]
base_url = %q
model_name = "test-model"
rate_limit_per_minute = 6000
max_retries = 1
http_timeout_seconds = 5
`, autoApprove, baseURL+"/v1")

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, secrets, err := config.Load(path)
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions"), logger)
	if err != nil {
		t.Fatalf("store create failed: %v", err)
	}

	collector := metrics.NewCollector(logger)
	wrapper := resilience.NewWrapper(resilience.NewStatus(), logger)
	client := genclient.NewClient(logger)
	gen := genclient.NewGenerator(cfg, secrets, client, wrapper, nil, collector, logger)
	loop := refine.NewLoop(gen, cfg.PromptTemplates, cfg.Refinement, collector, logger)

	return New(cfg, gen, loop, store, collector, logger), store
}

func enteredPhases(o *Orchestrator) []models.Phase {
	var phases []models.Phase
	for {
		select {
		case ev := <-o.Events():
			if ev.Message == "entered phase" {
				phases = append(phases, ev.Phase)
			}
		default:
			return phases
		}
	}
}

func TestPipelineRunsToCompletion(t *testing.T) {
	calls := newCallCounter()
	server := scriptedService(t, calls, 3)
	defer server.Close()

	o, store := newTestPipeline(t, server.URL, false)
	ctx := context.Background()

	if err := o.Start(ctx, "a retired detective reopens a closed case", 3, ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s := o.Session()
	if s.CurrentPhase != models.PhaseAwaitingApproval {
		t.Fatalf("phase after start = %s, want %s", s.CurrentPhase, models.PhaseAwaitingApproval)
	}
	if s.Outline == "" {
		t.Error("outline should be set at the approval gate")
	}
	wantPreApproval := []models.Phase{models.PhaseOutline, models.PhaseAwaitingApproval}
	if got := enteredPhases(o); len(got) != len(wantPreApproval) || got[0] != wantPreApproval[0] || got[1] != wantPreApproval[1] {
		t.Errorf("phases before approval = %v, want %v", got, wantPreApproval)
	}

	if err := o.ApproveOutline(ctx, ""); err != nil {
		t.Fatalf("ApproveOutline failed: %v", err)
	}

	s = o.Session()
	if s.CurrentPhase != models.PhaseComplete {
		t.Fatalf("final phase = %s, want %s", s.CurrentPhase, models.PhaseComplete)
	}

	want := []models.Phase{
		models.PhaseContextExtraction,
		models.PhasePlanGeneration,
		models.PhaseUnitGeneration,
		models.PhaseConsolidation,
		models.PhasePolish,
		models.PhaseTransition,
		models.PhaseCompilation,
		models.PhaseComplete,
	}
	got := enteredPhases(o)
	if len(got) != len(want) {
		t.Fatalf("phase sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("phase %d = %s, want %s", i, got[i], want[i])
		}
	}

	if len(s.Units) != 3 {
		t.Fatalf("units = %d, want 3", len(s.Units))
	}
	for _, unit := range s.Units {
		if unit.Stage != models.StageComplete {
			t.Errorf("unit %d stage = %s, want complete", unit.Index, unit.Stage)
		}
		if unit.Summary == "" {
			t.Errorf("unit %d has no summary", unit.Index)
		}
		if len(unit.History) != 1 {
			t.Errorf("unit %d refinement history = %d records, want 1 (skip)", unit.Index, len(unit.History))
		}
	}

	if calls.get("draft") != 3 {
		t.Errorf("draft calls = %d, want 3", calls.get("draft"))
	}
	for _, fact := range []string{"characters", "world", "motifs"} {
		if calls.get(fact) != 1 {
			t.Errorf("%s extraction calls = %d, want 1", fact, calls.get(fact))
		}
	}

	if s.Title != "The Unopened Letter" {
		t.Errorf("title = %q", s.Title)
	}
	bookPath := filepath.Join(store.Dir(s.ID), writer.BookFilename)
	if _, err := os.Stat(bookPath); err != nil {
		t.Errorf("compiled book missing at %s: %v", bookPath, err)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(s.ID), writer.MetadataFilename)); err != nil {
		t.Errorf("metadata missing: %v", err)
	}
}

func TestAutoApproveRunsStraightThrough(t *testing.T) {
	calls := newCallCounter()
	server := scriptedService(t, calls, 3)
	defer server.Close()

	o, _ := newTestPipeline(t, server.URL, true)
	if err := o.Start(context.Background(), "a heist goes sideways", 3, models.StyleDramatic); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := o.Session().CurrentPhase; got != models.PhaseComplete {
		t.Errorf("phase = %s, want %s", got, models.PhaseComplete)
	}
}

func TestStartValidation(t *testing.T) {
	server := scriptedService(t, newCallCounter(), 3)
	defer server.Close()
	o, _ := newTestPipeline(t, server.URL, false)
	ctx := context.Background()

	tests := []struct {
		name      string
		premise   string
		unitCount int
		style     models.WritingStyle
	}{
		{"empty premise", "   ", 3, ""},
		{"too few units", "a premise", 2, ""},
		{"unknown style", "a premise", 3, "noir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := o.Start(ctx, tt.premise, tt.unitCount, tt.style)
			var vErr *resilience.ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("Start = %v, want validation error", err)
			}
		})
	}
}

func TestPlanCountMismatchFailsSession(t *testing.T) {
	calls := newCallCounter()
	// Plan returns two entries for a three-unit session
	server := scriptedService(t, calls, 2)
	defer server.Close()

	o, _ := newTestPipeline(t, server.URL, true)
	err := o.Start(context.Background(), "a premise that will not survive planning", 3, "")
	if err == nil {
		t.Fatal("expected plan mismatch to fail the session")
	}

	s := o.Session()
	if s.CurrentPhase != models.PhaseFailed {
		t.Errorf("phase = %s, want %s", s.CurrentPhase, models.PhaseFailed)
	}
	if s.LastError == "" {
		t.Error("failed session should record its error")
	}

	if resumeErr := o.Resume(context.Background(), s.ID); resumeErr == nil {
		t.Error("a failed session must not be resumable")
	}
}

func TestResumeSkipsCompletedUnits(t *testing.T) {
	calls := newCallCounter()
	server := scriptedService(t, calls, 3)
	defer server.Close()

	o, store := newTestPipeline(t, server.URL, true)

	// Snapshot mid-run: unit 1 done, units 2 and 3 not started
	now := time.Now()
	snapshot := &models.GenerationSession{
		ID:           "resume-test",
		Premise:      "a retired detective reopens a closed case",
		UnitCount:    3,
		Style:        models.StyleCinematic,
		CurrentPhase: models.PhaseUnitGeneration,
		Outline:      "Chapter 1, 2, 3 as planned.",
		WorldFacts: map[string]string{
			"characters": "Mara, a retired detective.",
			"world":      "A rainy coastal city.",
			"motifs":     "Rain and letters.",
		},
		Units: []*models.Unit{
			{Index: 1, Stage: models.StageComplete, Content: draftText, Summary: "Mara found the letter."},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i := 1; i <= 3; i++ {
		snapshot.Plan = append(snapshot.Plan, models.PlanEntry{
			Index:     i,
			Title:     fmt.Sprintf("Chapter %d", i),
			Objective: "advance the investigation",
			KeyEvents: []string{"a clue surfaces"},
			Setting:   "the rain-soaked city",
		})
	}
	if err := store.Save(snapshot); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}

	if err := o.Resume(context.Background(), "resume-test"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if got := calls.get("draft"); got != 2 {
		t.Errorf("draft calls after resume = %d, want 2 (unit 1 already complete)", got)
	}
	s := o.Session()
	if s.CurrentPhase != models.PhaseComplete {
		t.Errorf("phase = %s, want %s", s.CurrentPhase, models.PhaseComplete)
	}
	if len(s.Units) != 3 {
		t.Errorf("units = %d, want 3", len(s.Units))
	}
}

func TestRegenerateOutlineReturnsToGate(t *testing.T) {
	calls := newCallCounter()
	server := scriptedService(t, calls, 3)
	defer server.Close()

	o, _ := newTestPipeline(t, server.URL, false)
	ctx := context.Background()

	if err := o.Start(ctx, "a premise worth a second outline", 3, ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := o.RegenerateOutline(ctx, ""); err != nil {
		t.Fatalf("RegenerateOutline failed: %v", err)
	}

	if got := calls.get("outline"); got != 2 {
		t.Errorf("outline calls = %d, want 2", got)
	}
	if got := o.Session().CurrentPhase; got != models.PhaseAwaitingApproval {
		t.Errorf("phase = %s, want %s", got, models.PhaseAwaitingApproval)
	}
}

func TestApproveOutlineRequiresGate(t *testing.T) {
	server := scriptedService(t, newCallCounter(), 3)
	defer server.Close()

	o, store := newTestPipeline(t, server.URL, false)
	now := time.Now()
	if err := store.Save(&models.GenerationSession{
		ID:           "mid-run",
		UnitCount:    3,
		CurrentPhase: models.PhaseUnitGeneration,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatal(err)
	}

	err := o.ApproveOutline(context.Background(), "mid-run")
	var vErr *resilience.ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("ApproveOutline outside the gate = %v, want validation error", err)
	}
}

func TestTransitionLegality(t *testing.T) {
	tests := []struct {
		from, to models.Phase
		want     bool
	}{
		{models.PhaseIdle, models.PhaseOutline, true},
		{models.PhaseIdle, models.PhaseUnitGeneration, false},
		{models.PhaseOutline, models.PhaseAwaitingApproval, true},
		{models.PhaseAwaitingApproval, models.PhaseContextExtraction, true},
		{models.PhaseAwaitingApproval, models.PhaseOutline, true},
		{models.PhaseUnitGeneration, models.PhaseConsolidation, true},
		{models.PhaseConsolidation, models.PhaseUnitGeneration, false},
		{models.PhaseCompilation, models.PhaseComplete, true},
		{models.PhaseUnitGeneration, models.PhaseFailed, true},
		{models.PhaseComplete, models.PhaseFailed, false},
		{models.PhaseFailed, models.PhaseFailed, false},
		{models.PhaseComplete, models.PhaseOutline, false},
	}
	for _, tt := range tests {
		if got := transitionAllowed(tt.from, tt.to); got != tt.want {
			t.Errorf("transitionAllowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPlausibleRewrite(t *testing.T) {
	original := strings.Repeat("a", 1000)
	if !plausibleRewrite(original, strings.Repeat("b", 900)) {
		t.Error("near-identical length should be plausible")
	}
	if plausibleRewrite(original, "too short") {
		t.Error("truncated rewrite should be implausible")
	}
	if plausibleRewrite(original, strings.Repeat("b", 5000)) {
		t.Error("runaway rewrite should be implausible")
	}
	if plausibleRewrite(original, "   ") {
		t.Error("blank rewrite should be implausible")
	}
}
