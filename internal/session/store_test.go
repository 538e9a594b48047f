package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tmorrow/bookweaver/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSession(id string) *models.GenerationSession {
	return &models.GenerationSession{
		ID:           id,
		Premise:      "a detective who cannot lie",
		UnitCount:    3,
		Style:        models.StyleCinematic,
		CurrentPhase: models.PhaseUnitGeneration,
		WorldFacts:   map[string]string{"world": "rain-soaked city"},
		Units: []*models.Unit{
			{Index: 1, Title: "The Case", Content: "chapter text", Stage: models.StageComplete},
		},
		CreatedAt: time.Now(),
	}
}

func TestStoreSaveLoadRoundtrip(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	original := testSession("session-1")
	if err := store.Save(original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load("session-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil for saved session")
	}
	if loaded.ID != original.ID {
		t.Errorf("ID = %q, want %q", loaded.ID, original.ID)
	}
	if loaded.CurrentPhase != models.PhaseUnitGeneration {
		t.Errorf("phase = %s, want %s", loaded.CurrentPhase, models.PhaseUnitGeneration)
	}
	if len(loaded.Units) != 1 || loaded.Units[0].Stage != models.StageComplete {
		t.Error("unit state did not survive the roundtrip")
	}
	if loaded.WorldFacts["world"] != "rain-soaked city" {
		t.Error("world facts did not survive the roundtrip")
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("Save should stamp UpdatedAt")
	}
}

func TestStoreLoadMissingIsNotError(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	loaded, err := store.Load("nope")
	if err != nil {
		t.Fatalf("missing snapshot should not be an error, got %v", err)
	}
	if loaded != nil {
		t.Error("missing snapshot should load as nil")
	}
}

func TestStoreLoadCorruptIsNotError(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	sessionDir := filepath.Join(dir, "broken")
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sessionDir, SnapshotFilename), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load("broken")
	if err != nil {
		t.Fatalf("corrupt snapshot should not be an error, got %v", err)
	}
	if loaded != nil {
		t.Error("corrupt snapshot should load as nil")
	}
}

func TestStoreAtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.Save(testSession("session-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	tempPath := filepath.Join(dir, "session-1", SnapshotFilename+".tmp")
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Error("temp file should not remain after save")
	}
}

func TestStoreListAndLoadLatest(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.Save(testSession("older")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := store.Save(testSession("newer")); err != nil {
		t.Fatal(err)
	}

	ids, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("List returned %d sessions, want 2", len(ids))
	}
	if ids[0] != "newer" {
		t.Errorf("List order = %v, want newest first", ids)
	}

	latest, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if latest == nil || latest.ID != "newer" {
		t.Errorf("LoadLatest = %v, want session %q", latest, "newer")
	}
}

func TestStoreDelete(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.Save(testSession("doomed")); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("doomed"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	loaded, err := store.Load("doomed")
	if err != nil || loaded != nil {
		t.Errorf("deleted session should be gone, got (%v, %v)", loaded, err)
	}

	if err := store.Delete(""); err == nil {
		t.Error("Delete with empty id should fail")
	}
}
