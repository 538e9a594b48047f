package writer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmorrow/bookweaver/pkg/models"
)

const (
	BookFilename     = "book.md"
	MetadataFilename = "metadata.json"
)

// Metadata is the machine-readable companion to the compiled book
type Metadata struct {
	SessionID   string              `json:"session_id"`
	Title       string              `json:"title"`
	Subtitle    string              `json:"subtitle,omitempty"`
	Synopsis    string              `json:"synopsis,omitempty"`
	Premise     string              `json:"premise"`
	Style       models.WritingStyle `json:"style"`
	UnitCount   int                 `json:"unit_count"`
	TotalWords  int                 `json:"total_words"`
	Chapters    []ChapterMetadata   `json:"chapters"`
	CompiledAt  time.Time           `json:"compiled_at"`
}

// ChapterMetadata summarizes one chapter for the metadata document
type ChapterMetadata struct {
	Index      int                  `json:"index"`
	Title      string               `json:"title"`
	Summary    string               `json:"summary,omitempty"`
	Analysis   *models.UnitAnalysis `json:"analysis,omitempty"`
	Iterations int                  `json:"refinement_iterations"`
	Warnings   []string             `json:"warnings,omitempty"`
}

// BookWriter assembles the final artifacts in a session directory
type BookWriter struct {
	dir    string
	logger *slog.Logger
}

// NewBookWriter creates a writer targeting the given session directory
func NewBookWriter(dir string, logger *slog.Logger) *BookWriter {
	return &BookWriter{dir: dir, logger: logger}
}

// BookPath returns where the compiled manuscript is written
func (w *BookWriter) BookPath() string {
	return filepath.Join(w.dir, BookFilename)
}

// MetadataPath returns where the metadata document is written
func (w *BookWriter) MetadataPath() string {
	return filepath.Join(w.dir, MetadataFilename)
}

// Compile writes book.md and metadata.json from the completed session
func (w *BookWriter) Compile(session *models.GenerationSession) error {
	if err := w.writeBook(session); err != nil {
		return err
	}
	if err := w.writeMetadata(session); err != nil {
		return err
	}

	w.logger.Info("Book compiled",
		"session_id", session.ID,
		"book", w.BookPath(),
		"chapters", len(session.Units))
	return nil
}

func (w *BookWriter) writeBook(session *models.GenerationSession) error {
	var sb strings.Builder

	title := session.Title
	if title == "" {
		title = "Untitled"
	}
	sb.WriteString("# " + title + "\n\n")
	if session.Subtitle != "" {
		sb.WriteString("*" + session.Subtitle + "*\n\n")
	}
	if session.Synopsis != "" {
		sb.WriteString(session.Synopsis + "\n\n")
	}
	sb.WriteString("---\n\n")

	for _, unit := range session.Units {
		chapterTitle := unit.Title
		if chapterTitle == "" {
			chapterTitle = fmt.Sprintf("Chapter %d", unit.Index)
		}
		sb.WriteString(fmt.Sprintf("## Chapter %d: %s\n\n", unit.Index, chapterTitle))
		sb.WriteString(strings.TrimSpace(unit.Content))
		sb.WriteString("\n\n")
	}

	path := w.BookPath()
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write book: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename book: %w", err)
	}
	return nil
}

func (w *BookWriter) writeMetadata(session *models.GenerationSession) error {
	meta := Metadata{
		SessionID:  session.ID,
		Title:      session.Title,
		Subtitle:   session.Subtitle,
		Synopsis:   session.Synopsis,
		Premise:    session.Premise,
		Style:      session.Style,
		UnitCount:  len(session.Units),
		CompiledAt: time.Now(),
	}

	for _, unit := range session.Units {
		cm := ChapterMetadata{
			Index:      unit.Index,
			Title:      unit.Title,
			Summary:    unit.Summary,
			Analysis:   unit.Analysis,
			Iterations: len(unit.History),
			Warnings:   unit.Warnings,
		}
		if unit.Analysis != nil {
			meta.TotalWords += unit.Analysis.WordCount
		}
		meta.Chapters = append(meta.Chapters, cm)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	path := w.MetadataPath()
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename metadata: %w", err)
	}
	return nil
}
