package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tmorrow/bookweaver/internal/config"
	"github.com/tmorrow/bookweaver/internal/genclient"
	"github.com/tmorrow/bookweaver/internal/metrics"
	"github.com/tmorrow/bookweaver/internal/orchestrator"
	"github.com/tmorrow/bookweaver/internal/refine"
	"github.com/tmorrow/bookweaver/internal/resilience"
	"github.com/tmorrow/bookweaver/internal/session"
	"github.com/tmorrow/bookweaver/internal/writer"
	"github.com/tmorrow/bookweaver/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	outputDir   string
	premise     string
	chapters    int
	style       string
	autoApprove bool
	sessionID   string
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bookweaver",
		Short: "Bookweaver - LLM book generation pipeline",
		Long: `Bookweaver turns a one-line premise into a complete book through a
resumable multi-phase pipeline: outline, story bible extraction, chapter
planning, chapter drafting with quality-gated refinement, and final
consolidation, polish, and compilation passes.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output", "output", "Directory holding session output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new book generation session",
		Long: `Start a new generation session from a premise. The pipeline pauses at
the outline approval gate unless --auto-approve is set; continue it with
"bookweaver approve" or discard the outline with "bookweaver regenerate".`,
		RunE: runGeneration,
	}
	runCmd.Flags().StringVar(&premise, "premise", "", "One-line premise for the book (required)")
	runCmd.Flags().IntVar(&chapters, "chapters", models.MinUnitCount, "Number of chapters (minimum 3)")
	runCmd.Flags().StringVar(&style, "style", "", "Writing style: cinematic, lyrical, dramatic, minimalistic")
	runCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip the outline approval gate")
	_ = runCmd.MarkFlagRequired("premise")

	approveCmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve the pending outline and continue generation",
		RunE:  runApprove,
	}
	approveCmd.Flags().StringVar(&sessionID, "session", "", "Session ID (defaults to the latest session)")

	regenerateCmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Discard the pending outline and generate a new one",
		RunE:  runRegenerate,
	}
	regenerateCmd.Flags().StringVar(&sessionID, "session", "", "Session ID (defaults to the latest session)")

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted session from its last snapshot",
		RunE:  runResume,
	}
	resumeCmd.Flags().StringVar(&sessionID, "session", "", "Session ID (defaults to the latest session)")

	resetCmd := &cobra.Command{
		Use:   "reset <session-id>",
		Short: "Delete a session and all of its files",
		Args:  cobra.ExactArgs(1),
		RunE:  runReset,
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage persisted sessions",
	}
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List persisted sessions, newest first",
		RunE:  runSessionsList,
	})
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "inspect <session-id>",
		Short: "Show a session's phase and per-chapter progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsInspect,
	})

	rootCmd.AddCommand(runCmd, approveCmd, regenerateCmd, resumeCmd, resetCmd, sessionsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// pipeline bundles everything a command needs to drive generation
type pipeline struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	store   *session.Store
	logger  *slog.Logger
	cleanup func()
}

func buildPipeline() (*pipeline, error) {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if autoApprove {
		cfg.Generation.AutoApproveOutline = true
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	logger, logFile, err := writer.SetupLogger(filepath.Join(outputDir, "bookweaver.log"), logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	store, err := session.NewStore(filepath.Join(outputDir, "sessions"), logger)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	collector := metrics.NewCollector(logger)
	status := resilience.NewStatus()
	status.Subscribe(func(snap resilience.Snapshot) {
		if snap.Available {
			logger.Info("Service available again")
			return
		}
		logger.Warn("Service unavailable",
			"retries", snap.RetryCount,
			"estimated_recovery", snap.EstimatedRecovery.Format(time.RFC3339),
			"last_error", snap.LastError)
	})

	wrapper := resilience.NewWrapper(status, logger)
	client := genclient.NewClient(logger)

	var (
		queue     *resilience.RequestQueue
		queueStop context.CancelFunc
	)
	if cfg.Queue.Enabled {
		queue = resilience.NewRequestQueue(logger, time.Duration(cfg.Queue.RateLimitDelayMS)*time.Millisecond)
		var queueCtx context.Context
		queueCtx, queueStop = context.WithCancel(context.Background())
		go queue.Run(queueCtx)
	}

	gen := genclient.NewGenerator(cfg, secrets, client, wrapper, queue, collector, logger)
	loop := refine.NewLoop(gen, cfg.PromptTemplates, cfg.Refinement, collector, logger)
	orch := orchestrator.New(cfg, gen, loop, store, collector, logger)

	return &pipeline{
		cfg:    cfg,
		orch:   orch,
		store:  store,
		logger: logger,
		cleanup: func() {
			if queueStop != nil {
				queueStop()
			}
			_ = logFile.Sync()
			_ = logFile.Close()
		},
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runGeneration(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.cleanup()

	ctx, stop := signalContext()
	defer stop()

	p.logger.Info("Bookweaver starting",
		"version", Version,
		"chapters", chapters,
		"style", style)

	stopProgress := watchProgress(p, chapters)
	defer stopProgress()

	if err := p.orch.Start(ctx, premise, chapters, models.WritingStyle(style)); err != nil {
		return reportRunError(p, err)
	}
	return reportOutcome(p)
}

func runApprove(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.cleanup()

	ctx, stop := signalContext()
	defer stop()

	current := chaptersOf(p, sessionID)
	stopProgress := watchProgress(p, current)
	defer stopProgress()

	if err := p.orch.ApproveOutline(ctx, sessionID); err != nil {
		return reportRunError(p, err)
	}
	return reportOutcome(p)
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.cleanup()

	ctx, stop := signalContext()
	defer stop()

	if err := p.orch.RegenerateOutline(ctx, sessionID); err != nil {
		return reportRunError(p, err)
	}
	return reportOutcome(p)
}

func runResume(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.cleanup()

	ctx, stop := signalContext()
	defer stop()

	if sessionID == "" {
		sessionID = p.cfg.Generation.ResumeFromSession
	}

	current := chaptersOf(p, sessionID)
	stopProgress := watchProgress(p, current)
	defer stopProgress()

	if err := p.orch.Resume(ctx, sessionID); err != nil {
		return reportRunError(p, err)
	}
	return reportOutcome(p)
}

func runReset(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.cleanup()

	if err := p.orch.Reset(args[0]); err != nil {
		return err
	}
	fmt.Printf("Session %s deleted\n", args[0])
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.cleanup()

	ids, err := p.store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	for _, id := range ids {
		s, err := p.store.Load(id)
		if err != nil || s == nil {
			fmt.Printf("%s  (unreadable)\n", id)
			continue
		}
		fmt.Printf("%s  phase=%s  chapters=%d/%d  updated=%s\n",
			s.ID,
			s.CurrentPhase,
			s.FirstIncompleteUnit(),
			s.UnitCount,
			s.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runSessionsInspect(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.cleanup()

	s, err := p.store.Load(args[0])
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("session %s not found", args[0])
	}

	fmt.Printf("Session:  %s\n", s.ID)
	fmt.Printf("Premise:  %s\n", s.Premise)
	fmt.Printf("Style:    %s\n", s.Style)
	fmt.Printf("Phase:    %s\n", s.CurrentPhase)
	if s.Title != "" {
		fmt.Printf("Title:    %s\n", s.Title)
	}
	if s.LastError != "" {
		fmt.Printf("Error:    %s\n", s.LastError)
	}
	fmt.Printf("Chapters: %d planned, %d complete\n", s.UnitCount, s.FirstIncompleteUnit())

	for _, unit := range s.Units {
		words := 0
		if unit.Analysis != nil {
			words = unit.Analysis.WordCount
		}
		fmt.Printf("  %2d. %-40s %-20s %6d words  %d warnings\n",
			unit.Index,
			unit.Title,
			unit.Stage,
			words,
			len(unit.Warnings))
	}
	return nil
}

// watchProgress renders a chapter progress bar from orchestrator events
func watchProgress(p *pipeline, totalChapters int) func() {
	if totalChapters < 1 {
		return func() {}
	}

	bar := progressbar.NewOptions(totalChapters,
		progressbar.OptionSetDescription("chapters"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event := <-p.orch.Events():
				if event.Phase == models.PhaseUnitGeneration && event.Message == "unit complete" {
					_ = bar.Set(event.UnitIndex)
				}
			}
		}
	}()

	return func() {
		close(done)
		_ = bar.Clear()
	}
}

// chaptersOf looks up the unit count for the progress bar without mutating
// anything.
func chaptersOf(p *pipeline, id string) int {
	var (
		s   *models.GenerationSession
		err error
	)
	if id != "" {
		s, err = p.store.Load(id)
	} else {
		s, err = p.store.LoadLatest()
	}
	if err != nil || s == nil {
		return 0
	}
	return s.UnitCount
}

func reportRunError(p *pipeline, err error) error {
	if err == context.Canceled {
		p.logger.Warn("Generation interrupted; resume with \"bookweaver resume\"")
		return fmt.Errorf("generation interrupted (resume with \"bookweaver resume\")")
	}
	return err
}

// reportOutcome prints what happened and what to do next
func reportOutcome(p *pipeline) error {
	s := p.orch.Session()
	if s == nil {
		return nil
	}

	switch s.CurrentPhase {
	case models.PhaseAwaitingApproval:
		fmt.Println("\n=== OUTLINE ===")
		fmt.Println(s.Outline)
		fmt.Println("\nApprove with \"bookweaver approve\" or discard with \"bookweaver regenerate\".")
	case models.PhaseComplete:
		bookPath := filepath.Join(p.store.Dir(s.ID), writer.BookFilename)
		title := s.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Printf("\nBook complete: %q (%d chapters)\n%s\n", title, len(s.Units), bookPath)
	}
	return nil
}

// loadEnvFile loads KEY=VALUE pairs from a file into the environment
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}
