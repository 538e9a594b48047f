package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/tmorrow/bookweaver/pkg/models"
)

// Config represents the complete application configuration
type Config struct {
	Generation      GenerationConfig       `toml:"generation"`
	Refinement      RefinementConfig       `toml:"refinement"`
	Queue           QueueConfig            `toml:"queue"`
	Models          map[string]ModelConfig `toml:"models"`
	PromptTemplates PromptTemplates        `toml:"prompt_templates"`
}

// GenerationConfig holds session-level settings
type GenerationConfig struct {
	Style               models.WritingStyle `toml:"style"`                 // cinematic, lyrical, dramatic, minimalistic
	ResumeFromSession   string              `toml:"resume_from_session"`   // Session to resume when none is named on the CLI
	AutoApproveOutline  bool                `toml:"auto_approve_outline"`  // Skip the outline approval gate
	TargetUnitWords     int                 `toml:"target_unit_words"`     // Advisory word target per unit
	TransitionTailChars int                 `toml:"transition_tail_chars"` // How much of a unit's tail the transition pass rewrites
}

// RefinementConfig is the bounded refinement loop policy. The thresholds are
// deliberate policy knobs, not derived values.
type RefinementConfig struct {
	MaxIterations          int `toml:"max_iterations"`           // decide/execute/evaluate cycles per unit (default 2)
	QualityThreshold       int `toml:"quality_threshold"`        // 0-100 acceptance bar (default 70)
	LowConfidenceThreshold int `toml:"low_confidence_threshold"` // escalate below this confidence (default 60)
}

// QueueConfig controls optional admission control in front of the service
type QueueConfig struct {
	Enabled            bool `toml:"enabled"`
	RateLimitDelayMS   int  `toml:"rate_limit_delay_ms"` // Initial inter-request delay (default 1000)
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	TopK               int     `toml:"top_k"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxRetries         int     `toml:"max_retries"`          // Retry budget per call (default 5)
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"` // Per-request timeout (default 120)
	UseJSONMode        bool    `toml:"use_json_mode"`        // Request json_object response format for structured calls
}

// PromptTemplates holds all customizable prompt templates
type PromptTemplates struct {
	Outline           string `toml:"outline"`
	ExtractCharacters string `toml:"extract_characters"`
	ExtractWorld      string `toml:"extract_world"`
	ExtractMotifs     string `toml:"extract_motifs"`
	Plan              string `toml:"plan"`
	Draft             string `toml:"draft"`
	Analyze           string `toml:"analyze"`
	Decide            string `toml:"decide"`
	TargetedEdit      string `toml:"targeted_edit"`
	Regenerate        string `toml:"regenerate"`
	LightPolish       string `toml:"light_polish"`
	Evaluate          string `toml:"evaluate"`
	Consistency       string `toml:"consistency"`
	Consolidate       string `toml:"consolidate"`
	Polish            string `toml:"polish"`
	Transition        string `toml:"transition"`
	Title             string `toml:"title"`
	Summary           string `toml:"summary"`
	DraftSystemPrompt string `toml:"draft_system_prompt"`
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string
}

// Model role keys. Author drafts prose, critic analyzes and scores, editor
// executes revision strategies. Critic and editor fall back to author when
// not configured.
const (
	RoleAuthor = "author"
	RoleCritic = "critic"
	RoleEditor = "editor"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Generation.Style != "" && !models.ValidStyle(c.Generation.Style) {
		return fmt.Errorf("generation.style must be one of: cinematic, lyrical, dramatic, minimalistic (got %s)", c.Generation.Style)
	}

	if c.Refinement.MaxIterations < 1 {
		return fmt.Errorf("refinement.max_iterations must be at least 1 (got %d)", c.Refinement.MaxIterations)
	}
	if c.Refinement.QualityThreshold < 0 || c.Refinement.QualityThreshold > 100 {
		return fmt.Errorf("refinement.quality_threshold must be between 0 and 100 (got %d)", c.Refinement.QualityThreshold)
	}
	if c.Refinement.LowConfidenceThreshold < 0 || c.Refinement.LowConfidenceThreshold > 100 {
		return fmt.Errorf("refinement.low_confidence_threshold must be between 0 and 100 (got %d)", c.Refinement.LowConfidenceThreshold)
	}

	author, ok := c.Models[RoleAuthor]
	if !ok {
		return fmt.Errorf("models.author is required")
	}
	if err := validateModelConfig(RoleAuthor, author); err != nil {
		return err
	}

	for _, role := range []string{RoleCritic, RoleEditor} {
		if mc, ok := c.Models[role]; ok {
			if err := validateModelConfig(role, mc); err != nil {
				return err
			}
		}
	}

	return nil
}

// Model resolves a role to its configuration, falling back to author
func (c *Config) Model(role string) ModelConfig {
	if mc, ok := c.Models[role]; ok {
		return mc
	}
	return c.Models[RoleAuthor]
}

func validateModelConfig(name string, mc ModelConfig) error {
	if mc.BaseURL == "" {
		return fmt.Errorf("models.%s.base_url is required", name)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("models.%s.model_name is required", name)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("models.%s.temperature must be between 0 and 2", name)
	}
	if mc.TopP < 0 || mc.TopP > 1 {
		return fmt.Errorf("models.%s.top_p must be between 0 and 1", name)
	}
	if mc.MaxOutputTokens < 1 {
		return fmt.Errorf("models.%s.max_output_tokens must be at least 1", name)
	}
	if mc.RateLimitPerMinute < 1 {
		return fmt.Errorf("models.%s.rate_limit_per_minute must be at least 1", name)
	}
	return nil
}

// LoadSecrets loads credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		secrets.APIKeys["anthropic"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}

	return secrets, nil
}

// GetAPIKey returns the API key for a given base URL
func (s *Secrets) GetAPIKey(baseURL string) string {
	if strings.Contains(baseURL, "openai.com") {
		if key := s.APIKeys["openai"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "anthropic.com") {
		if key := s.APIKeys["anthropic"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "together.xyz") || strings.Contains(baseURL, "together.ai") {
		if key := s.APIKeys["together"]; key != "" {
			return key
		}
	}

	// Local servers may run without auth
	return s.APIKeys["generic"]
}
