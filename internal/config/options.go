// Package config defines the explicit options record threaded through
// run(...) and into every constructor. There is no process-wide
// configuration singleton: callers build an Options value (optionally
// loaded from YAML) and pass it down explicitly, the way the teacher's
// Config struct is built once via DefaultConfig() and overridden rather
// than read from global state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options carries every run(...) tunable named in spec §6, plus the
// ambient knobs (logging, embedding, concurrency) a complete repository
// needs that the orchestration-core spec leaves to "the rest of the
// program".
type Options struct {
	MaxRetries            int               `yaml:"max_retries"`
	MemoryEnabled         bool              `yaml:"memory_enabled"`
	PersistDir            string            `yaml:"persist_dir"`
	CoverageThreshold     float64           `yaml:"coverage_threshold"`
	QualityScoreThreshold float64           `yaml:"quality_score_threshold"`
	WorkspaceRoots        []string          `yaml:"workspace_roots"`
	RoleModels            map[string]string `yaml:"role_models"`
	DangerousPatterns     []string          `yaml:"dangerous_patterns"`
	FeedbackTimeout       time.Duration     `yaml:"feedback_timeout"`

	// ConfidenceFloor is the self-reported Planning confidence below which
	// the Flow suspends to AWAITING_HUMAN (spec §4.6, §9 Open Question).
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// DescriptionMaxLength bounds Intake's description validation (§4.6).
	DescriptionMaxLength int `yaml:"description_max_length"`

	// Concurrency bounds simultaneous worker invocations within a
	// Coordinated crew (§5's "LLM and Sandbox handles ... bounded by that
	// capacity").
	Concurrency int `yaml:"concurrency"`

	// Debug enables development-mode logging (internal/logging).
	Debug bool `yaml:"debug"`

	// Embedding selects the associative-memory embedding backend.
	Embedding EmbeddingOptions `yaml:"embedding"`
}

// EmbeddingOptions configures the associative memory's embedder.
type EmbeddingOptions struct {
	Provider string `yaml:"provider"` // "genai" or "none"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// Default returns the baseline Options a run() starts from absent
// overrides, mirroring the teacher's DefaultConfig() constructor.
func Default() Options {
	return Options{
		MaxRetries:            3,
		MemoryEnabled:         true,
		PersistDir:            ".autoforge/runs",
		CoverageThreshold:     0.8,
		QualityScoreThreshold: 7.0,
		WorkspaceRoots:        []string{"workspace"},
		RoleModels:            map[string]string{},
		DangerousPatterns:     DefaultDangerousPatterns(),
		FeedbackTimeout:       30 * time.Minute,
		ConfidenceFloor:       0.7,
		DescriptionMaxLength:  20000,
		Concurrency:           4,
		Debug:                 false,
		Embedding: EmbeddingOptions{
			Provider: "none",
			Model:    "gemini-embedding-001",
		},
	}
}

// DefaultDangerousPatterns returns the built-in dangerous-pattern regexes
// used by the security guardrail family absent an override (spec §9 Open
// Question: the exact set is source-configurable, not hard-coded).
func DefaultDangerousPatterns() []string {
	return []string{
		`\beval\s*\(`,
		`\bexec\s*\(`,
		`os/exec\..*Command\(.*\+`,
		`yaml\.Unmarshal\(.*UnsafeLoader`,
		`\bpickle\.loads?\(`,
		`\b__import__\s*\(`,
	}
}

// Load reads YAML from path and merges it over Default().
func Load(path string) (Options, error) {
	opts := Default()
	if path == "" {
		return opts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return opts, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return opts, nil
}

// ModelFor resolves the model id bound to a worker role, falling back to a
// default when the role has no explicit binding. This is the "lookup
// table, not runtime type selection" role→model dispatch from spec §9.
func (o Options) ModelFor(role string) string {
	if m, ok := o.RoleModels[role]; ok && m != "" {
		return m
	}
	return "default"
}
