package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"hireline/internal/domain"
)

// Config models hireline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Dispatcher struct {
		Mode           string `yaml:"mode"` // log or http
		CallbackURL    string `yaml:"callback_url"`
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"dispatcher"`
	Extractor struct {
		Provider string `yaml:"provider"` // rules or gemini
		Gemini   struct {
			APIKey string `yaml:"api_key"`
			Model  string `yaml:"model"`
		} `yaml:"gemini"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"extractor"`
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline holds the conversation policy knobs. Read-only after start.
type Pipeline struct {
	MinCommitmentMonths int            `yaml:"min_commitment_months"`
	AttemptBounds       map[string]int `yaml:"attempt_bounds"` // step -> bound, 0 = unlimited
	CompletionKeywords  []string       `yaml:"completion_keywords"`
	FormLink            string         `yaml:"form_link"`
	FormPrefillParam    string         `yaml:"form_prefill_param"`
	InterviewLinkBase   string         `yaml:"interview_link_base"`
	OfficeDirections    string         `yaml:"office_directions"`
}

// AttemptBound returns the configured bound for a step, 0 meaning unlimited.
func (p Pipeline) AttemptBound(step domain.Step) int {
	return p.AttemptBounds[string(step)]
}

// ExtractorTimeout returns the bounded latency budget for extractor calls.
func (c *Config) ExtractorTimeout() time.Duration {
	if c.Extractor.TimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.Extractor.TimeoutSeconds) * time.Second
}

// Default returns the canonical configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = "127.0.0.1:8086"
	cfg.Server.BasePath = "/v0"
	cfg.Dispatcher.Mode = "log"
	cfg.Dispatcher.TimeoutSeconds = 5
	cfg.Extractor.Provider = "rules"
	cfg.Extractor.Gemini.Model = "gemini-2.5-flash"
	cfg.Pipeline = Pipeline{
		MinCommitmentMonths: 1,
		AttemptBounds: map[string]int{
			string(domain.StepCommitmentCheck): 3,
			string(domain.StepRequestResume):   5,
		},
		CompletionKeywords: []string{"done", "completed", "submitted", "finished"},
		FormLink:           "https://forms.gle/yourFormLink",
		FormPrefillParam:   "",
		InterviewLinkBase:  "https://example.com/interview",
		OfficeDirections:   "",
	}
	return cfg
}

const fileName = "hireline.yml"

// Path returns the config path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads config from the workspace, falling back to defaults when absent.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document on top of the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if c.Pipeline.MinCommitmentMonths < 0 {
		return fmt.Errorf("pipeline.min_commitment_months must not be negative")
	}
	if len(c.Pipeline.CompletionKeywords) == 0 {
		return fmt.Errorf("pipeline.completion_keywords must not be empty")
	}
	known := map[string]bool{}
	for _, s := range domain.Steps() {
		known[string(s)] = true
	}
	for step, bound := range c.Pipeline.AttemptBounds {
		if !known[step] {
			return fmt.Errorf("pipeline.attempt_bounds references unknown step %s", step)
		}
		if bound < 0 {
			return fmt.Errorf("pipeline.attempt_bounds.%s must not be negative", step)
		}
	}
	switch c.Dispatcher.Mode {
	case "", "log":
	case "http":
		if c.Dispatcher.CallbackURL == "" {
			return fmt.Errorf("dispatcher.callback_url required for dispatcher.mode=http")
		}
	default:
		return fmt.Errorf("dispatcher.mode must be log or http")
	}
	switch c.Extractor.Provider {
	case "", "rules":
	case "gemini":
		if c.Extractor.Gemini.APIKey == "" && os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("extractor.gemini.api_key (or GEMINI_API_KEY) required for extractor.provider=gemini")
		}
	default:
		return fmt.Errorf("extractor.provider must be rules or gemini")
	}
	return nil
}
