package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "90s" or "2h" parse
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// JudgeConfig selects the LLM judge used for free-text scoring.
// Type "local" with no URL falls back to lexical similarity scoring.
type JudgeConfig struct {
	Type      string `yaml:"type"` // "local" or "remote"
	URL       string `yaml:"url,omitempty"`
	ModelID   string `yaml:"model_id,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// Remote reports whether a judge model endpoint is configured
func (j JudgeConfig) Remote() bool {
	return j.Type == "remote" && j.URL != ""
}

// DataSplitConfig controls how fetched records are divided between training
// and evaluation. The split is applied only when a job carries at least one
// customization-enabled candidate; otherwise the full set is evaluated.
type DataSplitConfig struct {
	TrainRatio float64 `yaml:"train_ratio"`
}

// TimeoutConfig bounds every external call plus the job as a whole
type TimeoutConfig struct {
	EvalCall              Duration `yaml:"eval_call"`              // one chat-completion call
	CustomizationSubmit   Duration `yaml:"customization_submit"`   // fine-tuning submission
	CustomizationPoll     Duration `yaml:"customization_poll"`     // one status poll
	CustomizationDeadline Duration `yaml:"customization_deadline"` // submit-to-terminal deadline
	JobDeadline           Duration `yaml:"job_deadline"`           // whole pipeline
}

// Config is the flywheel configuration, passed explicitly into job
// construction and validated once at load time. Secrets are referenced by
// environment-variable name, never embedded.
type Config struct {
	InferenceURL       string `yaml:"inference_url"`
	InferenceAPIKeyEnv string `yaml:"inference_api_key_env,omitempty"`
	CustomizerURL      string `yaml:"customizer_url,omitempty"`

	Judge     JudgeConfig     `yaml:"llm_judge"`
	DataSplit DataSplitConfig `yaml:"data_split"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`

	// Tolerance is the promotion epsilon: a candidate is promotable when its
	// best score is >= baseline - tolerance.
	Tolerance float64 `yaml:"tolerance"`

	// MaxConcurrentCandidates bounds parallel candidate sub-pipelines
	MaxConcurrentCandidates int `yaml:"max_concurrent_candidates"`

	// MaxEvalRetries bounds per-record evaluation retries
	MaxEvalRetries int `yaml:"max_eval_retries"`

	// DatasetDir is where training dataset files are materialized;
	// ResultsDir is where report artifacts are written.
	DatasetDir string `yaml:"dataset_dir"`
	ResultsDir string `yaml:"results_dir"`
}

// Default returns the documented defaults
func Default() *Config {
	return &Config{
		InferenceURL: "http://localhost:8000",
		Judge:        JudgeConfig{Type: "local"},
		DataSplit:    DataSplitConfig{TrainRatio: 0.9},
		Timeouts: TimeoutConfig{
			EvalCall:              Duration(60 * time.Second),
			CustomizationSubmit:   Duration(30 * time.Second),
			CustomizationPoll:     Duration(15 * time.Second),
			CustomizationDeadline: Duration(2 * time.Hour),
			JobDeadline:           Duration(6 * time.Hour),
		},
		Tolerance:               0.05,
		MaxConcurrentCandidates: 2,
		MaxEvalRetries:          3,
		DatasetDir:              "./datasets",
		ResultsDir:              "./results",
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration once, at load time
func (c *Config) Validate() error {
	if c.InferenceURL == "" {
		return fmt.Errorf("inference_url is required")
	}
	if c.Tolerance < 0 || c.Tolerance > 1 {
		return fmt.Errorf("tolerance %f out of [0,1]", c.Tolerance)
	}
	if c.DataSplit.TrainRatio < 0 || c.DataSplit.TrainRatio >= 1 {
		return fmt.Errorf("data_split.train_ratio %f out of [0,1)", c.DataSplit.TrainRatio)
	}
	if c.MaxConcurrentCandidates < 1 {
		return fmt.Errorf("max_concurrent_candidates must be >= 1")
	}
	if c.MaxEvalRetries < 0 {
		return fmt.Errorf("max_eval_retries must be >= 0")
	}
	switch c.Judge.Type {
	case "", "local":
	case "remote":
		if c.Judge.URL == "" || c.Judge.ModelID == "" {
			return fmt.Errorf("remote llm_judge requires url and model_id")
		}
	default:
		return fmt.Errorf("llm_judge.type must be local or remote, got %q", c.Judge.Type)
	}
	return nil
}

// InferenceAPIKey resolves the inference API key from the configured
// environment variable, if any
func (c *Config) InferenceAPIKey() string {
	if c.InferenceAPIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.InferenceAPIKeyEnv)
}

// JudgeAPIKey resolves the judge API key from the configured environment
// variable, if any
func (c *Config) JudgeAPIKey() string {
	if c.Judge.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Judge.APIKeyEnv)
}
