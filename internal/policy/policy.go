package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentfleet/internal/model"
)

const DefaultPolicyPath = ".agentfleet/policy.json"

type Config struct {
	Version int `json:"version"`
	Session struct {
		AgentCommand         string   `json:"agent_command"`
		AgentArgs            []string `json:"agent_args"`
		StabilitySeconds     int      `json:"stability_seconds"`
		OutputBufferMaxBytes int      `json:"output_buffer_max_bytes"`
		GraceSeconds         int      `json:"grace_seconds"`
		NoiseFilters         []string `json:"noise_filters"`
	} `json:"session"`
	Scheduler struct {
		PollIntervalSeconds int `json:"poll_interval_seconds"`
		StallSeconds        int `json:"stall_seconds"`
		CloneRetries        int `json:"clone_retries"`
		CleanupRetries      int `json:"cleanup_retries"`
	} `json:"scheduler"`
	Models struct {
		Orchestrator string `json:"orchestrator"`
		Agent        string `json:"agent"`
		Review       string `json:"review"`
	} `json:"models"`
	LLM struct {
		BaseURL        string `json:"base_url"`
		APIKeyEnv      string `json:"api_key_env"`
		RequestTimeout int    `json:"request_timeout_seconds"`
		PromptSuffix   string `json:"prompt_suffix,omitempty"`
	} `json:"llm"`
	Publish struct {
		BaseBranch       string   `json:"base_branch"`
		BranchPrefix     string   `json:"branch_prefix"`
		DefaultLabels    []string `json:"default_labels,omitempty"`
		DefaultReviewers []string `json:"default_reviewers,omitempty"`
	} `json:"publish"`
	Events struct {
		RedisURL    string `json:"redis_url,omitempty"`
		TopicPrefix string `json:"topic_prefix"`
	} `json:"events"`
}

const defaultAgentModel = "openrouter/google/gemini-flash-1.5"

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Session.AgentCommand = "aider"
	cfg.Session.AgentArgs = []string{
		"--map-tokens", "1024",
		"--no-show-model-warnings",
		"--yes",
		"--no-pretty",
	}
	cfg.Session.StabilitySeconds = 10
	cfg.Session.OutputBufferMaxBytes = 256 * 1024
	cfg.Session.GraceSeconds = 5
	cfg.Session.NoiseFilters = []string{
		"Can't initialize prompt toolkit",
		"Newer aider version",
		"Run this command to update:",
		"pip install aider",
		"Aider v",
		"Model:",
		"Git repo:",
		"Repo-map:",
		"Use /help",
	}
	cfg.Scheduler.PollIntervalSeconds = 5
	cfg.Scheduler.StallSeconds = 60
	cfg.Scheduler.CloneRetries = 3
	cfg.Scheduler.CleanupRetries = 5
	cfg.Models.Orchestrator = defaultAgentModel
	cfg.Models.Agent = defaultAgentModel
	cfg.Models.Review = defaultAgentModel
	cfg.LLM.BaseURL = "https://openrouter.ai/api/v1"
	cfg.LLM.APIKeyEnv = "OPENROUTER_API_KEY"
	cfg.LLM.RequestTimeout = 45
	cfg.Publish.BaseBranch = "main"
	cfg.Publish.BranchPrefix = "agentfleet"
	cfg.Events.TopicPrefix = "agentfleet.workers"
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Session.AgentCommand) == "" {
		return fmt.Errorf("session.agent_command cannot be empty")
	}
	if cfg.Session.StabilitySeconds <= 0 {
		return fmt.Errorf("session.stability_seconds must be > 0")
	}
	if cfg.Session.OutputBufferMaxBytes <= 0 {
		return fmt.Errorf("session.output_buffer_max_bytes must be > 0")
	}
	if cfg.Session.GraceSeconds <= 0 {
		return fmt.Errorf("session.grace_seconds must be > 0")
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.poll_interval_seconds must be > 0")
	}
	if cfg.Scheduler.StallSeconds <= 0 {
		return fmt.Errorf("scheduler.stall_seconds must be > 0")
	}
	if cfg.Scheduler.StallSeconds < cfg.Session.StabilitySeconds {
		return fmt.Errorf("scheduler.stall_seconds must be >= session.stability_seconds")
	}
	if cfg.Scheduler.CloneRetries <= 0 || cfg.Scheduler.CleanupRetries <= 0 {
		return fmt.Errorf("scheduler retry counts must be > 0")
	}
	if strings.TrimSpace(cfg.Publish.BaseBranch) == "" {
		return fmt.Errorf("publish.base_branch cannot be empty")
	}
	if strings.TrimSpace(cfg.Publish.BranchPrefix) == "" {
		return fmt.Errorf("publish.branch_prefix cannot be empty")
	}
	if strings.TrimSpace(cfg.Events.TopicPrefix) == "" {
		return fmt.Errorf("events.topic_prefix cannot be empty")
	}
	return nil
}

// ModelFor resolves a model class to the configured concrete model name.
func ModelFor(cfg Config, class model.ModelClass) string {
	switch class {
	case model.ModelClassAgent:
		return fallbackModel(cfg.Models.Agent)
	case model.ModelClassReview:
		return fallbackModel(cfg.Models.Review)
	default:
		return fallbackModel(cfg.Models.Orchestrator)
	}
}

func fallbackModel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultAgentModel
	}
	return name
}
