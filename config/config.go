// Package config loads and validates pulse.yaml.
//
// Values may reference environment variables with ${NAME} syntax. A
// required reference (webhook token) that is unset fails validation;
// optional unresolved references are left literal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is set at build time via ldflags.
var Version = "0.4.2"

// Config is the root pulse.yaml structure.
type Config struct {
	Webhook    WebhookConfig    `yaml:"webhook"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Drives     DrivesConfig     `yaml:"drives"`
	Sensors    SensorsConfig    `yaml:"sensors"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	State      StateConfig      `yaml:"state"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Generative GenerativeConfig `yaml:"generative"`
}

// WebhookConfig holds trigger dispatch parameters.
type WebhookConfig struct {
	URL                string `yaml:"url"`
	Token              string `yaml:"token"`
	MessagePrefix      string `yaml:"message_prefix"`
	MaxTurnsPerHour    int    `yaml:"max_turns_per_hour"`
	MinTriggerInterval int    `yaml:"min_trigger_interval"` // seconds
	SessionMode        string `yaml:"session_mode"`         // "main" or "isolated"
	Deliver            bool   `yaml:"deliver"`
	IsolatedModel      string `yaml:"isolated_model"`
}

// WorkspaceConfig names the files the drive engine reads for source spikes.
type WorkspaceConfig struct {
	Root          string `yaml:"root"`
	Goals         string `yaml:"goals"`
	Emotions      string `yaml:"emotions"`
	Hypotheses    string `yaml:"hypotheses"`
	WorkingMemory string `yaml:"working_memory"`
	Evolution     string `yaml:"evolution"`
}

// ResolvePath joins a workspace-relative path onto the expanded root.
func (w *WorkspaceConfig) ResolvePath(rel string) string {
	return filepath.Join(ExpandHome(w.Root), rel)
}

// DriveCategory configures one initial drive.
type DriveCategory struct {
	Weight float64 `yaml:"weight"`
	Source string  `yaml:"source"`
}

// DrivesConfig holds drive engine parameters.
type DrivesConfig struct {
	PressureRate                  float64                  `yaml:"pressure_rate"`
	TriggerThreshold              float64                  `yaml:"trigger_threshold"`
	MaxPressure                   float64                  `yaml:"max_pressure"`
	SuccessDecay                  float64                  `yaml:"success_decay"`
	FailureBoost                  float64                  `yaml:"failure_boost"`
	OverrideMinIndividualPressure float64                  `yaml:"override_min_individual_pressure"`
	AdaptiveDecay                 bool                     `yaml:"adaptive_decay"`
	Categories                    map[string]DriveCategory `yaml:"categories"`
}

// FilesystemSensorConfig configures the fsnotify-backed watcher.
type FilesystemSensorConfig struct {
	Enabled          bool     `yaml:"enabled"`
	WatchPaths       []string `yaml:"watch_paths"`
	IgnorePatterns   []string `yaml:"ignore_patterns"`
	IgnoreSelfWrites bool     `yaml:"ignore_self_writes"`
}

// SystemSensorConfig configures host health checks.
type SystemSensorConfig struct {
	Enabled                bool     `yaml:"enabled"`
	MemoryThresholdPercent int      `yaml:"memory_threshold_percent"`
	WatchProcesses         []string `yaml:"watch_processes"`
}

// SensorsConfig groups sensor settings.
type SensorsConfig struct {
	Filesystem FilesystemSensorConfig `yaml:"filesystem"`
	System     SystemSensorConfig     `yaml:"system"`
}

// RulesConfig configures the rules gating strategy.
type RulesConfig struct {
	SingleDriveThreshold        float64 `yaml:"single_drive_threshold"`
	CombinedThreshold           float64 `yaml:"combined_threshold"`
	SuppressDuringConversation  bool    `yaml:"suppress_during_conversation"`
	ConversationCooldownMinutes int     `yaml:"conversation_cooldown_minutes"`
}

// ModelEvalConfig configures the LLM gating strategy.
type ModelEvalConfig struct {
	BaseURL            string  `yaml:"base_url"`
	APIKey             string  `yaml:"api_key"`
	Model              string  `yaml:"model"`
	MaxTokens          int     `yaml:"max_tokens"`
	Temperature        float64 `yaml:"temperature"`
	TimeoutSeconds     int     `yaml:"timeout_seconds"`
	MaxSuppressMinutes int     `yaml:"max_suppress_minutes"`
}

// EvaluatorConfig selects and configures the gate.
type EvaluatorConfig struct {
	Mode  string          `yaml:"mode"` // "rules" or "model"
	Rules RulesConfig     `yaml:"rules"`
	Model ModelEvalConfig `yaml:"model"`
}

// StateConfig holds state store settings.
type StateConfig struct {
	Dir                  string `yaml:"dir"`
	SaveInterval         int    `yaml:"save_interval"` // seconds
	HistoryRetentionDays int    `yaml:"history_retention_days"`
}

// ExpandedDir returns the state directory with ~ expanded.
func (s *StateConfig) ExpandedDir() string {
	return ExpandHome(s.Dir)
}

// DaemonConfig holds loop behavior.
type DaemonConfig struct {
	LoopIntervalSeconds int    `yaml:"loop_interval_seconds"`
	ShutdownTimeout     int    `yaml:"shutdown_timeout"`
	PIDFile             string `yaml:"pid_file"`
	HealthPort          int    `yaml:"health_port"`
	Integration         string `yaml:"integration"`
}

// GenerativeConfig controls the GENERATE hint step.
type GenerativeConfig struct {
	Enabled        bool     `yaml:"enabled"`
	MaxTasks       int      `yaml:"max_tasks"`
	MinIdleMinutes int      `yaml:"min_idle_minutes"`
	RoadmapFiles   []string `yaml:"roadmap_files"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Webhook: WebhookConfig{
			URL:                "http://127.0.0.1:18789/hooks/agent",
			MessagePrefix:      "[PULSE]",
			MaxTurnsPerHour:    10,
			MinTriggerInterval: 300,
			SessionMode:        "isolated",
			Deliver:            true,
		},
		Workspace: WorkspaceConfig{
			Root:          "~/.pulse/workspace",
			Goals:         "goals.md",
			Emotions:      "memory/self/emotional-landscape.json",
			Hypotheses:    "memory/self/hypotheses.json",
			WorkingMemory: "memory/self/working-memory.json",
			Evolution:     "memory/self/evolution.json",
		},
		Drives: DrivesConfig{
			PressureRate:                  0.01,
			TriggerThreshold:              0.7,
			MaxPressure:                   5.0,
			SuccessDecay:                  0.5,
			FailureBoost:                  0.2,
			OverrideMinIndividualPressure: 1.5,
			AdaptiveDecay:                 true,
			Categories: map[string]DriveCategory{
				"goals":     {Weight: 1.0},
				"curiosity": {Weight: 0.8},
			},
		},
		Sensors: SensorsConfig{
			Filesystem: FilesystemSensorConfig{
				Enabled:          true,
				IgnorePatterns:   []string{".git", "*.tmp", "*.swp", "node_modules"},
				IgnoreSelfWrites: true,
			},
			System: SystemSensorConfig{
				Enabled:                true,
				MemoryThresholdPercent: 85,
			},
		},
		Evaluator: EvaluatorConfig{
			Mode: "rules",
			Rules: RulesConfig{
				SingleDriveThreshold:        0.8,
				CombinedThreshold:           0.7,
				SuppressDuringConversation:  true,
				ConversationCooldownMinutes: 5,
			},
			Model: ModelEvalConfig{
				BaseURL:            "http://127.0.0.1:11434/v1",
				APIKey:             "ollama",
				Model:              "llama3.2:3b",
				MaxTokens:          512,
				Temperature:        0.3,
				TimeoutSeconds:     10,
				MaxSuppressMinutes: 30,
			},
		},
		State: StateConfig{
			Dir:                  "~/.pulse/state",
			SaveInterval:         60,
			HistoryRetentionDays: 30,
		},
		Daemon: DaemonConfig{
			LoopIntervalSeconds: 30,
			ShutdownTimeout:     10,
			PIDFile:             "~/.pulse/pulse.pid",
			HealthPort:          9720,
			Integration:         "default",
		},
		Generative: GenerativeConfig{
			Enabled:        true,
			MaxTasks:       3,
			MinIdleMinutes: 15,
			RoadmapFiles:   []string{"ROADMAP.md", "TODO.md"},
		},
	}
}

// Load reads a config file, overlays it on defaults, expands env
// references, and validates. An empty path searches ./pulse.yaml then
// ~/.pulse/pulse.yaml; missing files fall back to pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range []string{"pulse.yaml", ExpandHome("~/.pulse/pulse.yaml")} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.expandEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolveEnv replaces ${NAME} references. When required is true, an
// unset variable is an error; otherwise the literal text is kept.
func resolveEnv(value string, required bool) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(value, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		missing = append(missing, name)
		return ref
	})
	if required && len(missing) > 0 {
		return "", fmt.Errorf("required environment variable %s is not set", missing[0])
	}
	return out, nil
}

func (c *Config) expandEnv() error {
	var err error
	if c.Webhook.URL, err = resolveEnv(c.Webhook.URL, false); err != nil {
		return err
	}
	if strings.Contains(c.Webhook.Token, "${") {
		if c.Webhook.Token, err = resolveEnv(c.Webhook.Token, true); err != nil {
			return fmt.Errorf("webhook.token: %w", err)
		}
	}
	if c.Evaluator.Model.BaseURL, err = resolveEnv(c.Evaluator.Model.BaseURL, false); err != nil {
		return err
	}
	if c.Evaluator.Model.APIKey, err = resolveEnv(c.Evaluator.Model.APIKey, false); err != nil {
		return err
	}
	return nil
}

// Validate checks ranges and modes. Invalid config is fatal at startup.
func (c *Config) Validate() error {
	if c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url must be set")
	}
	if c.Webhook.MaxTurnsPerHour < 1 {
		return fmt.Errorf("webhook.max_turns_per_hour must be >= 1, got %d", c.Webhook.MaxTurnsPerHour)
	}
	if c.Webhook.MinTriggerInterval < 0 {
		return fmt.Errorf("webhook.min_trigger_interval must be >= 0")
	}
	switch c.Webhook.SessionMode {
	case "main", "isolated":
	default:
		return fmt.Errorf("webhook.session_mode must be \"main\" or \"isolated\", got %q", c.Webhook.SessionMode)
	}
	if c.Drives.PressureRate <= 0 {
		return fmt.Errorf("drives.pressure_rate must be > 0")
	}
	if c.Drives.MaxPressure <= 0 {
		return fmt.Errorf("drives.max_pressure must be > 0")
	}
	for name, cat := range c.Drives.Categories {
		if cat.Weight <= 0 {
			return fmt.Errorf("drives.categories.%s.weight must be > 0", name)
		}
	}
	switch c.Evaluator.Mode {
	case "rules", "model":
	default:
		return fmt.Errorf("evaluator.mode must be \"rules\" or \"model\", got %q", c.Evaluator.Mode)
	}
	if c.Evaluator.Model.TimeoutSeconds <= 0 {
		return fmt.Errorf("evaluator.model.timeout_seconds must be > 0")
	}
	if c.State.SaveInterval <= 0 {
		return fmt.Errorf("state.save_interval must be > 0")
	}
	if c.Daemon.LoopIntervalSeconds <= 0 {
		return fmt.Errorf("daemon.loop_interval_seconds must be > 0")
	}
	if c.Daemon.HealthPort <= 0 || c.Daemon.HealthPort > 65535 {
		return fmt.Errorf("daemon.health_port out of range: %d", c.Daemon.HealthPort)
	}
	return nil
}

// LoopInterval returns the tick interval as a duration.
func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.Daemon.LoopIntervalSeconds) * time.Second
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/"))
	}
	return p
}
