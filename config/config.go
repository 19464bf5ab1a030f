// Package config holds the resolved prloom configuration and the canonical
// on-disk layout of a prloom-managed repository.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kastheco/prloom/log"
)

const (
	ConfigFileName = "config.json"
	tomlFileName   = "prloom.toml"

	defaultAgent = "claude"
)

// Stage names used to resolve per-stage agent/model overrides.
const (
	StageDesigner     = "designer"
	StageWorker       = "worker"
	StageTriage       = "triage"
	StageReview       = "review"
	StageCommitReview = "commitReview"
)

// StageModels holds per-stage model overrides for one named agent.
type StageModels struct {
	Default      string `json:"default,omitempty" toml:"default"`
	Designer     string `json:"designer,omitempty" toml:"designer"`
	Worker       string `json:"worker,omitempty" toml:"worker"`
	Triage       string `json:"triage,omitempty" toml:"triage"`
	CommitReview string `json:"commitReview,omitempty" toml:"commit_review"`
}

// forStage returns the model for the given stage, falling back to Default.
func (s StageModels) forStage(stage string) string {
	var m string
	switch stage {
	case StageDesigner:
		m = s.Designer
	case StageWorker:
		m = s.Worker
	case StageTriage:
		m = s.Triage
	case StageCommitReview, StageReview:
		m = s.CommitReview
	}
	if m == "" {
		m = s.Default
	}
	return m
}

// AgentsConfig is the "agents" section. The JSON shape mixes a "default" key
// (the adapter used for unspecified stages) with named agent entries:
//
//	"agents": {"default": "claude", "claude": {"worker": "opus"}}
type AgentsConfig struct {
	Default string
	Named   map[string]StageModels
}

// UnmarshalJSON splits the "default" key from the named agent entries.
func (a *AgentsConfig) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Named = make(map[string]StageModels)
	for name, msg := range raw {
		if name == "default" {
			if err := json.Unmarshal(msg, &a.Default); err != nil {
				return fmt.Errorf("agents.default: %w", err)
			}
			continue
		}
		var sm StageModels
		if err := json.Unmarshal(msg, &sm); err != nil {
			return fmt.Errorf("agents.%s: %w", name, err)
		}
		a.Named[name] = sm
	}
	return nil
}

// MarshalJSON reassembles the mixed map shape.
func (a AgentsConfig) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(a.Named)+1)
	if a.Default != "" {
		raw["default"] = a.Default
	}
	for name, sm := range a.Named {
		raw[name] = sm
	}
	return json.Marshal(raw)
}

// BridgeConfig configures one bridge instance.
type BridgeConfig struct {
	Enabled        bool           `json:"enabled" toml:"enabled"`
	PollIntervalMs int            `json:"pollIntervalMs,omitempty" toml:"poll_interval_ms"`
	Module         string         `json:"module,omitempty" toml:"module"`
	Options        map[string]any `json:"options,omitempty" toml:"options"`
}

// PluginConfig configures one hook plugin.
type PluginConfig struct {
	Enabled bool           `json:"enabled" toml:"enabled"`
	Module  string         `json:"module,omitempty" toml:"module"`
	Config  map[string]any `json:"config,omitempty" toml:"config"`
}

// CommitReviewConfig configures the per-TODO reviewer gate.
type CommitReviewConfig struct {
	Enabled             bool   `json:"enabled" toml:"enabled"`
	MaxLoops            int    `json:"maxLoops,omitempty" toml:"max_loops"`
	Agent               string `json:"agent,omitempty" toml:"agent"`
	Model               string `json:"model,omitempty" toml:"model"`
	RequireManualResume bool   `json:"requireManualResume,omitempty" toml:"require_manual_resume"`
}

// Preset is an override bundle applied when inbox metadata names it.
type Preset struct {
	Agent        string              `json:"agent,omitempty" toml:"agent"`
	Model        string              `json:"model,omitempty" toml:"model"`
	BaseBranch   string              `json:"base_branch,omitempty" toml:"base_branch"`
	CommitReview *CommitReviewConfig `json:"commitReview,omitempty" toml:"commit_review"`
}

// ReviewConfig selects the hosting-provider integration.
type ReviewConfig struct {
	// Provider names a registered review provider. "local" is built in;
	// hosted-forge providers register themselves the same way.
	Provider string `json:"provider,omitempty" toml:"provider"`
}

// BusConfig configures the bridge runtime cadence.
type BusConfig struct {
	TickIntervalMs int `json:"tickIntervalMs,omitempty" toml:"tick_interval_ms"`
}

// HooksConfig configures the hook runtime.
type HooksConfig struct {
	// Order is the explicit execution order of plugins within a lifecycle
	// point. Plugins not listed run after the listed ones, name-sorted.
	Order []string `json:"order,omitempty" toml:"order"`
	// MaxFinishLoops bounds the beforeFinish → worker → beforeFinish cycle.
	// Zero means the default of 5.
	MaxFinishLoops int `json:"maxFinishLoops,omitempty" toml:"max_finish_loops"`
}

// Config is the resolved prloom configuration for one repository.
type Config struct {
	Agents               AgentsConfig            `json:"agents,omitempty"`
	BaseBranch           string                  `json:"base_branch,omitempty"`
	WorktreesDir         string                  `json:"worktrees_dir,omitempty"`
	GithubPollIntervalMs int                     `json:"github_poll_interval_ms,omitempty"`
	Bus                  BusConfig               `json:"bus,omitempty"`
	Bridges              map[string]BridgeConfig `json:"bridges,omitempty"`
	GlobalBridges        map[string]BridgeConfig `json:"globalBridges,omitempty"`
	Plugins              map[string]PluginConfig `json:"plugins,omitempty"`
	GlobalPlugins        map[string]PluginConfig `json:"globalPlugins,omitempty"`
	CopyFiles            []string                `json:"copyFiles,omitempty"`
	InitCommands         []string                `json:"initCommands,omitempty"`
	Presets              map[string]Preset       `json:"presets,omitempty"`
	Review               ReviewConfig            `json:"review,omitempty"`
	CommitReview         CommitReviewConfig      `json:"commitReview,omitempty"`
	Hooks                HooksConfig             `json:"hooks,omitempty"`
	// TelemetryEnabled controls crash reporting via Sentry. Defaults to true
	// when not set.
	TelemetryEnabled *bool `json:"telemetry_enabled,omitempty"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Agents:               AgentsConfig{Default: defaultAgent},
		BaseBranch:           "main",
		WorktreesDir:         filepath.Join("prloom", ".local", "worktrees"),
		GithubPollIntervalMs: 60_000,
		Bus:                  BusConfig{TickIntervalMs: 30_000},
		Review:               ReviewConfig{Provider: "local"},
		CommitReview:         CommitReviewConfig{MaxLoops: 2},
	}
}

// IsTelemetryEnabled returns whether Sentry telemetry is enabled.
// Defaults to true when the field is not set.
func (c *Config) IsTelemetryEnabled() bool {
	if c.TelemetryEnabled == nil {
		return true
	}
	return *c.TelemetryEnabled
}

// DefaultAgent returns the adapter name for a stage, honouring the per-plan
// override when non-empty.
func (c *Config) DefaultAgent(planOverride string) string {
	if planOverride != "" {
		return planOverride
	}
	if c.Agents.Default != "" {
		return c.Agents.Default
	}
	return defaultAgent
}

// ModelFor resolves the model for the given agent and stage. Empty when no
// override is configured anywhere.
func (c *Config) ModelFor(agent, stage string) string {
	sm, ok := c.Agents.Named[agent]
	if !ok {
		return ""
	}
	return sm.forStage(stage)
}

// MaxFinishLoops returns the bound on consecutive beforeFinish-added TODO
// rounds before the plan is blocked.
func (c *Config) MaxFinishLoops() int {
	if c.Hooks.MaxFinishLoops > 0 {
		return c.Hooks.MaxFinishLoops
	}
	return 5
}

// ApplyPreset overlays a preset bundle onto a copy of the config and returns
// it. Unknown preset names return the config unchanged with a warning.
func (c *Config) ApplyPreset(name string) *Config {
	if name == "" {
		return c
	}
	preset, ok := c.Presets[name]
	if !ok {
		log.WarningLog.Printf("unknown preset %q, ignoring", name)
		return c
	}
	out := *c
	if preset.Agent != "" {
		out.Agents.Default = preset.Agent
	}
	if preset.BaseBranch != "" {
		out.BaseBranch = preset.BaseBranch
	}
	if preset.CommitReview != nil {
		out.CommitReview = *preset.CommitReview
	}
	return &out
}

// LoadConfig reads prloom/config.json under repoRoot, overlaying prloom.toml
// when present (TOML is authority for presets, bridges, plugins, hooks, and
// the commit-review gate). Missing files yield defaults; a malformed file is
// an error so the dispatcher never runs against a half-read config.
func LoadConfig(repoRoot string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(repoRoot, "prloom", ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to TOML overlay / defaults
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := overlayTOML(cfg, filepath.Join(repoRoot, "prloom", tomlFileName)); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults backfills zero values after file parsing.
func applyDefaults(cfg *Config) {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.WorktreesDir == "" {
		cfg.WorktreesDir = filepath.Join("prloom", ".local", "worktrees")
	}
	if cfg.GithubPollIntervalMs <= 0 {
		cfg.GithubPollIntervalMs = 60_000
	}
	if cfg.Bus.TickIntervalMs <= 0 {
		cfg.Bus.TickIntervalMs = 30_000
	}
	if cfg.Review.Provider == "" {
		cfg.Review.Provider = "local"
	}
	if cfg.CommitReview.MaxLoops <= 0 {
		cfg.CommitReview.MaxLoops = 2
	}
	if cfg.Agents.Default == "" {
		cfg.Agents.Default = defaultAgent
	}
}

// SaveConfig writes the config back to prloom/config.json.
func SaveConfig(repoRoot string, cfg *Config) error {
	dir := filepath.Join(repoRoot, "prloom")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ConfigFileName), append(data, '\n'), 0o644)
}
