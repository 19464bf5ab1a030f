package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// tomlConfig is the prloom.toml overlay shape. TOML is authority for the
// sections it declares; everything else stays as config.json left it.
type tomlConfig struct {
	BaseBranch           string                  `toml:"base_branch"`
	WorktreesDir         string                  `toml:"worktrees_dir"`
	GithubPollIntervalMs int                     `toml:"github_poll_interval_ms"`
	Agents               map[string]StageModels  `toml:"agents"`
	DefaultAgent         string                  `toml:"default_agent"`
	Bus                  *BusConfig              `toml:"bus"`
	Bridges              map[string]BridgeConfig `toml:"bridges"`
	GlobalBridges        map[string]BridgeConfig `toml:"global_bridges"`
	Plugins              map[string]PluginConfig `toml:"plugins"`
	GlobalPlugins        map[string]PluginConfig `toml:"global_plugins"`
	Presets              map[string]Preset       `toml:"presets"`
	Review               *ReviewConfig           `toml:"review"`
	CommitReview         *CommitReviewConfig     `toml:"commit_review"`
	Hooks                *HooksConfig            `toml:"hooks"`
	CopyFiles            []string                `toml:"copy_files"`
	InitCommands         []string                `toml:"init_commands"`
	TelemetryEnabled     *bool                   `toml:"telemetry_enabled"`
}

// overlayTOML merges prloom.toml into cfg when the file exists.
func overlayTOML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var tc tomlConfig
	if err := toml.Unmarshal(data, &tc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if tc.BaseBranch != "" {
		cfg.BaseBranch = tc.BaseBranch
	}
	if tc.WorktreesDir != "" {
		cfg.WorktreesDir = tc.WorktreesDir
	}
	if tc.GithubPollIntervalMs > 0 {
		cfg.GithubPollIntervalMs = tc.GithubPollIntervalMs
	}
	if tc.DefaultAgent != "" {
		cfg.Agents.Default = tc.DefaultAgent
	}
	if len(tc.Agents) > 0 {
		if cfg.Agents.Named == nil {
			cfg.Agents.Named = make(map[string]StageModels)
		}
		for name, sm := range tc.Agents {
			cfg.Agents.Named[name] = sm
		}
	}
	if tc.Bus != nil {
		cfg.Bus = *tc.Bus
	}
	if len(tc.Bridges) > 0 {
		cfg.Bridges = tc.Bridges
	}
	if len(tc.GlobalBridges) > 0 {
		cfg.GlobalBridges = tc.GlobalBridges
	}
	if len(tc.Plugins) > 0 {
		cfg.Plugins = tc.Plugins
	}
	if len(tc.GlobalPlugins) > 0 {
		cfg.GlobalPlugins = tc.GlobalPlugins
	}
	if len(tc.Presets) > 0 {
		cfg.Presets = tc.Presets
	}
	if tc.Review != nil {
		cfg.Review = *tc.Review
	}
	if tc.CommitReview != nil {
		cfg.CommitReview = *tc.CommitReview
	}
	if tc.Hooks != nil {
		cfg.Hooks = *tc.Hooks
	}
	if len(tc.CopyFiles) > 0 {
		cfg.CopyFiles = tc.CopyFiles
	}
	if len(tc.InitCommands) > 0 {
		cfg.InitCommands = tc.InitCommands
	}
	if tc.TelemetryEnabled != nil {
		cfg.TelemetryEnabled = tc.TelemetryEnabled
	}
	return nil
}
