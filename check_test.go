package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastheco/prloom/config"
)

func TestAgentCommands_CollectsDistinctAgents(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agents.Default = "claude"
	cfg.CommitReview.Agent = "opencode"
	cfg.Presets = map[string]config.Preset{
		"fast":     {Agent: "opencode"},
		"thorough": {Agent: "claude"},
		"inherit":  {},
	}

	agents := agentCommands(cfg)
	assert.Equal(t, []string{"claude", "opencode"}, agents)
}

func TestAgentCheck_ResolvesBinary(t *testing.T) {
	entry := agentCheck("sh")
	assert.True(t, entry.ok)
	assert.NotEmpty(t, entry.detail)
}

func TestAgentCheck_MissingBinary(t *testing.T) {
	entry := agentCheck("definitely-not-a-real-agent-binary")
	assert.False(t, entry.ok)
	assert.Contains(t, entry.detail, "not on PATH")
}

func TestAgentCheck_ScriptScheme(t *testing.T) {
	entry := agentCheck("script:sh -c true")
	assert.True(t, entry.ok)
}

func TestAgentCheck_EmptyCommand(t *testing.T) {
	entry := agentCheck("script:")
	require.False(t, entry.ok)
	assert.Equal(t, "empty command", entry.detail)
}

func TestBinaryCheck_OptionalMissing(t *testing.T) {
	entry := binaryCheck("definitely-not-a-real-binary", true)
	assert.False(t, entry.ok)
	assert.True(t, entry.optional)
}
