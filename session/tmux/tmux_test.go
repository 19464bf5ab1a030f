package tmux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionName(t *testing.T) {
	assert.Equal(t, "prloom_authrefactor_worker", SessionName("auth refactor", "worker"))
	assert.Equal(t, "prloom_fix-login_triage", SessionName("fix-login", "triage"))
	assert.Equal(t, "prloom_v1_2_review", SessionName("v1.2", "review"))
}

func TestEscapeSingleQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, EscapeSingleQuote("plain"))
	assert.Equal(t, `'it'\''s'`, EscapeSingleQuote("it's"))
	assert.Equal(t, "'a\nb'", EscapeSingleQuote("a\nb"))
	assert.Equal(t, `'$HOME and `+"`cmd`"+`'`, EscapeSingleQuote("$HOME and `cmd`"))
}

func TestDoneReadsSentinel(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "exit-code")
	s := NewSession("prloom_test_worker", sentinel)

	_, done := s.Done()
	assert.False(t, done)

	require.NoError(t, os.WriteFile(sentinel, []byte("0\n"), 0o644))
	code, done := s.Done()
	assert.True(t, done)
	assert.Equal(t, 0, code)

	require.NoError(t, os.WriteFile(sentinel, []byte("137\n"), 0o644))
	code, done = s.Done()
	assert.True(t, done)
	assert.Equal(t, 137, code)

	// Garbage sentinel means not done yet (partial write).
	require.NoError(t, os.WriteFile(sentinel, []byte(""), 0o644))
	_, done = s.Done()
	assert.False(t, done)
}

func TestWritePromptFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scratch")
	path, err := WritePromptFile(dir, "do the thing")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "do the thing", string(data))
}
