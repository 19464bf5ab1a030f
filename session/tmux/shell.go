package tmux

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxInlinePromptLen is the threshold above which prompts are not inlined as
// shell arguments. Long prompts can exceed tmux/exec argument limits and
// silently fail session creation.
const MaxInlinePromptLen = 8192

// EscapeSingleQuote wraps s in POSIX single quotes, escaping any embedded
// single quotes with the '\" idiom. Safe for all content (newlines, $,
// backticks, double quotes) except NUL bytes.
func EscapeSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// WritePromptFile writes a prompt to a file under dir and returns its path.
// Used when the prompt exceeds MaxInlinePromptLen, or whenever the adapter
// prefers file delivery.
func WritePromptFile(dir, prompt string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create prompt dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "prompt-*.md")
	if err != nil {
		return "", fmt.Errorf("create prompt file: %w", err)
	}
	if _, err := f.WriteString(prompt); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}
