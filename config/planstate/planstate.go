// Package planstate persists dispatcher state: one entry per plan plus the
// control-log cursor, stored as prloom/.local/state.json.
package planstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/planfsm"
)

// Source is the external identity of a plan created through a bridge.
// The triple is the uniqueness key for upsert_plan actions.
type Source struct {
	System string `json:"system"`
	Kind   string `json:"kind"`
	ID     string `json:"id"`
}

// Cursors are the three per-category feedback high-water marks. Items with
// ids at or below the cursor have been seen (triaged or self-authored).
type Cursors struct {
	Comments       int64 `json:"comments"`
	Reviews        int64 `json:"reviews"`
	ReviewComments int64 `json:"review_comments"`
}

// Entry is the durable per-plan state. Worktree, Branch, and CR are
// write-once after ingestion: Save refuses to clear them once set.
type Entry struct {
	Status        planfsm.Status `json:"status"`
	Title         string         `json:"title,omitempty"`
	Blocked       bool           `json:"blocked,omitempty"`
	PendingReview bool           `json:"pending_review,omitempty"`
	PollOnce      bool           `json:"poll_once,omitempty"`

	Worktree   string `json:"worktree,omitempty"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	CR         string `json:"cr,omitempty"`

	Agent  string  `json:"agent,omitempty"`
	Preset string  `json:"preset,omitempty"`
	Source *Source `json:"source,omitempty"`

	LastPolledAt      time.Time `json:"last_polled_at,omitempty"`
	Cursors           Cursors   `json:"cursors"`
	LastTodoIndex     int       `json:"last_todo_index"`
	TodoRetryCount    int       `json:"todo_retry_count"`
	CommitReviewLoops int       `json:"commit_review_loops,omitempty"`
	FinishLoops       int       `json:"finish_loops,omitempty"`
	LastError         string    `json:"last_error,omitempty"`

	// Session identifies the subprocess currently owned by this plan
	// ("tmux:<name>", "pid:<n>", or "sync"). Transient: never persisted,
	// always taken from memory when merging disk state.
	Session string `json:"-"`

	// extra preserves unknown keys across rewrites.
	extra map[string]json.RawMessage
}

// knownEntryKeys lists every JSON key Entry itself owns; anything else on
// disk is preserved verbatim in extra.
var knownEntryKeys = map[string]bool{
	"status": true, "title": true, "blocked": true, "pending_review": true,
	"poll_once": true, "worktree": true, "branch": true, "base_branch": true,
	"cr": true, "agent": true, "preset": true, "source": true,
	"last_polled_at": true, "cursors": true, "last_todo_index": true,
	"todo_retry_count": true, "commit_review_loops": true,
	"finish_loops": true, "last_error": true,
}

// entryAlias avoids recursing into the custom (Un)MarshalJSON.
type entryAlias Entry

// NewEntry returns a fresh entry in the given status. LastTodoIndex starts
// at -1 so index 0 is not mistaken for a retry of itself.
func NewEntry(status planfsm.Status) *Entry {
	return &Entry{Status: status, LastTodoIndex: -1}
}

// UnmarshalJSON parses the known fields and keeps unknown keys.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var alias entryAlias
	alias.LastTodoIndex = -1
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownEntryKeys[k] {
			delete(raw, k)
		}
	}
	*e = Entry(alias)
	if len(raw) > 0 {
		e.extra = raw
	}
	return nil
}

// MarshalJSON writes the known fields and folds the preserved keys back in.
func (e Entry) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(entryAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// ResetRetry clears the per-TODO retry tracking for a new TODO index.
func (e *Entry) ResetRetry(index int) {
	e.LastTodoIndex = index
	e.TodoRetryCount = 0
}

// State is the full dispatcher state for one repository.
type State struct {
	ControlCursor int64             `json:"control_cursor"`
	Plans         map[string]*Entry `json:"plans"`

	extra map[string]json.RawMessage
}

var knownStateKeys = map[string]bool{"control_cursor": true, "plans": true}

type stateAlias State

// UnmarshalJSON parses the known fields and keeps unknown top-level keys.
func (s *State) UnmarshalJSON(data []byte) error {
	var alias stateAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownStateKeys[k] {
			delete(raw, k)
		}
	}
	*s = State(alias)
	if len(raw) > 0 {
		s.extra = raw
	}
	if s.Plans == nil {
		s.Plans = make(map[string]*Entry)
	}
	return nil
}

// MarshalJSON folds preserved top-level keys back in.
func (s State) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(stateAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Plans: make(map[string]*Entry)}
}

// Load reads state.json for the repo. Missing file yields an empty state.
func Load(paths config.Paths) (*State, error) {
	data, err := os.ReadFile(paths.StateFile())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &s, nil
}

// Save writes state.json atomically (temp file then rename). The dispatcher
// holds the repo lock, so there is exactly one writer.
func Save(paths config.Paths, s *State) error {
	dir := filepath.Dir(paths.StateFile())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, paths.StateFile()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// MergeFromDisk unions freshly-read disk state into mem. In-memory transient
// fields (subprocess session, retry tracking) win; a plan's status lifts from
// disk only on a legal forward transition; write-once fields never clear; the
// control cursor never regresses. Plans that exist only on disk are adopted.
func MergeFromDisk(mem, disk *State) {
	if disk.ControlCursor > mem.ControlCursor {
		mem.ControlCursor = disk.ControlCursor
	}
	for id, de := range disk.Plans {
		me, ok := mem.Plans[id]
		if !ok {
			mem.Plans[id] = de
			continue
		}
		if planfsm.ForwardFromDisk(me.Status, de.Status) {
			me.Status = de.Status
		}
		// Write-once after ingestion: adopt from disk only when memory has
		// no value yet.
		if me.Worktree == "" {
			me.Worktree = de.Worktree
		}
		if me.Branch == "" {
			me.Branch = de.Branch
		}
		if me.CR == "" {
			me.CR = de.CR
		}
		if me.Agent == "" {
			me.Agent = de.Agent
		}
		if me.Source == nil {
			me.Source = de.Source
		}
		// Cursors never regress across restarts or external edits.
		if de.Cursors.Comments > me.Cursors.Comments {
			me.Cursors.Comments = de.Cursors.Comments
		}
		if de.Cursors.Reviews > me.Cursors.Reviews {
			me.Cursors.Reviews = de.Cursors.Reviews
		}
		if de.Cursors.ReviewComments > me.Cursors.ReviewComments {
			me.Cursors.ReviewComments = de.Cursors.ReviewComments
		}
		if me.extra == nil {
			me.extra = de.extra
		}
	}
}

// WriteWorktreeMirror writes a copy of the plan entry into its worktree so
// agents and humans can inspect the plan's state without the repo-level file.
func WriteWorktreeMirror(worktree string, e *Entry) error {
	dir := config.WorktreeLocalDir(worktree)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create worktree state dir: %w", err)
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal worktree state: %w", err)
	}
	return os.WriteFile(config.WorktreeStateFile(worktree), append(data, '\n'), 0o644)
}
