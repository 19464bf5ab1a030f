// Package bus implements the append-only JSONL event/action log shared by
// the dispatcher, bridges, and plugins. One bus lives in every plan worktree
// and one at the repo root.
//
// Producers append whole records; consumers track byte offsets and tolerate
// a partial trailing line, so a reader never depends on a producer's write
// being atomic.
package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kastheco/prloom/log"
)

// SchemaVersion is stamped on every record envelope.
const SchemaVersion = 1

// Record kinds.
const (
	KindEvent  = "event"
	KindAction = "action"
)

// Severity levels for events.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Canonical action payload types.
const (
	ActionComment    = "comment"
	ActionReview     = "review"
	ActionMerge      = "merge"
	ActionUpsertPlan = "upsert_plan"
)

// ReplyAddress tells an outbound bridge where a response to an event goes.
type ReplyAddress struct {
	Target string `json:"target"`
	Token  string `json:"token,omitempty"`
}

// Event is an inbound bus record. Events are append-only and never mutated.
type Event struct {
	ID       string         `json:"id"`
	Source   string         `json:"source"`
	Type     string         `json:"type"`
	Severity string         `json:"severity,omitempty"`
	Title    string         `json:"title,omitempty"`
	Body     string         `json:"body,omitempty"`
	ReplyTo  *ReplyAddress  `json:"replyTo,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// Action is an outbound bus record. Only the delivering bridge mutates its
// fate, by recording a receipt keyed on the action id.
type Action struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Target  string          `json:"target,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// record is the JSONL envelope on every line.
type record struct {
	TS            time.Time       `json:"ts"`
	Kind          string          `json:"kind"`
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data"`
}

// Bus is one bus root directory.
type Bus struct {
	Dir string
}

// ForWorktree returns the per-plan bus rooted in a worktree.
func ForWorktree(worktree string) Bus {
	return Bus{Dir: filepath.Join(worktree, "prloom", ".local", "bus")}
}

func (b Bus) EventsFile() string  { return filepath.Join(b.Dir, "events.jsonl") }
func (b Bus) ActionsFile() string { return filepath.Join(b.Dir, "actions.jsonl") }
func (b Bus) stateDir() string    { return filepath.Join(b.Dir, "state") }

// DispatcherStateFile holds the dispatcher's offsets and processed-event set.
func (b Bus) DispatcherStateFile() string {
	return filepath.Join(b.stateDir(), "dispatcher.json")
}

// BridgeStateFile holds a bridge's opaque state, persisted verbatim.
func (b Bus) BridgeStateFile(name string) string {
	return filepath.Join(b.stateDir(), "bridge."+name+".json")
}

// BridgeActionsFile holds a bridge's delivery receipts.
func (b Bus) BridgeActionsFile(name string) string {
	return filepath.Join(b.stateDir(), "bridge."+name+".actions.json")
}

// PluginStateFile holds one plugin's JSON key/value state.
func (b Bus) PluginStateFile(plugin string) string {
	return filepath.Join(b.Dir, "plugin-state", plugin+".json")
}

// append writes one record as a single write of json+"\n" in append mode.
// No in-place edits, ever.
func (b Bus) append(kind string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	rec := record{TS: time.Now().UTC(), Kind: kind, SchemaVersion: SchemaVersion, Data: payload}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return fmt.Errorf("create bus dir: %w", err)
	}
	path := b.EventsFile()
	if kind == KindAction {
		path = b.ActionsFile()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

// AppendEvent appends one event record to the bus.
func (b Bus) AppendEvent(e Event) error {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	return b.append(KindEvent, e)
}

// AppendAction appends one action record to the bus.
func (b Bus) AppendAction(a Action) error {
	return b.append(KindAction, a)
}

// readRecords reads complete JSONL records from path starting at the byte
// offset. The returned offset points to the first byte after the last '\n'
// in the read window; a partial trailing line is left for the next call.
// Offsets are bytes, never code points: multi-byte UTF-8 content must not
// shift them.
func readRecords(path string, offset int64) ([]record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, fmt.Errorf("seek %s: %w", path, err)
	}
	window, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, fmt.Errorf("read %s: %w", path, err)
	}

	lastNL := bytes.LastIndexByte(window, '\n')
	if lastNL < 0 {
		// Nothing but a partial line; re-read next tick.
		return nil, offset, nil
	}
	complete := window[:lastNL+1]
	newOffset := offset + int64(lastNL) + 1

	var records []record
	for _, line := range bytes.Split(complete, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A complete but malformed line is producer error; skip it so one
			// bad record cannot wedge the bus.
			log.WarningLog.Printf("bus: skipping malformed record in %s: %v", path, err)
			continue
		}
		records = append(records, rec)
	}
	return records, newOffset, nil
}

// ReadEvents returns the complete events at or past the byte offset, plus
// the new offset per the read contract above.
func ReadEvents(path string, offset int64) ([]Event, int64, error) {
	records, newOffset, err := readRecords(path, offset)
	if err != nil {
		return nil, offset, err
	}
	var events []Event
	for _, rec := range records {
		if rec.Kind != KindEvent {
			continue
		}
		var e Event
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			log.WarningLog.Printf("bus: skipping undecodable event in %s: %v", path, err)
			continue
		}
		events = append(events, e)
	}
	return events, newOffset, nil
}

// ReadActions returns the complete actions at or past the byte offset, plus
// the new offset.
func ReadActions(path string, offset int64) ([]Action, int64, error) {
	records, newOffset, err := readRecords(path, offset)
	if err != nil {
		return nil, offset, err
	}
	var actions []Action
	for _, rec := range records {
		if rec.Kind != KindAction {
			continue
		}
		var a Action
		if err := json.Unmarshal(rec.Data, &a); err != nil {
			log.WarningLog.Printf("bus: skipping undecodable action in %s: %v", path, err)
			continue
		}
		actions = append(actions, a)
	}
	return actions, newOffset, nil
}

// DeduplicateEvents filters out events whose id is already in processed,
// adding the new ids to the set as it goes. Applying it twice with the same
// set yields nothing the second time.
func DeduplicateEvents(events []Event, processed map[string]bool) []Event {
	var fresh []Event
	for _, e := range events {
		if processed[e.ID] {
			continue
		}
		processed[e.ID] = true
		fresh = append(fresh, e)
	}
	return fresh
}

// PruneProcessedIds keeps the most recent max entries, oldest-first pruning.
func PruneProcessedIds(ids []string, max int) []string {
	if max <= 0 || len(ids) <= max {
		return ids
	}
	return ids[len(ids)-max:]
}
