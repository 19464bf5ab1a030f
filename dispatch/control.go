package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/auditlog"
	"github.com/kastheco/prloom/config/planfsm"
	"github.com/kastheco/prloom/config/planstate"
	"github.com/kastheco/prloom/log"
)

// Control command types, written by the CLI and consumed in append order.
const (
	CmdStop       = "stop"
	CmdUnpause    = "unpause"
	CmdPoll       = "poll"
	CmdLaunchPoll = "launch_poll"
	CmdReview     = "review"
	CmdActivate   = "activate"
)

// Command is one line of .prloom/control.jsonl.
type Command struct {
	Type   string    `json:"type"`
	PlanID string    `json:"plan_id"`
	TS     time.Time `json:"ts"`
}

// AppendCommand writes one command to the control log. This is the entire IPC
// surface between the CLI and a running dispatcher.
func AppendCommand(paths config.Paths, cmdType, planID string) error {
	path := paths.ControlFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	line, err := json.Marshal(Command{Type: cmdType, PlanID: planID, TS: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open control log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append command: %w", err)
	}
	return nil
}

// readCommands returns the complete commands at or past the byte offset. The
// new offset points past the last newline; a partial trailing line is left
// for the next call, same contract as the bus files.
func readCommands(path string, offset int64) ([]Command, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("open control log: %w", err)
	}
	defer f.Close()

	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, fmt.Errorf("seek control log: %w", err)
	}
	window, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, fmt.Errorf("read control log: %w", err)
	}
	lastNL := bytes.LastIndexByte(window, '\n')
	if lastNL < 0 {
		return nil, offset, nil
	}

	var cmds []Command
	for _, line := range bytes.Split(window[:lastNL+1], []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			log.WarningLog.Printf("control: skipping malformed command: %v", err)
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, offset + int64(lastNL) + 1, nil
}

// drainControl applies pending control commands in append order and advances
// the cursor. Commands for unknown plans are warnings, never errors.
func (d *Dispatcher) drainControl() {
	cmds, newCursor, err := readCommands(d.Paths.ControlFile(), d.State.ControlCursor)
	if err != nil {
		log.ErrorLog.Printf("control: %v", err)
		return
	}
	for _, cmd := range cmds {
		d.applyCommand(cmd)
	}
	d.State.ControlCursor = newCursor
}

func (d *Dispatcher) applyCommand(cmd Command) {
	if cmd.Type == CmdActivate {
		d.activateInboxPlan(cmd.PlanID)
		return
	}

	ps, ok := d.State.Plans[cmd.PlanID]
	if !ok {
		log.WarningLog.Printf("control: %s for unknown plan %q", cmd.Type, cmd.PlanID)
		return
	}
	switch cmd.Type {
	case CmdStop:
		ps.Blocked = true
		log.InfoLog.Printf("plan %s: stopped", cmd.PlanID)
	case CmdUnpause:
		ps.Blocked = false
		ps.TodoRetryCount = 0
		ps.LastError = ""
		if ps.Status == planfsm.StatusPaused {
			if next, err := planfsm.ApplyTransition(ps.Status, planfsm.Resume); err == nil {
				ps.Status = next
			}
		}
		d.Audit.Emit(auditlog.NewEvent(auditlog.EventPlanResumed, "unpaused",
			auditlog.WithPlan(cmd.PlanID)))
	case CmdPoll:
		ps.PollOnce = true
	case CmdLaunchPoll:
		ps.LastPolledAt = time.Time{}
	case CmdReview:
		if ps.Status == planfsm.StatusReview {
			ps.PendingReview = true
		} else {
			log.WarningLog.Printf("control: review for plan %s in status %s, ignoring", cmd.PlanID, ps.Status)
		}
	default:
		log.WarningLog.Printf("control: unknown command type %q", cmd.Type)
	}
}

// activateInboxPlan promotes a draft inbox plan to queued.
func (d *Dispatcher) activateInboxPlan(id string) {
	entries, err := planstate.ListInbox(d.Paths)
	if err != nil {
		log.ErrorLog.Printf("control: activate %s: %v", id, err)
		return
	}
	for _, e := range entries {
		if e.ID != id {
			continue
		}
		if e.Meta.Status != planfsm.StatusDraft {
			log.WarningLog.Printf("control: activate %s in status %s, ignoring", id, e.Meta.Status)
			return
		}
		meta := e.Meta
		meta.Status = planfsm.StatusQueued
		if err := planstate.WriteInboxMeta(d.Paths, id, meta); err != nil {
			log.ErrorLog.Printf("control: activate %s: %v", id, err)
		}
		return
	}
	log.WarningLog.Printf("control: activate for unknown inbox plan %q", id)
}
