package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kastheco/prloom/bus"
	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/plandoc"
	"github.com/kastheco/prloom/config/planfsm"
	"github.com/kastheco/prloom/config/planstate"
)

// CoreName is the built-in outbound bridge registered on the global bus.
const CoreName = "prloom-core"

// UpsertPlanPayload is the payload of an upsert_plan action. Source identity
// is the uniqueness key: a second upsert with the same {system, kind, id}
// updates the plan the first one created.
type UpsertPlanPayload struct {
	Source   planstate.Source `json:"source"`
	Title    string           `json:"title,omitempty"`
	Markdown string           `json:"markdown,omitempty"`
	Todos    []string         `json:"todos,omitempty"`
	Status   planfsm.Status   `json:"status,omitempty"`
	Agent    string           `json:"agent,omitempty"`
	Preset   string           `json:"preset,omitempty"`
}

// CoreBridge handles upsert_plan actions by creating or updating plans. It
// is outbound-only and needs a live view of dispatcher state to resolve
// source identities against active plans.
type CoreBridge struct {
	Paths config.Paths
	// State returns the current dispatcher state; the dispatcher wires this
	// so the bridge sees in-memory truth, not a stale disk copy.
	State func() *planstate.State
}

// Name implements Outbound.
func (c *CoreBridge) Name() string { return CoreName }

// Deliver implements Outbound.
func (c *CoreBridge) Deliver(_ context.Context, action bus.Action) DeliverResult {
	if action.Type != bus.ActionUpsertPlan {
		return DeliverResult{Err: fmt.Errorf("prloom-core cannot deliver %q actions", action.Type)}
	}
	var payload UpsertPlanPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return DeliverResult{Err: fmt.Errorf("parse upsert_plan payload: %w", err)}
	}
	if payload.Source == (planstate.Source{}) {
		return DeliverResult{Err: fmt.Errorf("upsert_plan requires a source identity")}
	}

	state := c.State()
	id, found := planstate.FindPlanBySource(c.Paths, state, payload.Source)
	if found {
		if entry, active := state.Plans[id]; active && entry.Worktree != "" {
			return c.updateActive(id, entry, payload)
		}
		return c.updateInbox(id, payload)
	}
	return c.create(payload)
}

// updateActive folds new TODOs into a plan already running in a worktree.
func (c *CoreBridge) updateActive(id string, entry *planstate.Entry, payload UpsertPlanPayload) DeliverResult {
	planFile := config.WorktreePlanFile(entry.Worktree)
	if len(payload.Todos) > 0 {
		if err := plandoc.AddTodos(planFile, payload.Todos); err != nil {
			return DeliverResult{Err: err, Retryable: true}
		}
	}
	receipt, _ := json.Marshal(map[string]any{"planId": id, "updated": true, "todosAdded": len(payload.Todos)})
	return DeliverResult{Success: true, Receipt: receipt}
}

// updateInbox rewrites an inbox plan in place.
func (c *CoreBridge) updateInbox(id string, payload UpsertPlanPayload) DeliverResult {
	if payload.Markdown != "" {
		path := filepath.Join(c.Paths.InboxDir(), id+".md")
		if err := os.WriteFile(path, []byte(payload.Markdown), 0o644); err != nil {
			return DeliverResult{Err: err, Retryable: true}
		}
	}
	if payload.Status != "" {
		meta, err := c.readMeta(id)
		if err != nil {
			return DeliverResult{Err: err, Retryable: true}
		}
		meta.Status = payload.Status
		if err := planstate.WriteInboxMeta(c.Paths, id, meta); err != nil {
			return DeliverResult{Err: err, Retryable: true}
		}
	}
	receipt, _ := json.Marshal(map[string]any{"planId": id, "updated": true})
	return DeliverResult{Success: true, Receipt: receipt}
}

// create materializes a brand-new inbox plan for an unseen source.
func (c *CoreBridge) create(payload UpsertPlanPayload) DeliverResult {
	id := plandoc.Slugify(payload.Title)
	if id == "" {
		id = plandoc.Slugify(payload.Source.System + "-" + payload.Source.Kind + "-" + payload.Source.ID)
	}
	id = c.uniqueID(id)

	markdown := payload.Markdown
	if markdown == "" {
		markdown = "# " + payload.Title + "\n"
	}
	if err := os.MkdirAll(c.Paths.InboxDir(), 0o755); err != nil {
		return DeliverResult{Err: err, Retryable: true}
	}
	if err := os.WriteFile(filepath.Join(c.Paths.InboxDir(), id+".md"), []byte(markdown), 0o644); err != nil {
		return DeliverResult{Err: err, Retryable: true}
	}
	if len(payload.Todos) > 0 {
		if err := plandoc.AddTodos(filepath.Join(c.Paths.InboxDir(), id+".md"), payload.Todos); err != nil {
			return DeliverResult{Err: err, Retryable: true}
		}
	}

	status := payload.Status
	if status == "" {
		status = planfsm.StatusDraft
	}
	src := payload.Source
	meta := planstate.InboxMeta{Status: status, Agent: payload.Agent, Preset: payload.Preset, Source: &src}
	if err := planstate.WriteInboxMeta(c.Paths, id, meta); err != nil {
		return DeliverResult{Err: err, Retryable: true}
	}

	receipt, _ := json.Marshal(map[string]any{"planId": id, "created": true})
	return DeliverResult{Success: true, Receipt: receipt}
}

// uniqueID suffixes the slug until it collides with neither state nor inbox.
func (c *CoreBridge) uniqueID(id string) string {
	taken := func(candidate string) bool {
		if _, ok := c.State().Plans[candidate]; ok {
			return true
		}
		_, err := os.Stat(filepath.Join(c.Paths.InboxDir(), candidate+".md"))
		return err == nil
	}
	if !taken(id) {
		return id
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", id, i)
		if !taken(candidate) {
			return candidate
		}
	}
}

func (c *CoreBridge) readMeta(id string) (planstate.InboxMeta, error) {
	meta := planstate.InboxMeta{Status: planfsm.StatusDraft}
	data, err := os.ReadFile(filepath.Join(c.Paths.InboxDir(), id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return meta, nil
		}
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}
