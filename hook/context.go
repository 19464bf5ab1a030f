package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kastheco/prloom/bus"
)

// AgentRequest asks the configured adapter to run a one-shot prompt on the
// plugin's behalf.
type AgentRequest struct {
	Prompt string
	Files  []string
	Model  string
	Stage  string
}

// RunAgentFunc is wired by the dispatcher so plugins reuse the plan's
// configured adapter without knowing about sessions.
type RunAgentFunc func(ctx context.Context, req AgentRequest) (string, error)

// Context is the handle plugins receive at every invocation. One Context is
// built per plan per hook chain; the runtime stamps the current plugin name
// before each call so state access stays scoped.
type Context struct {
	PlanID string
	// Event is the triggering bus event; set only at the onEvent point.
	Event *bus.Event

	PlanBus    bus.Bus
	GlobalBus  bus.Bus
	Dispatcher *bus.DispatcherState
	Now        time.Time

	RunAgentFn RunAgentFunc

	plugin string
}

// RunAgent runs a one-shot prompt on the plan's configured adapter.
func (c *Context) RunAgent(ctx context.Context, req AgentRequest) (string, error) {
	if c.RunAgentFn == nil {
		return "", errors.New("no agent runner wired")
	}
	return c.RunAgentFn(ctx, req)
}

// EmitAction appends a typed action to the plan's outbox. A missing id is
// filled in.
func (c *Context) EmitAction(a bus.Action) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return c.PlanBus.AppendAction(a)
}

// EmitComment appends a comment action addressed at target.
func (c *Context) EmitComment(target, token, body string) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return err
	}
	return c.EmitAction(bus.Action{Type: bus.ActionComment, Target: target, Token: token, Payload: payload})
}

// EmitReview appends a review action addressed at target.
func (c *Context) EmitReview(target, token, verdict, summary string) error {
	payload, err := json.Marshal(map[string]string{"verdict": verdict, "summary": summary})
	if err != nil {
		return err
	}
	return c.EmitAction(bus.Action{Type: bus.ActionReview, Target: target, Token: token, Payload: payload})
}

// EmitMerge appends a merge action addressed at target.
func (c *Context) EmitMerge(target, token string) error {
	return c.EmitAction(bus.Action{Type: bus.ActionMerge, Target: target, Token: token})
}

// SetState writes a key in the plugin's per-plan store.
func (c *Context) SetState(key string, value any) error {
	return setPluginKey(c.PlanBus.PluginStateFile(c.plugin), key, value)
}

// GetState reads a key from the plugin's per-plan store. Returns false when
// the key is absent.
func (c *Context) GetState(key string, out any) (bool, error) {
	return getPluginKey(c.PlanBus.PluginStateFile(c.plugin), key, out)
}

// SetGlobalState writes a key in the plugin's repo-wide store.
func (c *Context) SetGlobalState(key string, value any) error {
	return setPluginKey(c.GlobalBus.PluginStateFile(c.plugin), key, value)
}

// GetGlobalState reads a key from the plugin's repo-wide store.
func (c *Context) GetGlobalState(key string, out any) (bool, error) {
	return getPluginKey(c.GlobalBus.PluginStateFile(c.plugin), key, out)
}

// ReadFilter selects events for Context.ReadEvents.
type ReadFilter struct {
	Types   []string
	SinceID string
	Limit   int
}

// ReadEvents returns plan-bus events matching the filter. The cursor is the
// plugin's own: pass the last seen id as SinceID to resume after it. This is
// independent of the dispatcher's triage offset.
func (c *Context) ReadEvents(f ReadFilter) ([]bus.Event, error) {
	events, _, err := bus.ReadEvents(c.PlanBus.EventsFile(), 0)
	if err != nil {
		return nil, err
	}
	if f.SinceID != "" {
		start := 0
		for i, e := range events {
			if e.ID == f.SinceID {
				start = i + 1
			}
		}
		events = events[start:]
	}
	var out []bus.Event
	for _, e := range events {
		if len(f.Types) > 0 && !containsString(f.Types, e.Type) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// MarkEventHandled drops the event before triage sees it.
func (c *Context) MarkEventHandled(id string) {
	if c.Dispatcher != nil {
		c.Dispatcher.MarkProcessed(id)
	}
}

// MarkEventDeferred skips the event now and re-offers it after the backoff.
func (c *Context) MarkEventDeferred(id, reason string, retryAfterMs int) {
	if c.Dispatcher != nil {
		now := c.Now
		if now.IsZero() {
			now = time.Now()
		}
		c.Dispatcher.MarkDeferred(id, reason, time.Duration(retryAfterMs)*time.Millisecond, now)
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// setPluginKey rewrites one key of a plugin state file in place.
func setPluginKey(path, key string, value any) error {
	store, err := loadPluginStore(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal plugin state %q: %w", key, err)
	}
	store[key] = raw
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func getPluginKey(path, key string, out any) (bool, error) {
	store, err := loadPluginStore(path)
	if err != nil {
		return false, err
	}
	raw, ok := store[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func loadPluginStore(path string) (map[string]json.RawMessage, error) {
	store := make(map[string]json.RawMessage)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("parse plugin state %s: %w", path, err)
	}
	return store, nil
}
