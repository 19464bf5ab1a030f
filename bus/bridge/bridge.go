// Package bridge runs the adapters between the file bus and external
// systems. Inbound bridges poll their source and emit events; outbound
// bridges deliver actions and write receipts that make redelivery a no-op.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kastheco/prloom/bus"
	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/log"
)

// InboundResult is everything an inbound bridge hands back from one poll.
// State is persisted verbatim for the next call.
type InboundResult struct {
	Events  []bus.Event
	Actions []bus.Action
	State   json.RawMessage
}

// Inbound converts an external system's activity into bus events.
type Inbound interface {
	Name() string
	Events(ctx context.Context, state json.RawMessage) (InboundResult, error)
}

// DeliverResult reports the outcome of delivering one action.
type DeliverResult struct {
	Success   bool
	Receipt   json.RawMessage
	Err       error
	Retryable bool
}

// Outbound delivers bus actions to an external system.
type Outbound interface {
	Name() string
	Deliver(ctx context.Context, action bus.Action) DeliverResult
}

// Factory builds a bridge instance from its config. The returned value must
// implement Inbound, Outbound, or both.
type Factory func(cfg config.BridgeConfig) (any, error)

var (
	registry     = make(map[string]Factory)
	registryLock sync.RWMutex
)

// Register adds a bridge factory to the registry. Built-ins register from
// init(); user builds register before constructing the runtime.
func Register(name string, factory Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[name] = factory
}

// lookup retrieves a registered factory.
func lookup(name string) (Factory, bool) {
	registryLock.RLock()
	defer registryLock.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// instance pairs a constructed bridge with its name.
type instance struct {
	name    string
	bridge  any
	enabled bool
}

// Runtime drives the bridges registered against one bus.
type Runtime struct {
	bus       bus.Bus
	instances []instance

	lastTick time.Time
	interval time.Duration
}

// NewRuntime constructs the runtime for a bus from bridge configs. Config
// keys name the bridge; a "module" key selects a different registered
// factory than the config key itself.
func NewRuntime(b bus.Bus, configs map[string]config.BridgeConfig, tickIntervalMs int) (*Runtime, error) {
	rt := &Runtime{bus: b, interval: time.Duration(tickIntervalMs) * time.Millisecond}
	for name, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		module := cfg.Module
		if module == "" {
			module = name
		}
		factory, ok := lookup(module)
		if !ok {
			return nil, fmt.Errorf("unknown bridge module %q", module)
		}
		br, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("construct bridge %q: %w", name, err)
		}
		rt.instances = append(rt.instances, instance{name: name, bridge: br, enabled: true})
	}
	return rt, nil
}

// AddBridge registers an already-constructed bridge with the runtime. Used
// for built-ins that need live dispatcher collaborators.
func (rt *Runtime) AddBridge(name string, br any) {
	rt.instances = append(rt.instances, instance{name: name, bridge: br, enabled: true})
}

// Due reports whether the runtime's own cadence has elapsed. The dispatcher
// wakes far more often than bridges need to run.
func (rt *Runtime) Due(now time.Time) bool {
	return now.Sub(rt.lastTick) >= rt.interval
}

// Tick runs one bridge pass: poll every inbound bridge, then route pending
// actions to outbound bridges. A failing bridge is logged and skipped; its
// state is not advanced, so the next tick retries.
func (rt *Runtime) Tick(ctx context.Context, now time.Time) {
	rt.lastTick = now
	for _, inst := range rt.instances {
		if in, ok := inst.bridge.(Inbound); ok {
			rt.pollInbound(ctx, inst.name, in)
		}
	}
	for _, inst := range rt.instances {
		if out, ok := inst.bridge.(Outbound); ok {
			rt.routeActions(ctx, inst.name, out)
		}
	}
}

// pollInbound runs one inbound bridge and persists its results.
func (rt *Runtime) pollInbound(ctx context.Context, name string, in Inbound) {
	state, err := rt.bus.LoadBridgeState(name)
	if err != nil {
		log.ErrorLog.Printf("bridge %s: load state: %v", name, err)
		return
	}
	result, err := in.Events(ctx, state)
	if err != nil {
		log.WarningLog.Printf("bridge %s: poll failed, retrying next tick: %v", name, err)
		return
	}
	for _, e := range result.Events {
		if err := rt.bus.AppendEvent(e); err != nil {
			log.ErrorLog.Printf("bridge %s: append event: %v", name, err)
			return
		}
	}
	for _, a := range result.Actions {
		if err := rt.bus.AppendAction(a); err != nil {
			log.ErrorLog.Printf("bridge %s: append action: %v", name, err)
			return
		}
	}
	if err := rt.bus.SaveBridgeState(name, result.State); err != nil {
		log.ErrorLog.Printf("bridge %s: save state: %v", name, err)
	}
}

// bridgeCursor is the per-bridge action consumer offset, stored alongside
// the receipts so the pair moves together.
type bridgeCursor struct {
	ActionsOffset int64 `json:"actionsOffset"`
}

// routeActions delivers pending actions addressed to one outbound bridge.
// The offset only advances past actions that reached a terminal outcome
// (receipt written or dropped as non-retryable); receipts make any re-read
// after a partial batch idempotent.
func (rt *Runtime) routeActions(ctx context.Context, name string, out Outbound) {
	receipts, err := rt.bus.LoadBridgeActions(name)
	if err != nil {
		log.ErrorLog.Printf("bridge %s: load receipts: %v", name, err)
		return
	}
	var cursor bridgeCursor
	if raw, err := rt.bus.LoadBridgeState(name + ".cursor"); err == nil && raw != nil {
		_ = json.Unmarshal(raw, &cursor)
	}

	actions, newOffset, err := bus.ReadActions(rt.bus.ActionsFile(), cursor.ActionsOffset)
	if err != nil {
		log.ErrorLog.Printf("bridge %s: read actions: %v", name, err)
		return
	}

	// Each receipt hits disk before the next delivery: a crash mid-batch must
	// not re-deliver what already succeeded.
	writeReceipt := func(id string, body json.RawMessage) bool {
		receipts.DeliveredActions[id] = bus.Receipt{DeliveredAt: time.Now().UTC(), Body: body}
		if err := rt.bus.SaveBridgeActions(name, receipts); err != nil {
			log.ErrorLog.Printf("bridge %s: save receipts: %v", name, err)
			return false
		}
		return true
	}

	allDelivered := true
	for _, a := range actions {
		if a.Target != "" && a.Target != name {
			continue
		}
		if _, done := receipts.DeliveredActions[a.ID]; done {
			continue
		}
		res := out.Deliver(ctx, a)
		if res.Success {
			if !writeReceipt(a.ID, res.Receipt) {
				allDelivered = false
				break
			}
			continue
		}
		if res.Retryable {
			log.WarningLog.Printf("bridge %s: action %s failed, will retry: %v", name, a.ID, res.Err)
			allDelivered = false
			break
		}
		// Non-retryable: drop with a failure receipt so it is never re-offered.
		log.ErrorLog.Printf("bridge %s: action %s failed permanently: %v", name, a.ID, res.Err)
		failure, _ := json.Marshal(map[string]string{"error": res.Err.Error()})
		if !writeReceipt(a.ID, failure) {
			allDelivered = false
			break
		}
	}

	if allDelivered && newOffset > cursor.ActionsOffset {
		cursor.ActionsOffset = newOffset
		raw, _ := json.Marshal(cursor)
		if err := rt.bus.SaveBridgeState(name+".cursor", raw); err != nil {
			log.ErrorLog.Printf("bridge %s: save cursor: %v", name, err)
		}
	}
}

// pollState is the conventional shape bridges embed in their opaque state to
// honour their own poll interval independent of the dispatcher cadence.
type pollState struct {
	LastPolledAt time.Time `json:"lastPolledAt"`
}

// ShouldPoll decides whether a bridge's own interval has elapsed, reading
// lastPolledAt out of its opaque state. Bridges call this at the top of
// Events and return their state unchanged when it reports false.
func ShouldPoll(state json.RawMessage, intervalMs int, now time.Time) bool {
	if intervalMs <= 0 {
		return true
	}
	var ps pollState
	if state != nil {
		if err := json.Unmarshal(state, &ps); err != nil {
			return true
		}
	}
	return now.Sub(ps.LastPolledAt) >= time.Duration(intervalMs)*time.Millisecond
}

// StampPoll writes lastPolledAt=now into a bridge state, preserving the
// bridge's other keys.
func StampPoll(state json.RawMessage, now time.Time) json.RawMessage {
	m := map[string]json.RawMessage{}
	if state != nil {
		_ = json.Unmarshal(state, &m)
	}
	ts, _ := json.Marshal(now.UTC())
	m["lastPolledAt"] = ts
	out, _ := json.Marshal(m)
	return out
}
