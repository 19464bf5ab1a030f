package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MaxProcessedIds caps the handled-event set; pruning drops oldest first.
const MaxProcessedIds = 1000

// Deferral records why an event was postponed and until when.
type Deferral struct {
	Reason        string    `json:"reason"`
	DeferredUntil time.Time `json:"deferredUntil"`
}

// DispatcherState is the dispatcher's per-bus consumer state.
type DispatcherState struct {
	EventsOffset      int64               `json:"eventsOffset"`
	ActionsOffset     int64               `json:"actionsOffset"`
	ProcessedEventIds []string            `json:"processedEventIds"`
	DeferredEventIds  map[string]Deferral `json:"deferredEventIds,omitempty"`

	processed map[string]bool
}

// ProcessedSet returns the processed-id set, building it lazily. Mutating
// the set via DeduplicateEvents must be followed by SyncProcessed.
func (ds *DispatcherState) ProcessedSet() map[string]bool {
	if ds.processed == nil {
		ds.processed = make(map[string]bool, len(ds.ProcessedEventIds))
		for _, id := range ds.ProcessedEventIds {
			ds.processed[id] = true
		}
	}
	return ds.processed
}

// MarkProcessed records an event id as handled, preserving insertion order.
func (ds *DispatcherState) MarkProcessed(id string) {
	set := ds.ProcessedSet()
	if set[id] {
		return
	}
	set[id] = true
	ds.ProcessedEventIds = append(ds.ProcessedEventIds, id)
}

// SyncProcessed folds ids added directly to the set (by DeduplicateEvents)
// back into the ordered list, then prunes to the cap.
func (ds *DispatcherState) SyncProcessed() {
	set := ds.ProcessedSet()
	listed := make(map[string]bool, len(ds.ProcessedEventIds))
	for _, id := range ds.ProcessedEventIds {
		listed[id] = true
	}
	for id := range set {
		if !listed[id] {
			ds.ProcessedEventIds = append(ds.ProcessedEventIds, id)
		}
	}
	ds.ProcessedEventIds = PruneProcessedIds(ds.ProcessedEventIds, MaxProcessedIds)
}

// MarkDeferred postpones an event until now+retryAfter.
func (ds *DispatcherState) MarkDeferred(id, reason string, retryAfter time.Duration, now time.Time) {
	if ds.DeferredEventIds == nil {
		ds.DeferredEventIds = make(map[string]Deferral)
	}
	ds.DeferredEventIds[id] = Deferral{Reason: reason, DeferredUntil: now.Add(retryAfter)}
}

// DeferredUntil reports whether the event is currently deferred.
func (ds *DispatcherState) DeferredUntil(id string, now time.Time) bool {
	d, ok := ds.DeferredEventIds[id]
	if !ok {
		return false
	}
	if now.Before(d.DeferredUntil) {
		return true
	}
	delete(ds.DeferredEventIds, id)
	return false
}

// LoadDispatcherState reads dispatcher.json; missing file yields zero state.
func (b Bus) LoadDispatcherState() (*DispatcherState, error) {
	var ds DispatcherState
	if err := readJSON(b.DispatcherStateFile(), &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// SaveDispatcherState persists the consumer state. Offsets never regress:
// a smaller offset than what is already on disk is a bug, so the larger
// value wins.
func (b Bus) SaveDispatcherState(ds *DispatcherState) error {
	var onDisk DispatcherState
	if err := readJSON(b.DispatcherStateFile(), &onDisk); err == nil {
		if onDisk.EventsOffset > ds.EventsOffset {
			ds.EventsOffset = onDisk.EventsOffset
		}
		if onDisk.ActionsOffset > ds.ActionsOffset {
			ds.ActionsOffset = onDisk.ActionsOffset
		}
	}
	ds.SyncProcessed()
	return writeJSON(b.DispatcherStateFile(), ds)
}

// Receipt proves a bridge delivered an action. The body is whatever the
// bridge returned; the timestamp is ours.
type Receipt struct {
	DeliveredAt time.Time       `json:"deliveredAt"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// BridgeActions indexes receipts by action id for one bridge.
type BridgeActions struct {
	DeliveredActions map[string]Receipt `json:"deliveredActions"`
}

// LoadBridgeActions reads a bridge's receipt index.
func (b Bus) LoadBridgeActions(name string) (*BridgeActions, error) {
	ba := BridgeActions{DeliveredActions: make(map[string]Receipt)}
	if err := readJSON(b.BridgeActionsFile(name), &ba); err != nil {
		return nil, err
	}
	if ba.DeliveredActions == nil {
		ba.DeliveredActions = make(map[string]Receipt)
	}
	return &ba, nil
}

// SaveBridgeActions persists the receipt index.
func (b Bus) SaveBridgeActions(name string, ba *BridgeActions) error {
	return writeJSON(b.BridgeActionsFile(name), ba)
}

// LoadBridgeState reads a bridge's opaque state verbatim. Missing file
// returns nil.
func (b Bus) LoadBridgeState(name string) (json.RawMessage, error) {
	data, err := os.ReadFile(b.BridgeStateFile(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bridge state %s: %w", name, err)
	}
	return json.RawMessage(data), nil
}

// SaveBridgeState persists a bridge's opaque state verbatim.
func (b Bus) SaveBridgeState(name string, state json.RawMessage) error {
	if state == nil {
		return nil
	}
	path := b.BridgeStateFile(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create bus state dir: %w", err)
	}
	return os.WriteFile(path, state, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
