package planstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/planfsm"
)

// InboxMeta is the sidecar metadata next to an inbox plan markdown file
// (<id>.json beside <id>.md). Plan resolution consults this metadata, never
// frontmatter: canonical plan markdown carries none.
type InboxMeta struct {
	Status planfsm.Status `json:"status"`
	Agent  string         `json:"agent,omitempty"`
	Preset string         `json:"preset,omitempty"`
	Source *Source        `json:"source,omitempty"`
	Hidden bool           `json:"hidden,omitempty"`
}

// InboxEntry pairs a plan id with its markdown path and metadata.
type InboxEntry struct {
	ID       string
	PlanFile string
	Meta     InboxMeta
}

// ListInbox returns all inbox plans sorted by id. Markdown files without a
// metadata sidecar default to draft.
func ListInbox(paths config.Paths) ([]InboxEntry, error) {
	dir := paths.InboxDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	var out []InboxEntry
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".md") {
			continue
		}
		id := strings.TrimSuffix(de.Name(), ".md")
		meta := InboxMeta{Status: planfsm.StatusDraft}
		if data, err := os.ReadFile(filepath.Join(dir, id+".json")); err == nil {
			if err := json.Unmarshal(data, &meta); err != nil {
				return nil, fmt.Errorf("parse inbox metadata for %s: %w", id, err)
			}
		}
		out = append(out, InboxEntry{
			ID:       id,
			PlanFile: filepath.Join(dir, de.Name()),
			Meta:     meta,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WriteInboxMeta writes the metadata sidecar for an inbox plan.
func WriteInboxMeta(paths config.Paths, id string, meta InboxMeta) error {
	if err := os.MkdirAll(paths.InboxDir(), 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal inbox metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(paths.InboxDir(), id+".json"), append(data, '\n'), 0o644)
}

// RemoveInboxEntry deletes an inbox plan and its metadata sidecar.
func RemoveInboxEntry(paths config.Paths, id string) error {
	var errs []error
	if err := os.Remove(filepath.Join(paths.InboxDir(), id+".md")); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := os.Remove(filepath.Join(paths.InboxDir(), id+".json")); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// FindPlanBySource returns the plan id whose source identity matches, looking
// at active plans first and then the inbox. Empty when no match.
func FindPlanBySource(paths config.Paths, s *State, src Source) (string, bool) {
	for id, e := range s.Plans {
		if e.Source != nil && *e.Source == src {
			return id, true
		}
	}
	inbox, err := ListInbox(paths)
	if err != nil {
		return "", false
	}
	for _, ie := range inbox {
		if ie.Meta.Source != nil && *ie.Meta.Source == src {
			return ie.ID, true
		}
	}
	return "", false
}
