package dispatch

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/auditlog"
	"github.com/kastheco/prloom/config/plandoc"
	"github.com/kastheco/prloom/config/planfsm"
	"github.com/kastheco/prloom/config/planstate"
	"github.com/kastheco/prloom/log"
	"github.com/kastheco/prloom/session/git"
)

// ingestInbox materializes every queued inbox plan: branch, worktree, seed
// commit, draft CR. A failing plan is logged and left in the inbox so the
// next tick retries; zero-TODO plans are skipped outright.
func (d *Dispatcher) ingestInbox(ctx context.Context) {
	entries, err := planstate.ListInbox(d.Paths)
	if err != nil {
		log.ErrorLog.Printf("ingest: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.Meta.Status != planfsm.StatusQueued {
			continue
		}
		if _, exists := d.State.Plans[entry.ID]; exists {
			log.WarningLog.Printf("ingest: plan %s already active, removing inbox entry", entry.ID)
			_ = planstate.RemoveInboxEntry(d.Paths, entry.ID)
			continue
		}
		doc, err := plandoc.ParseFile(entry.PlanFile)
		if err != nil {
			log.ErrorLog.Printf("ingest %s: %v", entry.ID, err)
			continue
		}
		if len(doc.Todos) == 0 {
			// Ingesting a TODO-less plan would complete on the very next tick;
			// leave it for the designer to finish.
			log.WarningLog.Printf("ingest: plan %s has no TODOs, skipping", entry.ID)
			continue
		}
		if err := d.ingestOne(ctx, entry, doc); err != nil {
			log.ErrorLog.Printf("ingest %s: %v", entry.ID, err)
		}
	}
}

func (d *Dispatcher) ingestOne(ctx context.Context, entry planstate.InboxEntry, doc *plandoc.Document) error {
	cfg := d.Cfg.ApplyPreset(entry.Meta.Preset)

	branch, err := git.PlanBranch(d.Paths.RepoRoot, entry.ID)
	if err != nil {
		return err
	}
	wtPath := d.Paths.WorktreeDir(cfg.WorktreesDir, entry.ID)
	w := git.NewWorktree(d.Paths.RepoRoot, wtPath, branch, cfg.BaseBranch)
	if err := w.Setup(); err != nil {
		return err
	}

	planFile := config.WorktreePlanFile(wtPath)
	if err := os.MkdirAll(filepath.Dir(planFile), 0o755); err != nil {
		return err
	}
	if err := copyFile(entry.PlanFile, planFile); err != nil {
		return err
	}
	d.materializeWorktree(ctx, cfg, wtPath)

	// Seed commit so the draft CR has something to point at.
	committed, err := w.CommitAll("[prloom] " + entry.ID + ": ingest plan")
	if err != nil {
		return err
	}
	if !committed {
		if err := w.CommitEmpty("[prloom] " + entry.ID + ": seed"); err != nil {
			return err
		}
	}
	if err := w.Push(); err != nil {
		log.WarningLog.Printf("ingest %s: push: %v", entry.ID, err)
	}

	title := doc.Title
	if title == "" {
		title = entry.ID
	}
	cr, err := d.Provider.CreateDraftCR(ctx, branch, cfg.BaseBranch, title, doc.ExtractBody())
	if err != nil {
		return err
	}

	status, err := planfsm.ApplyTransition(planfsm.StatusQueued, planfsm.Ingest)
	if err != nil {
		return err
	}
	ps := planstate.NewEntry(status)
	ps.Title = title
	ps.Worktree = wtPath
	ps.Branch = branch
	ps.BaseBranch = cfg.BaseBranch
	ps.CR = strconv.Itoa(cr.Number)
	ps.Agent = entry.Meta.Agent
	ps.Preset = entry.Meta.Preset
	ps.Source = entry.Meta.Source
	d.State.Plans[entry.ID] = ps

	d.Audit.Emit(auditlog.NewEvent(auditlog.EventPlanIngested, title,
		auditlog.WithPlan(entry.ID), auditlog.WithDetail("branch="+branch)))
	d.Audit.Emit(auditlog.NewEvent(auditlog.EventCRCreated, cr.URL,
		auditlog.WithPlan(entry.ID)))
	log.InfoLog.Printf("ingested plan %s on %s (CR #%d)", entry.ID, branch, cr.Number)

	return planstate.RemoveInboxEntry(d.Paths, entry.ID)
}

// materializeWorktree applies copyFiles and initCommands to a fresh worktree.
// Both are best effort: a missing file or failing command is logged, not
// fatal, so a stale config entry cannot wedge ingestion.
func (d *Dispatcher) materializeWorktree(ctx context.Context, cfg *config.Config, wtPath string) {
	for _, rel := range cfg.CopyFiles {
		src := filepath.Join(d.Paths.RepoRoot, rel)
		dst := filepath.Join(wtPath, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			log.WarningLog.Printf("copyFiles %s: %v", rel, err)
			continue
		}
		if err := copyFile(src, dst); err != nil {
			log.WarningLog.Printf("copyFiles %s: %v", rel, err)
		}
	}
	for _, cmd := range cfg.InitCommands {
		c := exec.CommandContext(ctx, "sh", "-c", cmd)
		c.Dir = wtPath
		if out, err := c.CombinedOutput(); err != nil {
			log.WarningLog.Printf("initCommand %q: %v\n%s", cmd, err, out)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
